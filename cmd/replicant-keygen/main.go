// replicant-keygen mints API credentials for sync clients. The secret
// is printed exactly once; the server only ever reads it back from the
// database to verify signatures.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/replicant-sync/replicant-server/internal/auth"
	"github.com/replicant-sync/replicant-server/internal/db"
)

var (
	credName string
	insert   bool
	dbURL    string
)

var rootCmd = &cobra.Command{
	Use:   "replicant-keygen",
	Short: "Generate an API key/secret pair for a sync client",
	Long: `Generate an API key/secret pair for a sync client.

Without flags the pair is only printed; pass --insert to also store it
so the server accepts it immediately.

Examples:
  replicant-keygen --name laptop
  replicant-keygen --name ci-bot --insert --database-url postgres://localhost/replicant`,
	RunE: runKeygen,
}

func init() {
	rootCmd.Flags().StringVar(&credName, "name", "", "label for the credential (required with --insert)")
	rootCmd.Flags().BoolVar(&insert, "insert", false, "store the credential in the database")
	rootCmd.Flags().StringVar(&dbURL, "database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if !insert {
		apiKey, secret, err := auth.GenerateCredentials()
		if err != nil {
			return fmt.Errorf("generate credentials: %w", err)
		}
		printPair(apiKey, secret)
		return nil
	}

	if credName == "" {
		return fmt.Errorf("--insert requires --name")
	}
	if dbURL == "" {
		return fmt.Errorf("--insert requires --database-url or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	cred, err := auth.NewCredentialStore(pool).Create(ctx, credName)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	fmt.Printf("id:      %s\n", cred.ID)
	fmt.Printf("name:    %s\n", cred.Name)
	printPair(cred.APIKey, cred.Secret)
	return nil
}

func printPair(apiKey, secret string) {
	fmt.Printf("api_key: %s\n", apiKey)
	fmt.Printf("secret:  %s\n", secret)
	fmt.Println("\nStore the secret now; it is not shown again.")
}

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("keygen failed")
		os.Exit(1)
	}
}
