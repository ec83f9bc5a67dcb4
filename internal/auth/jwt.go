package auth

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// AdminMiddleware guards the credential admin surface with a bearer JWT
// signed by the shared HS256 secret. There is no user row behind admin
// tokens; the subject claim is only logged.
func AdminMiddleware(hs256Secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}
			if tok == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
				// Reject tokens signed with anything but HMAC, notably "none".
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(hs256Secret), nil
			})
			if err != nil || !t.Valid {
				log.Warn().Err(err).Msg("admin jwt validation failed")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if sub, ok := claims["sub"].(string); ok && sub != "" {
				log.Debug().Str("sub", sub).Str("path", r.URL.Path).Msg("admin request")
			}
			next.ServeHTTP(w, r)
		})
	}
}
