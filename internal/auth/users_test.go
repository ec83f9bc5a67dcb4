package auth

import (
	"context"
	"testing"
)

func TestUserIDDeterministic(t *testing.T) {
	ns := NamespaceID("replicant.sync")

	a1 := UserID(ns, "ada@example.com")
	a2 := UserID(ns, "ada@example.com")
	if a1 != a2 {
		t.Errorf("UserID() not deterministic: %s vs %s", a1, a2)
	}
	if a1.Version() != 5 {
		t.Errorf("UserID() version = %d, want 5", a1.Version())
	}

	if b := UserID(ns, "grace@example.com"); b == a1 {
		t.Error("different emails must derive different ids")
	}
	if other := UserID(NamespaceID("some.other.app"), "ada@example.com"); other == a1 {
		t.Error("different namespaces must derive different ids")
	}
}

func TestNamespaceIDDeterministic(t *testing.T) {
	if NamespaceID("replicant.sync") != NamespaceID("replicant.sync") {
		t.Error("NamespaceID() not deterministic")
	}
	if NamespaceID("replicant.sync") == NamespaceID("replicant.sync2") {
		t.Error("different app ids must derive different namespaces")
	}
}

func TestGetOrCreate_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := getTestDB(t)
	defer pool.Close()

	users := NewUsers(pool, "replicant.sync")
	ctx := context.Background()

	first, err := users.GetOrCreate(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first.ID != UserID(users.Namespace, "ada@example.com") {
		t.Errorf("user id = %s, want derived id", first.ID)
	}

	second, err := users.GetOrCreate(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second join id = %s, want %s", second.ID, first.ID)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if count != 1 {
		t.Errorf("users table has %d rows, want 1", count)
	}

	users.TouchLastSeen(ctx, first.ID)
	touched, err := users.GetOrCreate(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() after touch error = %v", err)
	}
	if touched.LastSeenAt == nil {
		t.Error("last_seen_at should be set after TouchLastSeen")
	}
}
