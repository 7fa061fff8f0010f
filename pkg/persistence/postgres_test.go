package persistence

import (
	"context"
	"os"
	"testing"
)

// Postgres providers need a live server; these run only when
// XSTATENET_TEST_POSTGRES_DSN is set and are skipped otherwise. The
// module's NATS-backed tests need no such variable, since they start
// an embedded server in-process.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("XSTATENET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("XSTATENET_TEST_POSTGRES_DSN not set; skipping Postgres-backed persistence test")
	}
	return dsn
}

func TestPgxProvider_Contract(t *testing.T) {
	dsn := postgresTestDSN(t)
	p, err := NewPgxProvider(context.Background(), dsn)
	if err != nil {
		t.Fatalf("new pgx provider: %v", err)
	}
	defer p.Close()
	exerciseProvider(t, p)
}

func TestLibPQProvider_Contract(t *testing.T) {
	dsn := postgresTestDSN(t)
	p, err := NewLibPQProvider(dsn)
	if err != nil {
		t.Fatalf("new lib/pq provider: %v", err)
	}
	defer p.Close()
	exerciseProvider(t, p)
}
