package jobstore

import (
	"context"
	"path/filepath"
	"testing"

	"clipforge/internal/config"
	"clipforge/internal/pkg/logger"
)

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	st, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", URL: "sqlite://" + path}, logger.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.DatabaseConfig{Driver: "mysql"}, logger.Discard()); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}
