package postgres

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPgErrorCodes(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	missing := &pgconn.PgError{Code: "42P01"}

	if !IsUniqueViolation(unique) || IsUniqueViolation(missing) {
		t.Error("IsUniqueViolation should only match 23505")
	}
	if !IsUndefinedTable(missing) || IsUndefinedTable(unique) {
		t.Error("IsUndefinedTable should only match 42P01")
	}
	if IsUniqueViolation(fmt.Errorf("plain")) {
		t.Error("plain errors are not pg errors")
	}
}
