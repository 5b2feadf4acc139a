package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/abdusco/smartlinks/internal/db"
)

// newTestDB opens a throwaway in-memory database, one per test name.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	database, err := db.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// A single connection sidesteps shared-cache lock errors under
	// concurrent test writes.
	database.SetMaxOpenConns(1)

	t.Cleanup(func() { database.Close() })
	return database
}
