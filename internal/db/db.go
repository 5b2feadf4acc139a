package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Open connects to the configured database and runs migrations.
// Local paths use the embedded sqlite driver; libsql:// and wss://
// URLs are routed to the Turso driver.
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	driverName := "sqlite"
	dsn := formatDBPath(dbPath)
	if strings.HasPrefix(dbPath, "libsql://") || strings.HasPrefix(dbPath, "wss://") {
		driverName = "libsql"
		dsn = dbPath
	}

	instance, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := instance.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Debug().Str("driver", driverName).Msg("database connection successful")

	if err := migrate(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Msg("migrations completed successfully")

	return instance, nil
}

func formatDBPath(path string) string {
	// Pre-formed DSNs (tests use in-memory ones) pass through untouched.
	if strings.Contains(path, "?") {
		if !strings.HasPrefix(path, "file:") {
			path = "file:" + path
		}
		return path
	}

	// Add pragmas for better performance and safety
	// See: https://pkg.go.dev/modernc.org/sqlite#pkg-overview
	params := url.Values{}
	params.Set("cache", "shared")
	params.Set("mode", "rwc")
	params.Set("_time_format", "sqlite")
	params.Set("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_busy_timeout", "5000")

	return "file:" + path + "?" + params.Encode()
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS owners (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_key TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE,
		plan TEXT NOT NULL DEFAULT 'free',
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_key TEXT NOT NULL,
		url TEXT NOT NULL,
		short_code TEXT UNIQUE NOT NULL,
		plan_snapshot TEXT NOT NULL DEFAULT 'free',
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS clicks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		link_id INTEGER NOT NULL,
		clicked_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ip_address TEXT,
		user_agent TEXT,
		device TEXT NOT NULL DEFAULT 'unknown',
		FOREIGN KEY(link_id) REFERENCES links(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_links_short_code ON links(short_code);
	CREATE INDEX IF NOT EXISTS idx_links_owner_key ON links(owner_key);
	CREATE INDEX IF NOT EXISTS idx_clicks_link_id ON clicks(link_id);
	CREATE INDEX IF NOT EXISTS idx_clicks_clicked_at ON clicks(clicked_at);
	`

	_, err := db.ExecContext(ctx, schema)
	return err
}
