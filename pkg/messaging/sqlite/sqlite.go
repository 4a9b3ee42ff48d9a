package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"image-fetcher/pkg/messaging"
	"image-fetcher/pkg/messaging/sqlqueue"

	_ "modernc.org/sqlite"
)

// Dialect is the SQLite flavour of the messages table
var Dialect = sqlqueue.Dialect{
	Name: "sqlite",
	CreateTable: `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			destination TEXT NOT NULL,
			headers TEXT NOT NULL,
			body BLOB NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`,
}

// NewTransport creates a SQLite messaging transport. config.Broker is a file path or ":memory:".
func NewTransport(config messaging.Config, logger *slog.Logger) messaging.Transport {
	return sqlqueue.NewTransport(Dialect, Open, config, logger)
}

// Open opens the SQLite database named by config.Broker
func Open(ctx context.Context, config messaging.Config) (*sql.DB, error) {
	// Open SQLite database with shared cache for in-memory database
	dsn := config.Broker
	if dsn == "" || dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One writer at a time avoids "database is locked"
	db.SetMaxOpenConns(1)

	// Enable WAL mode and set pragmas
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return db, nil
}
