package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"image-fetcher/pkg/messaging"
	"image-fetcher/pkg/messaging/sqlqueue"

	_ "github.com/lib/pq"
)

// Dialect is the PostgreSQL flavour of the messages table
var Dialect = sqlqueue.Dialect{
	Name: "postgres",
	CreateTable: `
		CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			destination TEXT NOT NULL,
			headers TEXT NOT NULL,
			body BYTEA NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`,
	Numbered: true,
}

// NewTransport creates a PostgreSQL messaging transport. config.Broker is host:port/database.
func NewTransport(config messaging.Config, logger *slog.Logger) messaging.Transport {
	return sqlqueue.NewTransport(Dialect, Open, config, logger)
}

// NewTransportWithDB creates a PostgreSQL transport on an open database
func NewTransportWithDB(db *sql.DB, config messaging.Config, logger *slog.Logger) messaging.Transport {
	return sqlqueue.NewTransportWithDB(Dialect, db, config, logger)
}

// Validate checks the connection settings
func Validate(config messaging.Config) error {
	if config.Broker == "" {
		return fmt.Errorf("broker address is required")
	}
	if config.Username == "" {
		return fmt.Errorf("username is required")
	}
	if config.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

// ConnString builds the lib/pq connection URL
func ConnString(config messaging.Config) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(config.Username, config.Password),
		Host:     config.Broker,
		RawQuery: "sslmode=disable",
	}
	// host:port/database
	if host, db, ok := strings.Cut(config.Broker, "/"); ok {
		u.Host = host
		u.Path = "/" + db
	}
	return u.String()
}

// Open connects to the database named by config
func Open(ctx context.Context, config messaging.Config) (*sql.DB, error) {
	if err := Validate(config); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", ConnString(config))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
