// Package sqlqueue implements a polling message queue on a single SQL table.
// The sqlite and postgres packages supply the driver and dialect.
package sqlqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"image-fetcher/pkg/messaging"
)

const defaultPollInterval = 100 * time.Millisecond

// Dialect holds what differs between SQL backends
type Dialect struct {
	Name string
	// CreateTable creates the messages table if it does not exist
	CreateTable string
	// Numbered placeholders ($1, $2) instead of ?
	Numbered bool
}

// Rebind rewrites ? placeholders for the dialect
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Opener opens the database for a connection
type Opener func(ctx context.Context, config messaging.Config) (*sql.DB, error)

type subscription struct {
	destination string
	id          string
	autoAck     bool
}

type client struct {
	dialect Dialect
	open    Opener
	config  messaging.Config
	logger  *slog.Logger

	mu        sync.Mutex
	db        *sql.DB
	ownsDB    bool
	handler   messaging.Handler
	connected bool
	subs      []subscription
	inflight  map[string]bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewTransport creates a table-backed transport that opens its database on Connect
func NewTransport(dialect Dialect, open Opener, config messaging.Config, logger *slog.Logger) messaging.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		dialect: dialect,
		open:    open,
		config:  config,
		logger:  logger,
	}
}

// NewTransportWithDB creates a transport on an existing database, which Disconnect leaves open
func NewTransportWithDB(dialect Dialect, db *sql.DB, config messaging.Config, logger *slog.Logger) messaging.Transport {
	c := NewTransport(dialect, nil, config, logger).(*client)
	c.db = db
	return c
}

func (c *client) Server() string {
	return c.dialect.Name + ":" + c.config.Broker
}

func (c *client) Connect(ctx context.Context, h messaging.Handler) error {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	owns := false
	if db == nil {
		if c.open == nil {
			return fmt.Errorf("no database configured")
		}
		var err error
		if db, err = c.open(ctx, c.config); err != nil {
			return err
		}
		owns = true
	}

	// Create messages table if it doesn't exist
	if _, err := db.ExecContext(ctx, c.dialect.CreateTable); err != nil {
		if owns {
			db.Close()
		}
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	interval := c.config.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.db = db
	c.ownsDB = owns
	c.handler = h
	c.connected = true
	c.subs = nil
	c.inflight = make(map[string]bool)
	c.stopChan = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go c.poll(db, interval, stop)

	h.HandleConnected(map[string]string{"server": c.Server()})
	return nil
}

// poll claims at most one message per subscription on every tick
func (c *client) poll(db *sql.DB, interval time.Duration, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			subs := append([]subscription(nil), c.subs...)
			c.mu.Unlock()

			for _, sub := range subs {
				select {
				case <-stop:
					return
				default:
				}

				f, ok, err := c.claim(db, sub)
				if err != nil {
					c.logger.Error("failed to poll messages", "destination", sub.destination, "error", err)
					continue
				}
				if ok {
					c.handler.HandleMessage(f)
				}
			}
		}
	}
}

func (c *client) claim(db *sql.DB, sub subscription) (messaging.Frame, bool, error) {
	var (
		id      int64
		headers string
		body    []byte
	)
	err := db.QueryRow(
		c.dialect.Rebind("SELECT id, headers, body FROM messages WHERE destination = ? AND delivered = 0 ORDER BY id LIMIT 1"),
		sub.destination,
	).Scan(&id, &headers, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return messaging.Frame{}, false, nil
	}
	if err != nil {
		return messaging.Frame{}, false, fmt.Errorf("failed to query messages: %w", err)
	}

	// Another consumer may claim the same row first
	var res sql.Result
	if sub.autoAck {
		res, err = db.Exec(c.dialect.Rebind("DELETE FROM messages WHERE id = ? AND delivered = 0"), id)
	} else {
		res, err = db.Exec(c.dialect.Rebind("UPDATE messages SET delivered = 1 WHERE id = ? AND delivered = 0"), id)
	}
	if err != nil {
		return messaging.Frame{}, false, fmt.Errorf("failed to claim message %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return messaging.Frame{}, false, err
	}

	f := messaging.Frame{Headers: make(map[string]string), Body: body}
	if err := json.Unmarshal([]byte(headers), &f.Headers); err != nil {
		c.logger.Error("failed to unmarshal message headers", "id", id, "error", err)
	}
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}

	messageID := strconv.FormatInt(id, 10)
	f.Headers[messaging.HeaderMessageID] = messageID
	f.Headers[messaging.HeaderSubscription] = sub.id
	f.Headers[messaging.HeaderDestination] = sub.destination

	if !sub.autoAck {
		c.mu.Lock()
		c.inflight[messageID] = true
		c.mu.Unlock()
	}
	return f, true, nil
}

func (c *client) Subscribe(destination, id string, ack messaging.AckMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return messaging.ErrNotConnected
	}
	c.subs = append(c.subs, subscription{
		destination: destination,
		id:          id,
		autoAck:     ack == messaging.AckAuto || ack == "",
	})
	return nil
}

func (c *client) Send(destination string, f messaging.Frame, persistent bool) error {
	c.mu.Lock()
	db, connected := c.db, c.connected
	c.mu.Unlock()
	if !connected {
		return messaging.ErrNotConnected
	}

	headers, err := json.Marshal(f.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	body := f.Body
	if body == nil {
		body = []byte{}
	}

	if _, err := db.Exec(
		c.dialect.Rebind("INSERT INTO messages (destination, headers, body) VALUES (?, ?, ?)"),
		destination, string(headers), body,
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (c *client) Ack(messageID, subscription string) error {
	c.mu.Lock()
	db, ok := c.db, c.inflight[messageID]
	delete(c.inflight, messageID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", messaging.ErrUnknownMessage, messageID)
	}
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", messaging.ErrUnknownMessage, messageID)
	}
	if _, err := db.Exec(c.dialect.Rebind("DELETE FROM messages WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (c *client) Disconnect() error {
	c.mu.Lock()
	wasConnected, stop, db, owns := c.connected, c.stopChan, c.db, c.ownsDB
	c.connected = false
	c.stopChan = nil
	ids := make([]int64, 0, len(c.inflight))
	for id := range c.inflight {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			ids = append(ids, n)
		}
	}
	c.inflight = make(map[string]bool)
	c.mu.Unlock()

	if !wasConnected {
		return nil
	}
	close(stop)

	// Disconnect may be called from inside a handler on the polling goroutine
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}

	// Unacknowledged messages become visible to other consumers again
	var errs []error
	for _, id := range ids {
		if _, err := db.Exec(c.dialect.Rebind("UPDATE messages SET delivered = 0 WHERE id = ?"), id); err != nil {
			errs = append(errs, fmt.Errorf("failed to release message %d: %w", id, err))
		}
	}
	if owns {
		c.mu.Lock()
		c.db = nil
		c.mu.Unlock()
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.handler.HandleDisconnected()
	return errors.Join(errs...)
}

func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
