package queue

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"image-fetcher/pkg/messaging"

	"github.com/google/uuid"
)

// MemoryPath selects a broker that is never written to disk
const MemoryPath = ":memory:"

type stored struct {
	ID      string            `json:"id"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

type inflight struct {
	destination string
	owner       *queueClient
	msg         stored
}

// Broker is a simple, efficient set of named queues for single-instance use.
// A file-backed broker rewrites its JSON file after every change.
type Broker struct {
	path     string
	inMemory bool
	logger   *slog.Logger

	mu        sync.Mutex
	queues    map[string][]stored
	inflight  map[string]inflight
	persisted *os.File
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Broker)
)

// OpenBroker returns the process-wide broker for path, creating it on first use
func OpenBroker(path string, logger *slog.Logger) (*Broker, error) {
	if path == "" {
		path = MemoryPath
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if b, ok := registry[path]; ok {
		return b, nil
	}
	b, err := NewBroker(path, logger)
	if err != nil {
		return nil, err
	}
	registry[path] = b
	return b, nil
}

// NewBroker creates a standalone broker. Existing messages in a file-backed broker are loaded.
func NewBroker(path string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		path:     path,
		inMemory: path == "" || path == MemoryPath,
		logger:   logger,
		queues:   make(map[string][]stored),
		inflight: make(map[string]inflight),
	}

	// Skip file operations for in-memory queue
	if b.inMemory {
		logger.Debug("using in-memory queue")
		return b, nil
	}

	// Create directory if needed
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue file: %w", err)
	}

	var queues map[string][]stored
	if err := json.NewDecoder(file).Decode(&queues); err != nil && err != io.EOF {
		file.Close()
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	for dest, msgs := range queues {
		b.queues[dest] = msgs
		logger.Info("loaded queued messages", "destination", dest, "count", len(msgs), "path", path)
	}
	b.persisted = file

	logger.Debug("using file-backed queue", "path", path)
	return b, nil
}

// Len returns the number of messages waiting on destination, excluding in-flight ones
func (b *Broker) Len(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[destination])
}

// Close releases the backing file
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.persisted == nil {
		return nil
	}
	err := b.persisted.Close()
	b.persisted = nil
	return err
}

func (b *Broker) push(destination string, f messaging.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queues[destination] = append(b.queues[destination], stored{
		ID:      uuid.NewString(),
		Headers: messaging.CopyHeaders(f.Headers),
		Body:    f.Body,
	})
	return b.persistLocked()
}

// pop takes the head of destination; unless autoAck it stays in flight until acked
func (b *Broker) pop(destination string, owner *queueClient, autoAck bool) (stored, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.queues[destination]
	if len(msgs) == 0 {
		return stored{}, false, nil
	}
	msg := msgs[0]
	b.queues[destination] = msgs[1:]

	if autoAck {
		return msg, true, b.persistLocked()
	}
	b.inflight[msg.ID] = inflight{destination: destination, owner: owner, msg: msg}
	return msg, true, nil
}

func (b *Broker) ack(id string, owner *queueClient) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	in, ok := b.inflight[id]
	if !ok || in.owner != owner {
		return fmt.Errorf("%w: %s", messaging.ErrUnknownMessage, id)
	}
	delete(b.inflight, id)
	return b.persistLocked()
}

// release puts the owner's unacknowledged messages back at the head of their queues
func (b *Broker) release(owner *queueClient) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	returned := 0
	for id, in := range b.inflight {
		if in.owner != owner {
			continue
		}
		b.queues[in.destination] = append([]stored{in.msg}, b.queues[in.destination]...)
		delete(b.inflight, id)
		returned++
	}
	if returned > 0 {
		b.logger.Debug("returned unacknowledged messages", "count", returned)
	}
	return b.persistLocked()
}

// persistLocked writes queued and in-flight messages; callers hold b.mu
func (b *Broker) persistLocked() error {
	// Skip persistence for in-memory queue
	if b.inMemory || b.persisted == nil {
		return nil
	}

	snapshot := make(map[string][]stored, len(b.queues))
	for dest, msgs := range b.queues {
		if len(msgs) > 0 {
			snapshot[dest] = append([]stored(nil), msgs...)
		}
	}
	// In-flight messages are redelivered after a restart
	for _, in := range b.inflight {
		snapshot[in.destination] = append([]stored{in.msg}, snapshot[in.destination]...)
	}

	// Truncate and write
	if err := b.persisted.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate file: %w", err)
	}
	if _, err := b.persisted.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	if err := json.NewEncoder(b.persisted).Encode(snapshot); err != nil {
		return fmt.Errorf("failed to persist messages: %w", err)
	}
	return nil
}
