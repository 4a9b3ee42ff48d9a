package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"image-fetcher/pkg/messaging"
)

const defaultPollInterval = 100 * time.Millisecond

type subscription struct {
	destination string
	id          string
	autoAck     bool
}

// queueClient is one connection to a Broker
type queueClient struct {
	config messaging.Config
	logger *slog.Logger
	broker *Broker

	mu        sync.Mutex
	handler   messaging.Handler
	connected bool
	subs      []subscription
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewTransport creates a queue transport on the process-wide broker named by config.Broker,
// either ":memory:" (the default) or a JSON file path
func NewTransport(config messaging.Config, logger *slog.Logger) messaging.Transport {
	return &queueClient{config: config, logger: orDefault(logger)}
}

// NewTransportWithBroker creates a queue transport on an existing broker
func NewTransportWithBroker(b *Broker, config messaging.Config, logger *slog.Logger) messaging.Transport {
	return &queueClient{config: config, logger: orDefault(logger), broker: b}
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func (q *queueClient) Server() string {
	if q.config.Broker == "" {
		return MemoryPath
	}
	return q.config.Broker
}

func (q *queueClient) Connect(ctx context.Context, h messaging.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := q.broker
	if b == nil {
		var err error
		if b, err = OpenBroker(q.config.Broker, q.logger); err != nil {
			return err
		}
	}

	interval := q.config.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	stop := make(chan struct{})
	q.mu.Lock()
	q.broker = b
	q.handler = h
	q.connected = true
	q.subs = nil
	q.stopChan = stop
	q.mu.Unlock()

	q.wg.Add(1)
	go q.deliver(interval, stop)

	h.HandleConnected(map[string]string{"server": q.Server()})
	return nil
}

// deliver moves at most one message per subscription to the handler on every tick
func (q *queueClient) deliver(interval time.Duration, stop <-chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.mu.Lock()
			subs := append([]subscription(nil), q.subs...)
			q.mu.Unlock()

			for _, sub := range subs {
				select {
				case <-stop:
					return
				default:
				}

				msg, ok, err := q.broker.pop(sub.destination, q, sub.autoAck)
				if err != nil {
					q.logger.Error("failed to persist messages", "error", err)
				}
				if !ok {
					continue
				}

				headers := messaging.CopyHeaders(msg.Headers)
				headers[messaging.HeaderMessageID] = msg.ID
				headers[messaging.HeaderSubscription] = sub.id
				headers[messaging.HeaderDestination] = sub.destination
				q.handler.HandleMessage(messaging.Frame{Headers: headers, Body: msg.Body})
			}
		}
	}
}

func (q *queueClient) Subscribe(destination, id string, ack messaging.AckMode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.connected {
		return messaging.ErrNotConnected
	}
	q.subs = append(q.subs, subscription{
		destination: destination,
		id:          id,
		autoAck:     ack == messaging.AckAuto || ack == "",
	})
	return nil
}

func (q *queueClient) Send(destination string, f messaging.Frame, persistent bool) error {
	if !q.IsConnected() {
		return messaging.ErrNotConnected
	}
	if err := q.broker.push(destination, f); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

func (q *queueClient) Ack(messageID, subscription string) error {
	q.mu.Lock()
	b := q.broker
	q.mu.Unlock()
	if b == nil {
		return messaging.ErrNotConnected
	}
	return b.ack(messageID, q)
}

func (q *queueClient) Disconnect() error {
	q.mu.Lock()
	wasConnected, stop := q.connected, q.stopChan
	q.connected = false
	q.stopChan = nil
	q.mu.Unlock()

	if !wasConnected {
		return nil
	}
	close(stop)

	// Disconnect may be called from inside a handler on the delivery goroutine
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}

	err := q.broker.release(q)
	q.handler.HandleDisconnected()
	return err
}

func (q *queueClient) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}
