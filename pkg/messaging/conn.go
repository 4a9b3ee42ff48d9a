package messaging

import (
	"context"
	"fmt"
	"log/slog"
)

// Conn is a broker connection with an ordered set of named listeners.
// Transport events are fanned out to the listeners synchronously, in binding order.
type Conn struct {
	transport Transport
	logger    *slog.Logger
	names     []string
	listeners []Listener
}

// SendOption modifies an outgoing send
type SendOption func(*sendOptions)

type sendOptions struct {
	persistent bool
}

// Persistent asks the broker to store the message durably
func Persistent() SendOption {
	return func(o *sendOptions) {
		o.persistent = true
	}
}

// IsPersistent reports whether opts include Persistent
func IsPersistent(opts ...SendOption) bool {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.persistent
}

// Connect binds the listeners and then opens the transport.
// Bindings are validated before any network activity; a binding without
// exactly one of a listener or a factory fails with ErrInvalidBinding.
func Connect(ctx context.Context, t Transport, logger *slog.Logger, bindings ...Binding) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{transport: t, logger: logger}
	logger.Debug("creating broker connection", "server", t.Server())

	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if b.Name == "" || seen[b.Name] {
			logger.Error("listener bindings need unique, non-empty names", "listener", b.Name)
			return nil, fmt.Errorf("%w: duplicate or empty name %q", ErrInvalidBinding, b.Name)
		}
		l, ok := b.resolve(c)
		if !ok {
			logger.Error("expecting a listener instance or a listener factory", "listener", b.Name)
			return nil, fmt.Errorf("%w: %q", ErrInvalidBinding, b.Name)
		}
		seen[b.Name] = true
		c.names = append(c.names, b.Name)
		c.listeners = append(c.listeners, l)
	}

	for _, l := range c.listeners {
		l.OnConnecting(t.Server())
	}

	if err := t.Connect(ctx, c); err != nil {
		logger.Error("unable to connect to broker", "server", t.Server(), "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, t.Server(), err)
	}
	return c, nil
}

// Server returns the broker address
func (c *Conn) Server() string {
	return c.transport.Server()
}

// Listener returns the listener bound under name
func (c *Conn) Listener(name string) (Listener, bool) {
	for i, n := range c.names {
		if n == name {
			return c.listeners[i], true
		}
	}
	return nil, false
}

// Subscribe starts receiving frames sent to destination
func (c *Conn) Subscribe(destination, name string, ack AckMode) error {
	if !c.transport.IsConnected() {
		return ErrNotConnected
	}
	if err := c.transport.Subscribe(destination, name, ack); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}
	return nil
}

// Send publishes body with headers to destination.
// It fails with ErrNotConnected once the broker link has dropped.
func (c *Conn) Send(destination string, headers map[string]string, body []byte, opts ...SendOption) error {
	persistent := IsPersistent(opts...)

	if !c.transport.IsConnected() {
		return ErrNotConnected
	}

	f := Frame{Headers: CopyHeaders(headers), Body: body}
	if persistent {
		f.Headers[HeaderPersistent] = "true"
	}

	for _, l := range c.listeners {
		l.OnSend(destination, f)
	}

	if err := c.transport.Send(destination, f, persistent); err != nil {
		return fmt.Errorf("failed to send to %s: %w", destination, err)
	}
	return nil
}

// Ack acknowledges a delivered message
func (c *Conn) Ack(messageID, subscription string) error {
	if err := c.transport.Ack(messageID, subscription); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", messageID, err)
	}
	return nil
}

// Disconnect closes the broker link. Listeners see OnDisconnected.
func (c *Conn) Disconnect() error {
	return c.transport.Disconnect()
}

// IsConnected reports whether the broker link is up
func (c *Conn) IsConnected() bool {
	return c.transport.IsConnected()
}

// HandleConnected implements Handler
func (c *Conn) HandleConnected(headers map[string]string) {
	for _, l := range c.listeners {
		l.OnConnected(headers)
	}
}

// HandleMessage implements Handler
func (c *Conn) HandleMessage(f Frame) {
	for _, l := range c.listeners {
		l.OnMessage(f)
	}
}

// HandleDisconnected implements Handler
func (c *Conn) HandleDisconnected() {
	for _, l := range c.listeners {
		l.OnDisconnected()
	}
}

// HandleError implements Handler
func (c *Conn) HandleError(err error) {
	for _, l := range c.listeners {
		l.OnError(err)
	}
}
