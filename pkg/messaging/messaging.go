package messaging

import (
	"context"
	"errors"
	"time"
)

// Broker-assigned frame headers
const (
	HeaderMessageID    = "message-id"
	HeaderSubscription = "subscription"
	HeaderDestination  = "destination"
	HeaderPersistent   = "persistent"
)

var (
	// ErrInvalidBinding is returned when a listener binding has no usable listener
	ErrInvalidBinding = errors.New("messaging: invalid listener binding")

	// ErrConnectFailed is returned when the broker connection cannot be established
	ErrConnectFailed = errors.New("messaging: connect failed")

	// ErrNotConnected is returned when sending over a connection that has dropped
	ErrNotConnected = errors.New("messaging: not connected")

	// ErrUnknownMessage is returned when acknowledging a message the transport is not holding
	ErrUnknownMessage = errors.New("messaging: unknown message")
)

// AckMode selects how deliveries on a subscription are acknowledged
type AckMode string

const (
	AckAuto             AckMode = "auto"
	AckClient           AckMode = "client"
	AckClientIndividual AckMode = "client-individual"
)

// Frame is a message delivered by, or sent to, a broker
type Frame struct {
	Headers map[string]string
	Body    []byte
}

// Header returns the value of a header and whether it is present
func (f Frame) Header(key string) (string, bool) {
	v, ok := f.Headers[key]
	return v, ok
}

// Handler receives transport events. *Conn implements it.
type Handler interface {
	HandleConnected(headers map[string]string)
	HandleMessage(f Frame)
	HandleDisconnected()
	HandleError(err error)
}

// Transport is a broker driver.
// Implementations deliver frames to the handler serially from a single goroutine.
type Transport interface {
	// Server describes the broker address for logging
	Server() string
	// Connect establishes the broker link and starts reporting events to h
	Connect(ctx context.Context, h Handler) error
	// Subscribe starts delivering frames sent to destination
	Subscribe(destination, id string, ack AckMode) error
	// Send publishes a frame to destination
	Send(destination string, f Frame, persistent bool) error
	// Ack acknowledges a delivered frame
	Ack(messageID, subscription string) error
	// Disconnect closes the broker link
	Disconnect() error
	// IsConnected reports whether the broker link is up
	IsConnected() bool
}

// Config holds common messaging configuration
type Config struct {
	BrokerType   string // stomp, mqtt, queue, sqlite, postgres
	Broker       string
	Username     string
	Password     string
	ClientID     string
	PollInterval time.Duration
	HeartBeat    time.Duration
}

// CopyHeaders returns a shallow copy of h
func CopyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
