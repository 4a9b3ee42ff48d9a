package prefetch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"image-fetcher/pkg/logging"
	"image-fetcher/pkg/messaging"
)

// Dead-letter headers added to the original message headers
const (
	HeaderError               = "Error"
	HeaderOriginalDestination = "original-destination"
)

// LoggingListener records every connection event to a sink at a fixed level
type LoggingListener struct {
	sink  logging.EventSink
	level slog.Level
}

// NewLoggingListener creates a LoggingListener; the usual level is slog.LevelInfo
func NewLoggingListener(sink logging.EventSink, level slog.Level) *LoggingListener {
	return &LoggingListener{sink: sink, level: level}
}

// Level returns the level events are recorded at
func (l *LoggingListener) Level() slog.Level {
	return l.level
}

func (l *LoggingListener) OnConnecting(server string) {
	l.sink.Record(l.level, "on_connecting "+server)
}

func (l *LoggingListener) OnConnected(headers map[string]string) {
	l.sink.Record(l.level, "on_connected "+formatHeaders(headers))
}

func (l *LoggingListener) OnMessage(f messaging.Frame) {
	l.sink.Record(l.level, fmt.Sprintf("on_message %s %q", formatHeaders(f.Headers), f.Body))
}

func (l *LoggingListener) OnSend(destination string, f messaging.Frame) {
	l.sink.Record(l.level, fmt.Sprintf("on_send %s %s %q", destination, formatHeaders(f.Headers), f.Body))
}

func (l *LoggingListener) OnDisconnected() {
	l.sink.Record(l.level, "on_disconnected")
}

func (l *LoggingListener) OnError(err error) {
	l.sink.Record(l.level, "on_error "+err.Error())
}

func formatHeaders(h map[string]string) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + h[k]
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Acknowledger is the part of a broker connection the processing listener needs
type Acknowledger interface {
	Send(destination string, headers map[string]string, body []byte, opts ...messaging.SendOption) error
	Ack(messageID, subscription string) error
}

// ProcessingListener prefetches the image named by each delivered message.
// Failures are published to a dead-letter destination; every message carrying
// the URI header is acknowledged exactly once.
type ProcessingListener struct {
	messaging.NopListener

	conn       Acknowledger
	prefetcher *Prefetcher
	deadLetter string
	uriHeader  string
	logger     *slog.Logger
	// cancels in-progress fetches on shutdown
	ctx context.Context
}

// NewProcessingListener creates a ProcessingListener acknowledging through conn
func NewProcessingListener(conn Acknowledger, p *Prefetcher, deadLetter, uriHeader string, logger *slog.Logger) *ProcessingListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessingListener{
		conn:       conn,
		prefetcher: p,
		deadLetter: deadLetter,
		uriHeader:  uriHeader,
		logger:     logger,
		ctx:        context.Background(),
	}
}

func (l *ProcessingListener) OnMessage(f messaging.Frame) {
	repoURI, ok := f.Header(l.uriHeader)
	if !ok {
		// never acknowledged; the broker decides when to redeliver
		l.logger.Debug("ignoring message without URI header", "header", l.uriHeader,
			"message_id", f.Headers[messaging.HeaderMessageID])
		return
	}
	messageID := f.Headers[messaging.HeaderMessageID]
	subscription := f.Headers[messaging.HeaderSubscription]

	ctx := l.ctx
	if err := l.prefetcher.Prefetch(ctx, repoURI); err != nil {
		if ctx.Err() != nil {
			// shutting down: no dead letter and no ack, the broker redelivers it
			l.logger.Warn("prefetch interrupted, leaving message for redelivery",
				"repo_uri", repoURI, "message_id", messageID)
			return
		}
		l.logger.Error("failed to prefetch image", "repo_uri", repoURI, "error", err)
		l.deadLetterFrame(ctx, f, err)
	}

	if err := l.conn.Ack(messageID, subscription); err != nil {
		l.logger.Error("failed to acknowledge message", "message_id", messageID, "error", err)
	}
}

func (l *ProcessingListener) deadLetterFrame(ctx context.Context, f messaging.Frame, cause error) {
	headers := messaging.CopyHeaders(f.Headers)
	headers[HeaderError] = cause.Error()
	headers[HeaderOriginalDestination] = f.Headers[messaging.HeaderDestination]

	if err := l.conn.Send(l.deadLetter, headers, f.Body, messaging.Persistent()); err != nil {
		l.logger.Error("failed to publish to dead-letter destination",
			"destination", l.deadLetter, "error", err)
		return
	}
	l.prefetcher.metrics.recordDeadLettered(ctx, l.deadLetter)
}

// DisconnectListener closes Done the first time the connection drops
type DisconnectListener struct {
	messaging.NopListener

	once sync.Once
	done chan struct{}
}

// NewDisconnectListener creates an unsignalled DisconnectListener
func NewDisconnectListener() *DisconnectListener {
	return &DisconnectListener{done: make(chan struct{})}
}

func (l *DisconnectListener) OnDisconnected() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the connection has dropped
func (l *DisconnectListener) Done() <-chan struct{} {
	return l.done
}
