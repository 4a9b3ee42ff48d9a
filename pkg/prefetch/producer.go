package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"image-fetcher/pkg/logging"
	"image-fetcher/pkg/messaging"
)

// UnsentURIsError reports the URIs that were not published because the broker link dropped
type UnsentURIsError struct {
	URIs []string
	Err  error
}

func (e *UnsentURIsError) Error() string {
	return fmt.Sprintf("%d URIs were not submitted: %v", len(e.URIs), e.Err)
}

func (e *UnsentURIsError) Unwrap() error {
	return e.Err
}

// ProducerConfig names the destination and header used for outgoing URIs
type ProducerConfig struct {
	Destination string
	URIHeader   string
}

// Sender publishes a message
type Sender interface {
	Send(destination string, headers map[string]string, body []byte, opts ...messaging.SendOption) error
}

// SendURIs publishes each URI, in order, as a persistent message with an empty body.
// It stops at the first messaging.ErrNotConnected and returns *UnsentURIsError
// holding that URI and every one after it.
func SendURIs(s Sender, config ProducerConfig, uris []string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for n, uri := range uris {
		logger.Info("sending repo URI for image pre-fetching", "repo_uri", uri, "destination", config.Destination)

		err := s.Send(config.Destination, map[string]string{config.URIHeader: uri}, []byte{}, messaging.Persistent())
		if err == nil {
			continue
		}
		if errors.Is(err, messaging.ErrNotConnected) {
			return &UnsentURIsError{URIs: append([]string(nil), uris[n:]...), Err: err}
		}
		return fmt.Errorf("failed to send %s: %w", uri, err)
	}
	return nil
}

// Produce connects, publishes uris and disconnects. An empty batch succeeds without connecting.
func Produce(ctx context.Context, transport messaging.Transport, config ProducerConfig, uris []string, logger *slog.Logger) error {
	if len(uris) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := messaging.Connect(ctx, transport, logger,
		messaging.Bind("debug", NewLoggingListener(logging.NewSlogSink(logger), slog.LevelDebug)),
	)
	if err != nil {
		return err
	}

	err = SendURIs(conn, config, uris, logger)

	var unsent *UnsentURIsError
	if errors.As(err, &unsent) {
		logger.Error("unexpected disconnection from broker", "server", conn.Server())
		logger.Warn("the following URIs were NOT submitted")
		for _, uri := range unsent.URIs {
			logger.Warn(uri)
		}
	}

	if conn.IsConnected() {
		if derr := conn.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}
