package prefetch

import (
	"context"
	"log/slog"

	"image-fetcher/pkg/logging"
	"image-fetcher/pkg/messaging"
)

// ConsumerConfig names the destinations and headers the consumer works with
type ConsumerConfig struct {
	Destination           string
	DeadLetterDestination string
	SubscriptionName      string
	URIHeader             string
}

// Consume connects, subscribes to the inbound destination with individual
// acknowledgement and processes messages until the broker disconnects or ctx
// is cancelled. Cancellation disconnects cleanly and returns nil.
func Consume(ctx context.Context, transport messaging.Transport, config ConsumerConfig, p *Prefetcher, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	disconnect := NewDisconnectListener()
	conn, err := messaging.Connect(ctx, transport, logger,
		messaging.Bind("debug", NewLoggingListener(logging.NewSlogSink(logger), slog.LevelDebug)),
		messaging.BindFactory("process", func(c *messaging.Conn) messaging.Listener {
			l := NewProcessingListener(c, p, config.DeadLetterDestination, config.URIHeader, logger)
			l.ctx = ctx
			return l
		}),
		messaging.Bind("disconnect", disconnect),
	)
	if err != nil {
		return err
	}

	if err := conn.Subscribe(config.Destination, config.SubscriptionName, messaging.AckClientIndividual); err != nil {
		_ = conn.Disconnect()
		return err
	}
	logger.Info("listening for messages", "server", conn.Server(), "destination", config.Destination)

	select {
	case <-disconnect.Done():
		logger.Info("disconnected from broker", "server", conn.Server())
		return nil
	case <-ctx.Done():
		logger.Info("shutting down consumer")
		return conn.Disconnect()
	}
}
