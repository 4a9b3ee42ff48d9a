package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"image-fetcher/pkg/config"
	"image-fetcher/pkg/fetcher"
	"image-fetcher/pkg/iiif"
	"image-fetcher/pkg/logging"
	"image-fetcher/pkg/messaging"
	"image-fetcher/pkg/messaging/mqtt"
	"image-fetcher/pkg/messaging/postgres"
	"image-fetcher/pkg/messaging/queue"
	"image-fetcher/pkg/messaging/sqlite"
	"image-fetcher/pkg/messaging/stomp"
	"image-fetcher/pkg/prefetch"
	"image-fetcher/pkg/webhook"
)

const usage = `Usage: image-fetcher <command> [flags] [URI...]

Commands:
  fetch URI...   fetch the full IIIF image for each repository URI
  listen         fetch images for repository URIs received from the broker
  send URI...    queue repository URIs for pre-fetching
  serve          accept repository URIs over HTTP and queue them

Environment:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage, config.Usage())
		return 2
	}
	command, args := args[0], args[1:]

	flags := flag.NewFlagSet(command, flag.ContinueOnError)
	flags.SetOutput(stderr)
	envFile := flags.String("env", ".env", "Environment file to load")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	uris := flags.Args()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger, err := logging.New(stderr, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	switch command {
	case "fetch":
		err = runFetch(ctx, cfg, uris, logger)
	case "listen":
		err = runListen(ctx, cfg, logger)
	case "send":
		err = runSend(ctx, cfg, uris, logger)
	case "serve":
		err = runServe(ctx, cfg, logger)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		fmt.Fprint(stderr, usage, config.Usage())
		return 2
	}

	if err != nil {
		logger.Error(err.Error())
		return 1
	}
	return 0
}

func newPrefetcher(cfg *config.Config, logger *slog.Logger) (*prefetch.Prefetcher, error) {
	metrics, err := prefetch.NewMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	client := &http.Client{Timeout: cfg.Fetch.Timeout}
	f := fetcher.New(client, cfg.FetchPolicy(), logger)
	return prefetch.NewPrefetcher(cfg.RepoEndpointURI, iiif.NewImageServer(cfg.IIIFBaseURI), f, logger).
		WithMetrics(metrics), nil
}

// newTransport picks the broker backend named by BROKER_TYPE
func newTransport(cfg messaging.Config, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.BrokerType {
	case "stomp", "":
		return stomp.NewTransport(cfg, logger), nil
	case "mqtt":
		return mqtt.NewTransport(cfg, logger), nil
	case "queue":
		return queue.NewTransport(cfg, logger), nil
	case "sqlite":
		return sqlite.NewTransport(cfg, logger), nil
	case "postgres":
		return postgres.NewTransport(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.BrokerType)
	}
}

func runFetch(ctx context.Context, cfg *config.Config, uris []string, logger *slog.Logger) error {
	if err := cfg.ValidateFetch(); err != nil {
		return err
	}
	p, err := newPrefetcher(cfg, logger)
	if err != nil {
		return err
	}
	// failures are logged and skipped
	if failed := prefetch.FetchAll(ctx, p, uris, logger); failed > 0 {
		logger.Warn("some images could not be fetched", "failed", failed, "total", len(uris))
	}
	return nil
}

func runListen(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateConsumer(); err != nil {
		return err
	}
	p, err := newPrefetcher(cfg, logger)
	if err != nil {
		return err
	}
	transport, err := newTransport(cfg.ConsumerMessaging(), logger)
	if err != nil {
		return err
	}
	return prefetch.Consume(ctx, transport, cfg.Consumer(), p, logger)
}

func runSend(ctx context.Context, cfg *config.Config, uris []string, logger *slog.Logger) error {
	if len(uris) == 0 {
		return nil
	}
	if err := cfg.ValidateProducer(); err != nil {
		return err
	}
	transport, err := newTransport(cfg.Messaging(), logger)
	if err != nil {
		return err
	}
	return prefetch.Produce(ctx, transport, cfg.Producer(), uris, logger)
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateProducer(); err != nil {
		return err
	}
	transport, err := newTransport(cfg.Messaging(), logger)
	if err != nil {
		return err
	}

	conn, err := messaging.Connect(ctx, transport, logger,
		messaging.Bind("debug", prefetch.NewLoggingListener(logging.NewSlogSink(logger), slog.LevelDebug)),
	)
	if err != nil {
		return err
	}
	defer func() {
		if conn.IsConnected() {
			_ = conn.Disconnect()
		}
	}()

	server := webhook.NewServer(logger, conn, cfg.Producer(), cfg.Server.Port, cfg.Server.CertFile, cfg.Server.KeyFile)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal, stopping gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
