// Package prefetch warms an IIIF image server cache for repository resources,
// either directly or driven by messages from a broker.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"image-fetcher/pkg/fetcher"
	"image-fetcher/pkg/iiif"
)

// ErrUnableToRetrieve wraps every fetch failure; the underlying
// *fetcher.HTTPError or *fetcher.TransportError stays reachable with errors.As
var ErrUnableToRetrieve = errors.New("unable to retrieve")

// Fetcher retrieves an image URI
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (fetcher.Result, error)
}

// Prefetcher translates repository URIs and requests the matching full image
type Prefetcher struct {
	endpoint string
	server   iiif.ImageServer
	fetcher  Fetcher
	logger   *slog.Logger
	metrics  *Metrics
}

// NewPrefetcher creates a Prefetcher for repository URIs under endpoint
func NewPrefetcher(endpoint string, server iiif.ImageServer, f Fetcher, logger *slog.Logger) *Prefetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prefetcher{
		endpoint: endpoint,
		server:   server,
		fetcher:  f,
		logger:   logger,
	}
}

// WithMetrics returns p recording outcomes on m
func (p *Prefetcher) WithMetrics(m *Metrics) *Prefetcher {
	p.metrics = m
	return p
}

// Prefetch fetches the full image for repoURI, discarding the bytes.
// It fails with iiif.ErrInvalidRepoURI or ErrUnableToRetrieve.
func (p *Prefetcher) Prefetch(ctx context.Context, repoURI string) error {
	identifier, err := iiif.IdentifierFromRepoURI(repoURI, p.endpoint)
	if err != nil {
		p.metrics.recordFailed(ctx, "invalid_uri")
		return err
	}
	locator := p.server.Locator(identifier)

	p.logger.Info("converted repo URI to IIIF URI", "repo_uri", repoURI, "iiif_uri", locator.String())

	res, err := p.fetcher.Fetch(ctx, locator.String())
	if err != nil {
		var httpErr *fetcher.HTTPError
		if errors.As(err, &httpErr) {
			p.logger.Error(httpErr.Error(), "uri", locator.String())
			p.metrics.recordFailed(ctx, "http")
		} else {
			p.metrics.recordFailed(ctx, "transport")
		}
		return fmt.Errorf("%w %s: %w", ErrUnableToRetrieve, locator, err)
	}

	p.metrics.recordFetched(ctx)
	p.logger.Info("fetched image",
		"bytes", res.Bytes,
		"seconds", fmt.Sprintf("%0.4f", res.Elapsed.Seconds()),
		"uri", locator.String(),
		"attempts", res.Attempts)
	return nil
}
