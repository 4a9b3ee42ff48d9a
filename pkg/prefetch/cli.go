package prefetch

import (
	"context"
	"log/slog"
)

// FetchAll prefetches each URI in turn, logging and skipping failures.
// It returns the number of URIs that failed or were skipped after ctx was cancelled.
func FetchAll(ctx context.Context, p *Prefetcher, uris []string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	failed := 0
	for i, uri := range uris {
		if ctx.Err() != nil {
			logger.Warn("interrupted, skipping remaining URIs", "remaining", len(uris)-i)
			return failed + len(uris) - i
		}
		if err := p.Prefetch(ctx, uri); err != nil {
			logger.Error("failed to prefetch image", "repo_uri", uri, "error", err)
			logger.Warn("skipping URI", "repo_uri", uri)
			failed++
		}
	}
	return failed
}
