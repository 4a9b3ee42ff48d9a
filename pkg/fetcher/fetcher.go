// Package fetcher retrieves rendered images from an image service,
// retrying transport failures with exponential backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Doer performs HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result describes a successful fetch
type Result struct {
	Bytes    int64
	Elapsed  time.Duration
	Attempts int
}

// TransportError is returned when every attempt failed below the HTTP layer
type TransportError struct {
	URI      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure fetching %s after %d attempts: %v", e.URI, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError is returned for a non-2xx response. It is never retried.
type HTTPError struct {
	URI        string
	StatusCode int
	Reason     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP Error: %d %s", e.StatusCode, e.Reason)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Fetcher
type Option func(*Fetcher)

// WithSleep replaces the backoff sleep, mainly for tests
func WithSleep(sleep SleepFunc) Option {
	return func(f *Fetcher) {
		f.sleep = sleep
	}
}

// WithClock replaces the clock used to time fetches
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// Fetcher issues GET requests against an image service
type Fetcher struct {
	client Doer
	policy Policy
	logger *slog.Logger
	sleep  SleepFunc
	now    func() time.Time
}

// New creates a fetcher. A nil client uses http.DefaultClient.
func New(client Doer, policy Policy, logger *slog.Logger, opts ...Option) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fetcher{
		client: client,
		policy: policy.withDefaults(),
		logger: logger,
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves uri, retrying transport failures according to the policy.
// The response body is read and discarded; only its length is reported.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		start := f.now()
		n, err := f.get(ctx, uri)
		if err == nil {
			return Result{Bytes: n, Elapsed: f.now().Sub(start), Attempts: attempt}, nil
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return Result{}, err
		}
		lastErr = err

		if attempt == f.policy.MaxAttempts {
			break
		}

		delay := f.policy.Delay(attempt)
		f.logger.Warn("fetch attempt failed, retrying",
			"uri", uri, "attempt", attempt, "backoff", delay, "error", err)
		if err := f.sleep(ctx, delay); err != nil {
			return Result{}, &TransportError{URI: uri, Attempts: attempt, Err: err}
		}
	}

	return Result{}, &TransportError{URI: uri, Attempts: f.policy.MaxAttempts, Err: lastErr}
}

func (f *Fetcher) get(ctx context.Context, uri string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, &HTTPError{URI: uri, StatusCode: resp.StatusCode, Reason: reason(resp)}
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read response body: %w", err)
	}
	return n, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reason returns the server's reason phrase from the status line
func reason(resp *http.Response) string {
	phrase := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if phrase == "" {
		return http.StatusText(resp.StatusCode)
	}
	return phrase
}
