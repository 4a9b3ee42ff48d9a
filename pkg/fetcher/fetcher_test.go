package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// scriptedDoer fails with the queued errors before answering with a 200
type scriptedDoer struct {
	mu       sync.Mutex
	failures []error
	calls    int
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", 1024))),
	}, nil
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestFetchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/iiif/fcrepo:foo/full/full/0/default.jpg", r.URL.Path)
		w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer server.Close()

	f := New(server.Client(), DefaultPolicy(), testLogger)
	res, err := f.Fetch(context.Background(), server.URL+"/iiif/fcrepo:foo/full/full/0/default.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), res.Bytes)
	assert.Equal(t, 1, res.Attempts)
}

func TestFetchHTTPErrorIsNotRetried(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.NotFound(w, r)
	}))
	defer server.Close()

	rec := &sleepRecorder{}
	f := New(server.Client(), DefaultPolicy(), testLogger, WithSleep(rec.sleep))
	_, err := f.Fetch(context.Background(), server.URL+"/missing")
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, "Not Found", httpErr.Reason)
	assert.Equal(t, 1, hits)
	assert.Empty(t, rec.delays)
}

// statusDoer answers every request with a fixed status line
type statusDoer struct {
	code   int
	status string
}

func (d statusDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: d.code,
		Status:     d.status,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func TestFetchHTTPErrorReason(t *testing.T) {
	tests := []struct {
		name   string
		doer   statusDoer
		reason string
	}{
		{name: "Server reason phrase", doer: statusDoer{code: 404, status: "404 Image Not Cached"}, reason: "Image Not Cached"},
		{name: "Standard reason phrase", doer: statusDoer{code: 503, status: "503 Service Unavailable"}, reason: "Service Unavailable"},
		{name: "Missing reason phrase", doer: statusDoer{code: 500, status: "500"}, reason: "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.doer, DefaultPolicy(), testLogger)
			_, err := f.Fetch(context.Background(), "http://example.com/iiif/fcrepo:1/full/full/0/default.jpg")

			var httpErr *HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.doer.code, httpErr.StatusCode)
			assert.Equal(t, tt.reason, httpErr.Reason)
		})
	}
}

func TestFetchRetries(t *testing.T) {
	refused := errors.New("connection refused")

	tests := []struct {
		name         string
		failures     []error
		wantAttempts int
		wantErr      bool
		wantDelays   []time.Duration
	}{
		{
			name:         "One transient failure",
			failures:     []error{refused},
			wantAttempts: 2,
			wantDelays:   []time.Duration{time.Second},
		},
		{
			name:         "Two transient failures",
			failures:     []error{refused, refused},
			wantAttempts: 3,
			wantDelays:   []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:         "Exhausted",
			failures:     []error{refused, refused, refused},
			wantAttempts: 3,
			wantErr:      true,
			wantDelays:   []time.Duration{time.Second, 2 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &scriptedDoer{failures: tt.failures}
			rec := &sleepRecorder{}
			f := New(doer, DefaultPolicy(), testLogger, WithSleep(rec.sleep))

			res, err := f.Fetch(context.Background(), "http://example.com/iiif/foo/full/full/0/default.jpg")
			assert.Equal(t, tt.wantAttempts, doer.calls)
			assert.Equal(t, tt.wantDelays, rec.delays)

			if tt.wantErr {
				var transportErr *TransportError
				require.True(t, errors.As(err, &transportErr))
				assert.Equal(t, tt.wantAttempts, transportErr.Attempts)
				assert.ErrorIs(t, err, refused)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAttempts, res.Attempts)
			assert.Equal(t, int64(1024), res.Bytes)
		})
	}
}

func TestFetchStopsOnCancel(t *testing.T) {
	doer := &scriptedDoer{failures: []error{errors.New("i/o timeout"), errors.New("i/o timeout")}}
	ctx, cancel := context.WithCancel(context.Background())
	f := New(doer, DefaultPolicy(), testLogger, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := f.Fetch(ctx, "http://example.com/foo")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, doer.calls)
}

func TestFetchElapsed(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(250 * time.Millisecond)}
	clock := func() time.Time {
		now := ticks[0]
		ticks = ticks[1:]
		return now
	}

	f := New(&scriptedDoer{}, DefaultPolicy(), testLogger, WithClock(clock))
	res, err := f.Fetch(context.Background(), "http://example.com/foo")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, res.Elapsed)
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Multiplier: 3, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 300*time.Millisecond, p.Delay(2))
	assert.Equal(t, 900*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))

	def := Policy{}.withDefaults()
	assert.Equal(t, DefaultPolicy(), def)
}
