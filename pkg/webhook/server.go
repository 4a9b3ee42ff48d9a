// Package webhook accepts repository URIs over HTTP and queues them for pre-fetching.
package webhook

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"image-fetcher/pkg/prefetch"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// Publisher is the broker connection the server sends through
type Publisher interface {
	prefetch.Sender
	IsConnected() bool
}

// Server is the HTTP intake server
type Server struct {
	server    *http.Server
	logger    *slog.Logger
	conn      Publisher
	producer  prefetch.ProducerConfig
	certFile  string
	keyFile   string
	port      int
	enableTLS bool

	certMu sync.RWMutex
	cert   *tls.Certificate

	addrOnce sync.Once
	addrCh   chan string
}

// SubmitRequest is the body of POST /uris
type SubmitRequest struct {
	URIs []string `json:"uris"`
}

// SubmitResponse is returned when every URI was queued
type SubmitResponse struct {
	Sent int `json:"sent"`
}

// ErrorResponse is returned on failure; Unsent lists URIs that were not queued
type ErrorResponse struct {
	Error  string   `json:"error"`
	Unsent []string `json:"unsent,omitempty"`
}

// NewServer creates a new intake server. TLS is enabled when both certFile and keyFile are set;
// port 0 picks a free port.
func NewServer(logger *slog.Logger, conn Publisher, producer prefetch.ProducerConfig, port int, certFile, keyFile string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger,
		conn:      conn,
		producer:  producer,
		port:      port,
		certFile:  certFile,
		keyFile:   keyFile,
		enableTLS: certFile != "" && keyFile != "",
		addrCh:    make(chan string, 1),
	}
	// built up front so Shutdown never races with Start
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/uris", s.handleSubmit)
	r.Get("/healthz", s.handleHealth)
	return r
}

// reloadCertificate reloads the TLS certificate and key from disk
func (s *Server) reloadCertificate() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	s.certMu.Lock()
	s.cert = &cert
	s.certMu.Unlock()

	s.logger.Info("TLS certificate reloaded", "cert_file", s.certFile)
	return nil
}

func (s *Server) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.certMu.RLock()
	defer s.certMu.RUnlock()
	return s.cert, nil
}

// watchCertificate reloads the certificate whenever the file changes
func (s *Server) watchCertificate(ctx context.Context, interval time.Duration, lastModTime time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat, err := os.Stat(s.certFile)
			if err != nil {
				s.logger.Error("failed to stat certificate file", "error", err)
				continue
			}

			if stat.ModTime().After(lastModTime) {
				if err := s.reloadCertificate(); err != nil {
					s.logger.Error("failed to reload certificate", "error", err)
					continue
				}
				lastModTime = stat.ModTime()
			}
		}
	}
}

// Addr blocks until the server is listening and returns its address
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-s.addrCh:
		s.addrCh <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start serves until Shutdown is called
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	if s.enableTLS {
		if err := s.reloadCertificate(); err != nil {
			listener.Close()
			return err
		}
		var modTime time.Time
		if stat, err := os.Stat(s.certFile); err == nil {
			modTime = stat.ModTime()
		}
		go s.watchCertificate(ctx, time.Minute, modTime)

		listener = tls.NewListener(listener, &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: s.getCertificate,
		})
	}

	s.logger.Info("starting intake server", "addr", listener.Addr().String(), "tls", s.enableTLS)
	s.addrOnce.Do(func() { s.addrCh <- listener.Addr().String() })

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server; a later Start returns at once
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.logger.Warn("failed to decode request body", "error", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "request body must be {\"uris\": [...]}"})
		return
	}
	if len(req.URIs) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "no URIs given"})
		return
	}

	err := prefetch.SendURIs(s.conn, s.producer, req.URIs, s.logger)

	var unsent *prefetch.UnsentURIsError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, SubmitResponse{Sent: len(req.URIs)})
	case errors.As(err, &unsent):
		s.logger.Error("broker connection lost while queueing URIs", "unsent", len(unsent.URIs))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "broker not connected", Unsent: unsent.URIs})
	default:
		s.logger.Error("failed to queue URIs", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.conn.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
