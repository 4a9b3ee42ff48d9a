package stomp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"image-fetcher/pkg/messaging"

	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
)

// headers the client library writes itself; they are not copied onto outgoing frames
var reserved = map[string]bool{
	frame.Destination:   true,
	frame.ContentLength: true,
	frame.ContentType:   true,
	frame.MessageId:     true,
	frame.Subscription:  true,
	frame.Ack:           true,
}

type stompClient struct {
	config messaging.Config
	logger *slog.Logger

	mu         sync.Mutex
	conn       *gostomp.Conn
	handler    messaging.Handler
	connected  bool
	subs       []*gostomp.Subscription
	pending    map[string]*gostomp.Message
	deliveries chan *gostomp.Message
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewTransport creates a STOMP transport for a host:port broker address
func NewTransport(config messaging.Config, logger *slog.Logger) messaging.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &stompClient{
		config:  config,
		logger:  logger,
		pending: make(map[string]*gostomp.Message),
	}
}

func (s *stompClient) Server() string {
	return s.config.Broker
}

func (s *stompClient) Connect(ctx context.Context, h messaging.Handler) error {
	if s.config.Broker == "" {
		return fmt.Errorf("broker address is required")
	}
	host, _, err := net.SplitHostPort(s.config.Broker)
	if err != nil {
		return fmt.Errorf("broker address must be host:port: %w", err)
	}

	opts := []func(*gostomp.Conn) error{
		gostomp.ConnOpt.Host(host),
	}
	if s.config.HeartBeat > 0 {
		opts = append(opts, gostomp.ConnOpt.HeartBeat(s.config.HeartBeat, s.config.HeartBeat))
	}
	if s.config.Username != "" {
		opts = append(opts, gostomp.ConnOpt.Login(s.config.Username, s.config.Password))
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", s.config.Broker)
	if err != nil {
		return err
	}
	conn, err := gostomp.Connect(netConn, opts...)
	if err != nil {
		netConn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.handler = h
	s.connected = true
	s.subs = nil
	deliveries := make(chan *gostomp.Message)
	stop := make(chan struct{})
	s.deliveries = deliveries
	s.stopChan = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatch(deliveries, stop)

	h.HandleConnected(map[string]string{
		"version": string(conn.Version()),
		"server":  conn.Server(),
	})
	return nil
}

// dispatch hands deliveries from every subscription to the handler one at a time
func (s *stompClient) dispatch(deliveries <-chan *gostomp.Message, stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stop:
			return
		case msg := <-deliveries:
			if msg.Err != nil {
				s.dropped(msg.Err)
				continue
			}
			f := toFrame(msg)
			if msg.ShouldAck() {
				s.mu.Lock()
				s.pending[f.Headers[messaging.HeaderMessageID]] = msg
				s.mu.Unlock()
			}
			s.handler.HandleMessage(f)
		}
	}
}

func (s *stompClient) Subscribe(destination, id string, ack messaging.AckMode) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return messaging.ErrNotConnected
	}

	mode, err := ackMode(ack)
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(destination, mode, gostomp.SubscribeOpt.Id(id))
	if err != nil {
		return mapError(err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	deliveries, stop := s.deliveries, s.stopChan
	s.mu.Unlock()

	go func() {
		for msg := range sub.C {
			select {
			case deliveries <- msg:
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (s *stompClient) Send(destination string, f messaging.Frame, persistent bool) error {
	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.mu.Unlock()
	if conn == nil || !connected {
		return messaging.ErrNotConnected
	}

	var opts []func(*frame.Frame) error
	for k, v := range f.Headers {
		if reserved[k] {
			continue
		}
		opts = append(opts, gostomp.SendOpt.Header(k, v))
	}
	if persistent && f.Headers[messaging.HeaderPersistent] == "" {
		opts = append(opts, gostomp.SendOpt.Header(messaging.HeaderPersistent, "true"))
	}

	if err := conn.Send(destination, f.Headers[frame.ContentType], f.Body, opts...); err != nil {
		err = mapError(err)
		if errors.Is(err, messaging.ErrNotConnected) {
			s.dropped(err)
		}
		return err
	}
	return nil
}

func (s *stompClient) Ack(messageID, subscription string) error {
	s.mu.Lock()
	msg, ok := s.pending[messageID]
	if ok {
		delete(s.pending, messageID)
	}
	conn := s.conn
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", messaging.ErrUnknownMessage, messageID)
	}
	if subscription != "" && msg.Subscription != nil && msg.Subscription.Id() != subscription {
		return fmt.Errorf("%w: %s is not on subscription %s", messaging.ErrUnknownMessage, messageID, subscription)
	}
	return mapError(conn.Ack(msg))
}

func (s *stompClient) Disconnect() error {
	s.mu.Lock()
	conn, wasConnected := s.conn, s.connected
	s.connected = false
	s.pending = make(map[string]*gostomp.Message)
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	var err error
	if wasConnected {
		err = conn.Disconnect()
		if errors.Is(err, gostomp.ErrAlreadyClosed) {
			err = nil
		}
		s.handler.HandleDisconnected()
	}
	s.shutdown()
	return err
}

func (s *stompClient) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// dropped records an unexpected loss of the broker link and notifies the handler once
func (s *stompClient) dropped(cause error) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if !wasConnected {
		return
	}
	s.logger.Error("lost connection to STOMP broker", "server", s.config.Broker, "error", cause)
	s.handler.HandleError(cause)
	s.handler.HandleDisconnected()
}

func (s *stompClient) shutdown() {
	s.mu.Lock()
	stop := s.stopChan
	s.stopChan = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}

	close(stop)
	// Disconnect may be called from the dispatch goroutine itself
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

func toFrame(msg *gostomp.Message) messaging.Frame {
	headers := make(map[string]string, msg.Header.Len())
	for i := 0; i < msg.Header.Len(); i++ {
		k, v := msg.Header.GetAt(i)
		// repeated headers: the first occurrence wins
		if _, ok := headers[k]; !ok {
			headers[k] = v
		}
	}
	return messaging.Frame{Headers: headers, Body: msg.Body}
}

func ackMode(ack messaging.AckMode) (gostomp.AckMode, error) {
	switch ack {
	case messaging.AckAuto, "":
		return gostomp.AckAuto, nil
	case messaging.AckClient:
		return gostomp.AckClient, nil
	case messaging.AckClientIndividual:
		return gostomp.AckClientIndividual, nil
	default:
		return gostomp.AckAuto, fmt.Errorf("unsupported ack mode %q", ack)
	}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gostomp.ErrAlreadyClosed) || errors.Is(err, gostomp.ErrClosedUnexpectedly) {
		return fmt.Errorf("%w: %w", messaging.ErrNotConnected, err)
	}
	return err
}
