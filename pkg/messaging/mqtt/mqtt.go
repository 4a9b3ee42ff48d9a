package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"image-fetcher/pkg/messaging"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const qos = 1

// envelope carries STOMP-style headers over MQTT, which has none
type envelope struct {
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

type subscription struct {
	id  string
	ack messaging.AckMode
}

type incoming struct {
	frame messaging.Frame
	msg   MQTT.Message
}

type mqttClient struct {
	client MQTT.Client
	config messaging.Config
	logger *slog.Logger

	mu         sync.Mutex
	handler    messaging.Handler
	connected  bool
	pending    map[string]MQTT.Message
	subs       map[string]subscription
	deliveries chan incoming
	stopChan   chan struct{}
}

// NewTransport creates an MQTT messaging transport
func NewTransport(config messaging.Config, logger *slog.Logger) messaging.Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &mqttClient{
		config:  config,
		logger:  logger,
		pending: make(map[string]MQTT.Message),
		subs:    make(map[string]subscription),
	}
}

func (m *mqttClient) Server() string {
	return brokerURL(m.config.Broker)
}

func (m *mqttClient) Connect(ctx context.Context, h messaging.Handler) error {
	// Validate config
	if m.config.Broker == "" {
		return fmt.Errorf("broker URL is required")
	}

	// a stable client id resumes its broker session, including unacked deliveries
	clientID := m.config.ClientID
	cleanSession := clientID == ""
	if cleanSession {
		clientID = "image-fetcher-" + uuid.NewString()
	}

	stop := make(chan struct{})
	deliveries := make(chan incoming, 16)

	opts := MQTT.NewClientOptions().
		AddBroker(brokerURL(m.config.Broker)).
		SetClientID(clientID).
		SetCleanSession(cleanSession).
		SetAutoReconnect(false).
		SetAutoAckDisabled(true).
		SetOrderMatters(true).
		// resumed sessions redeliver before Subscribe registers a route
		SetDefaultPublishHandler(m.receiver(deliveries, stop)).
		SetConnectionLostHandler(func(client MQTT.Client, err error) {
			m.dropped(err)
		}).
		SetOnConnectHandler(func(client MQTT.Client) {
			m.logger.Debug("connected to MQTT broker", "server", m.Server())
		})

	if m.config.Username != "" {
		opts.SetUsername(m.config.Username)
		if m.config.Password != "" {
			opts.SetPassword(m.config.Password)
		}
	}

	// handler is set before connecting; a resumed session may deliver at once
	m.mu.Lock()
	m.handler = h
	m.stopChan = stop
	m.deliveries = deliveries
	m.mu.Unlock()

	client := MQTT.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		m.mu.Lock()
		m.stopChan = nil
		m.mu.Unlock()
		close(stop)
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.connected = true
	m.mu.Unlock()

	h.HandleConnected(map[string]string{"server": m.Server(), "client-id": clientID})
	go m.dispatch(deliveries, stop)
	return nil
}

func (m *mqttClient) dispatch(deliveries <-chan incoming, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case in := <-deliveries:
			if in.msg != nil {
				m.mu.Lock()
				m.pending[in.frame.Headers[messaging.HeaderMessageID]] = in.msg
				m.mu.Unlock()
			}
			m.handler.HandleMessage(in.frame)
		}
	}
}

func (m *mqttClient) Subscribe(destination, id string, ack messaging.AckMode) error {
	m.mu.Lock()
	client, deliveries, stop := m.client, m.deliveries, m.stopChan
	if client != nil {
		m.subs[destination] = subscription{id: id, ack: ack}
	}
	m.mu.Unlock()
	if client == nil {
		return messaging.ErrNotConnected
	}

	if err := wait(context.Background(), client.Subscribe(destination, qos, m.receiver(deliveries, stop))); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// receiver decodes publishes and queues them for the dispatch goroutine
func (m *mqttClient) receiver(deliveries chan<- incoming, stop <-chan struct{}) MQTT.MessageHandler {
	return func(_ MQTT.Client, msg MQTT.Message) {
		var env envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			m.logger.Error("failed to parse message", "topic", msg.Topic(), "error", err)
			msg.Ack()
			return
		}

		m.mu.Lock()
		sub, ok := m.subs[msg.Topic()]
		m.mu.Unlock()
		if !ok {
			sub = subscription{ack: messaging.AckClientIndividual}
		}

		headers := env.Headers
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[messaging.HeaderMessageID] = uuid.NewString()
		headers[messaging.HeaderSubscription] = sub.id
		headers[messaging.HeaderDestination] = msg.Topic()

		in := incoming{frame: messaging.Frame{Headers: headers, Body: env.Body}}
		if sub.ack == messaging.AckAuto || sub.ack == "" {
			msg.Ack()
		} else {
			in.msg = msg
		}

		select {
		case deliveries <- in:
		case <-stop:
		}
	}
}

func (m *mqttClient) Send(destination string, f messaging.Frame, persistent bool) error {
	m.mu.Lock()
	client, connected := m.client, m.connected
	m.mu.Unlock()
	if client == nil || !connected || !client.IsConnectionOpen() {
		return messaging.ErrNotConnected
	}

	payload, err := json.Marshal(envelope{Headers: f.Headers, Body: f.Body})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	var q byte
	if persistent {
		q = qos
	}
	if err := wait(context.Background(), client.Publish(destination, q, false, payload)); err != nil {
		if errors.Is(err, MQTT.ErrNotConnected) {
			return fmt.Errorf("%w: %w", messaging.ErrNotConnected, err)
		}
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (m *mqttClient) Ack(messageID, subscription string) error {
	m.mu.Lock()
	msg, ok := m.pending[messageID]
	delete(m.pending, messageID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", messaging.ErrUnknownMessage, messageID)
	}
	msg.Ack()
	return nil
}

func (m *mqttClient) Disconnect() error {
	m.mu.Lock()
	client, wasConnected, stop := m.client, m.connected, m.stopChan
	m.connected = false
	m.stopChan = nil
	m.pending = make(map[string]MQTT.Message)
	m.subs = make(map[string]subscription)
	m.mu.Unlock()

	if client == nil {
		return nil
	}
	if client.IsConnected() {
		client.Disconnect(250)
	}
	if stop != nil {
		close(stop)
	}
	if wasConnected {
		m.handler.HandleDisconnected()
	}
	return nil
}

func (m *mqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mqttClient) dropped(cause error) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	if !wasConnected {
		return
	}
	m.logger.Error("MQTT connection lost", "server", m.Server(), "error", cause)
	m.handler.HandleError(cause)
	m.handler.HandleDisconnected()
}

// wait blocks until the token completes or ctx is done
func wait(ctx context.Context, token MQTT.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timed out waiting for MQTT broker")
	}
}

func brokerURL(broker string) string {
	if broker == "" || strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
