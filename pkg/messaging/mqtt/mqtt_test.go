package mqtt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"image-fetcher/pkg/messaging"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	messaging.NopListener
	frames       chan messaging.Frame
	mu           sync.Mutex
	disconnected bool
}

func (r *recorder) OnMessage(f messaging.Frame) {
	r.frames <- f
}

func (r *recorder) OnDisconnected() {
	r.mu.Lock()
	r.disconnected = true
	r.mu.Unlock()
}

func startBroker(t *testing.T) string {
	t.Helper()

	// Use an external broker when one is configured
	if broker := os.Getenv("TEST_MQTT_BROKER"); broker != "" {
		return broker
	}

	server := mqtt.New(&mqtt.Options{})
	_ = server.AddHook(new(auth.AllowHook), nil)

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: "127.0.0.1:0",
	})
	require.NoError(t, server.AddListener(tcp))

	// Get assigned port
	addr := tcp.Address()
	var port int
	_, err := fmt.Sscanf(addr[strings.LastIndex(addr, ":")+1:], "%d", &port)
	require.NoError(t, err)

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() { _ = server.Close() })

	return fmt.Sprintf("127.0.0.1:%d", port)
}

func TestMQTTClientValidation(t *testing.T) {
	transport := NewTransport(messaging.Config{}, testLogger)
	_, err := messaging.Connect(context.Background(), transport, testLogger)
	require.Error(t, err)
	assert.ErrorIs(t, err, messaging.ErrConnectFailed)
	assert.Contains(t, err.Error(), "broker URL is required")
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
	assert.Equal(t, "", brokerURL(""))
}

func TestMQTTClient(t *testing.T) {
	broker := startBroker(t)
	rec := &recorder{frames: make(chan messaging.Frame, 4)}

	conn, err := messaging.Connect(context.Background(), NewTransport(messaging.Config{Broker: broker}, testLogger), testLogger,
		messaging.Bind("test", rec),
	)
	require.NoError(t, err)
	require.True(t, conn.IsConnected())

	require.NoError(t, conn.Subscribe("queue/images", "image-fetcher", messaging.AckClientIndividual))

	uri := "http://example.com/fcrepo/rest/1"
	require.NoError(t, conn.Send("queue/images", map[string]string{"CamelFcrepoUri": uri}, []byte("body"), messaging.Persistent()))

	select {
	case f := <-rec.frames:
		assert.Equal(t, uri, f.Headers["CamelFcrepoUri"])
		assert.Equal(t, "true", f.Headers[messaging.HeaderPersistent])
		assert.Equal(t, "queue/images", f.Headers[messaging.HeaderDestination])
		assert.Equal(t, "image-fetcher", f.Headers[messaging.HeaderSubscription])
		assert.Equal(t, []byte("body"), f.Body)
		require.NoError(t, conn.Ack(f.Headers[messaging.HeaderMessageID], "image-fetcher"))
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for message")
	}

	assert.ErrorIs(t, conn.Ack("no-such-message", "image-fetcher"), messaging.ErrUnknownMessage)

	require.NoError(t, conn.Disconnect())
	rec.mu.Lock()
	assert.True(t, rec.disconnected)
	rec.mu.Unlock()

	assert.ErrorIs(t, conn.Send("queue/images", nil, nil), messaging.ErrNotConnected)
}

func TestMQTTSessionRedelivery(t *testing.T) {
	broker := startBroker(t)
	config := messaging.Config{Broker: broker, ClientID: "image-fetcher-session-test"}
	uri := "http://example.com/fcrepo/rest/1"

	first := &recorder{frames: make(chan messaging.Frame, 4)}
	conn, err := messaging.Connect(context.Background(), NewTransport(config, testLogger), testLogger,
		messaging.Bind("test", first),
	)
	require.NoError(t, err)
	require.NoError(t, conn.Subscribe("queue/images", "image-fetcher", messaging.AckClientIndividual))
	require.NoError(t, conn.Send("queue/images", map[string]string{"CamelFcrepoUri": uri}, nil, messaging.Persistent()))

	select {
	case f := <-first.frames:
		assert.Equal(t, uri, f.Headers["CamelFcrepoUri"])
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for message")
	}
	// disconnect without acknowledging
	require.NoError(t, conn.Disconnect())

	second := &recorder{frames: make(chan messaging.Frame, 4)}
	conn, err = messaging.Connect(context.Background(), NewTransport(config, testLogger), testLogger,
		messaging.Bind("test", second),
	)
	require.NoError(t, err)
	defer conn.Disconnect()
	require.NoError(t, conn.Subscribe("queue/images", "image-fetcher", messaging.AckClientIndividual))

	select {
	case f := <-second.frames:
		assert.Equal(t, uri, f.Headers["CamelFcrepoUri"])
		assert.Equal(t, "queue/images", f.Headers[messaging.HeaderDestination])
		require.NoError(t, conn.Ack(f.Headers[messaging.HeaderMessageID], "image-fetcher"))
	case <-time.After(5 * time.Second):
		t.Fatal("unacknowledged message was not redelivered")
	}
}

func TestMQTTCleanSessionWithoutClientID(t *testing.T) {
	broker := startBroker(t)
	uri := "http://example.com/fcrepo/rest/1"

	first := &recorder{frames: make(chan messaging.Frame, 4)}
	conn, err := messaging.Connect(context.Background(), NewTransport(messaging.Config{Broker: broker}, testLogger), testLogger,
		messaging.Bind("test", first),
	)
	require.NoError(t, err)
	require.NoError(t, conn.Subscribe("queue/images", "image-fetcher", messaging.AckAuto))
	require.NoError(t, conn.Send("queue/images", map[string]string{"CamelFcrepoUri": uri}, nil, messaging.Persistent()))

	select {
	case f := <-first.frames:
		assert.Equal(t, uri, f.Headers["CamelFcrepoUri"])
		assert.Equal(t, "image-fetcher", f.Headers[messaging.HeaderSubscription])
		// auto-acknowledged deliveries are not held for Ack
		assert.ErrorIs(t, conn.Ack(f.Headers[messaging.HeaderMessageID], "image-fetcher"), messaging.ErrUnknownMessage)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for message")
	}
	require.NoError(t, conn.Disconnect())
}
