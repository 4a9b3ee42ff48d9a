package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "stomp", cfg.Broker.Type)
	assert.Empty(t, cfg.Broker.Address)
	assert.Equal(t, "localhost:61613", cfg.Messaging().Broker)
	assert.Equal(t, "CamelFcrepoUri", cfg.Broker.URIHeader)
	assert.Equal(t, "/queue/images", cfg.Broker.Destination)
	assert.Equal(t, "/queue/images.errors", cfg.Broker.DeadLetterDestination)
	assert.Equal(t, "image-fetcher", cfg.Broker.ConsumerName)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.PollInterval)
	assert.Equal(t, 3, cfg.Fetch.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Fetch.BaseDelay)
	assert.Equal(t, 2.0, cfg.Fetch.Multiplier)
	assert.Equal(t, 30*time.Second, cfg.Fetch.MaxDelay)
	assert.Equal(t, 60*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 8443, cfg.Server.Port)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REPO_ENDPOINT_URI", "http://example.com/fcrepo/rest")
	t.Setenv("IIIF_BASE_URI", "http://example.com/iiif/2/")
	t.Setenv("STOMP_SERVER", "broker:61613")
	t.Setenv("BROKER_TYPE", "MQTT")
	t.Setenv("FETCH_MAX_ATTEMPTS", "5")
	t.Setenv("FETCH_BASE_DELAY", "250ms")

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "http://example.com/fcrepo/rest", cfg.RepoEndpointURI)
	assert.Equal(t, "http://example.com/iiif/2/", cfg.IIIFBaseURI)
	assert.Equal(t, "mqtt", cfg.Broker.Type)

	m := cfg.Messaging()
	assert.Equal(t, "broker:61613", m.Broker)
	assert.Equal(t, "mqtt", m.BrokerType)

	p := cfg.FetchPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.BaseDelay)

	assert.Empty(t, m.ClientID)
	assert.Equal(t, "image-fetcher", cfg.ConsumerMessaging().ClientID)

	c := cfg.Consumer()
	assert.Equal(t, "image-fetcher", c.SubscriptionName)
	assert.Equal(t, "/queue/images.errors", c.DeadLetterDestination)
	assert.Equal(t, "CamelFcrepoUri", cfg.Producer().URIHeader)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("IIIF_BASE_URI=http://from-file/iiif/2/\nLOG_LEVEL=DEBUG\n"), 0644))
	t.Setenv("LOG_LEVEL", "ERROR")
	// godotenv sets variables in the process environment; restore afterwards
	t.Setenv("IIIF_BASE_URI", "")
	os.Unsetenv("IIIF_BASE_URI")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://from-file/iiif/2/", cfg.IIIFBaseURI)
	// existing environment wins
	assert.Equal(t, "ERROR", cfg.LogLevel)
}

func TestBrokerAddressDefaults(t *testing.T) {
	tests := []struct {
		brokerType string
		address    string
		want       string
	}{
		{brokerType: "stomp", want: "localhost:61613"},
		{brokerType: "mqtt", want: "localhost:1883"},
		{brokerType: "queue", want: ":memory:"},
		{brokerType: "sqlite", want: "image-fetcher.db"},
		{brokerType: "postgres", want: "localhost:5432"},
		{brokerType: "queue", address: "/var/spool/images.json", want: "/var/spool/images.json"},
	}

	for _, tt := range tests {
		t.Run(tt.brokerType+" "+tt.address, func(t *testing.T) {
			t.Setenv("BROKER_TYPE", tt.brokerType)
			if tt.address != "" {
				t.Setenv("BROKER_ADDRESS", tt.address)
			}
			cfg, err := Load(missingEnvFile(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Messaging().Broker)
		})
	}
}

func TestLoadUnknownBrokerType(t *testing.T) {
	t.Setenv("BROKER_TYPE", "carrier-pigeon")
	_, err := Load(missingEnvFile(t))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			RepoEndpointURI: "http://example.com/fcrepo/rest",
			IIIFBaseURI:     "http://example.com/iiif/2/",
		}
		cfg.Broker.Type = "stomp"
		cfg.Broker.Address = "localhost:61613"
		cfg.Broker.Destination = "/queue/images"
		cfg.Broker.URIHeader = "CamelFcrepoUri"
		cfg.Fetch.MaxAttempts = 3
		return cfg
	}

	tests := []struct {
		name     string
		modify   func(*Config)
		validate func(*Config) error
		wantErr  bool
	}{
		{name: "Fetch valid", modify: func(*Config) {}, validate: (*Config).ValidateFetch},
		{name: "Fetch missing endpoint", modify: func(c *Config) { c.RepoEndpointURI = "" }, validate: (*Config).ValidateFetch, wantErr: true},
		{name: "Fetch missing IIIF base", modify: func(c *Config) { c.IIIFBaseURI = "" }, validate: (*Config).ValidateFetch, wantErr: true},
		{name: "Fetch zero attempts", modify: func(c *Config) { c.Fetch.MaxAttempts = 0 }, validate: (*Config).ValidateFetch, wantErr: true},
		{name: "Producer valid without IIIF", modify: func(c *Config) { c.IIIFBaseURI = "" }, validate: (*Config).ValidateProducer},
		{name: "Producer default broker", modify: func(c *Config) { c.Broker.Address = "" }, validate: (*Config).ValidateProducer},
		{name: "Producer unknown broker type", modify: func(c *Config) { c.Broker.Type, c.Broker.Address = "pigeon", "" }, validate: (*Config).ValidateProducer, wantErr: true},
		{name: "Producer in-memory queue", modify: func(c *Config) { c.Broker.Type, c.Broker.Address = "queue", "" }, validate: (*Config).ValidateProducer},
		{name: "Consumer valid", modify: func(*Config) {}, validate: (*Config).ValidateConsumer},
		{name: "Consumer missing endpoint", modify: func(c *Config) { c.RepoEndpointURI = "" }, validate: (*Config).ValidateConsumer, wantErr: true},
		{name: "Consumer missing queue", modify: func(c *Config) { c.Broker.Destination = "" }, validate: (*Config).ValidateConsumer, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := tt.validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateReportsAllMissing(t *testing.T) {
	cfg := &Config{}
	cfg.Fetch.MaxAttempts = 1
	err := cfg.ValidateFetch()
	assert.ErrorIs(t, err, ErrMissing)
	assert.Contains(t, err.Error(), "REPO_ENDPOINT_URI, IIIF_BASE_URI")
}

func TestUsage(t *testing.T) {
	assert.Contains(t, Usage(), "REPO_ENDPOINT_URI")
}
