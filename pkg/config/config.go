// Package config loads process settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"image-fetcher/pkg/fetcher"
	"image-fetcher/pkg/messaging"
	"image-fetcher/pkg/prefetch"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// ErrMissing is returned by the Validate functions for unset required values
var ErrMissing = errors.New("missing required configuration")

// BrokerTypes lists the values accepted in BROKER_TYPE
var BrokerTypes = []string{"stomp", "mqtt", "queue", "sqlite", "postgres"}

// DefaultAddresses is used when no broker address is configured
var DefaultAddresses = map[string]string{
	"stomp":    "localhost:61613",
	"mqtt":     "localhost:1883",
	"queue":    ":memory:",
	"sqlite":   "image-fetcher.db",
	"postgres": "localhost:5432",
}

// Config holds every setting the commands read
type Config struct {
	RepoEndpointURI string `env:"REPO_ENDPOINT_URI" env-description:"Repository endpoint every resource URI starts with"`
	IIIFBaseURI     string `env:"IIIF_BASE_URI" env-description:"IIIF image service base URI, including the trailing slash"`
	LogLevel        string `env:"LOG_LEVEL" env-default:"INFO" env-description:"DEBUG, INFO, WARNING or ERROR"`

	Broker BrokerConfig
	Fetch  FetchConfig
	Server ServerConfig
}

// BrokerConfig selects and addresses the message broker
type BrokerConfig struct {
	Type                  string        `env:"BROKER_TYPE" env-default:"stomp" env-description:"stomp, mqtt, queue, sqlite or postgres"`
	Address               string        `env:"STOMP_SERVER,BROKER_ADDRESS" env-description:"Broker host:port, URL, file path or :memory:; defaults per broker type"`
	Username              string        `env:"BROKER_USERNAME"`
	Password              string        `env:"BROKER_PASSWORD"`
	HeartBeat             time.Duration `env:"BROKER_HEARTBEAT" env-default:"0s"`
	PollInterval          time.Duration `env:"POLL_INTERVAL" env-default:"100ms" env-description:"Polling interval for queue, sqlite and postgres brokers"`
	URIHeader             string        `env:"URI_HEADER_NAME" env-default:"CamelFcrepoUri"`
	Destination           string        `env:"IMAGES_QUEUE" env-default:"/queue/images"`
	DeadLetterDestination string        `env:"IMAGES_ERROR_QUEUE" env-default:"/queue/images.errors"`
	ConsumerName          string        `env:"CONSUMER_NAME" env-default:"image-fetcher"`
}

// FetchConfig controls image requests
type FetchConfig struct {
	MaxAttempts int           `env:"FETCH_MAX_ATTEMPTS" env-default:"3"`
	BaseDelay   time.Duration `env:"FETCH_BASE_DELAY" env-default:"1s"`
	Multiplier  float64       `env:"FETCH_MULTIPLIER" env-default:"2"`
	MaxDelay    time.Duration `env:"FETCH_MAX_DELAY" env-default:"30s"`
	Timeout     time.Duration `env:"FETCH_TIMEOUT" env-default:"60s" env-description:"Timeout for a single image request"`
}

// ServerConfig configures the HTTP intake server
type ServerConfig struct {
	Port     int    `env:"WEBHOOK_PORT" env-default:"8443"`
	CertFile string `env:"WEBHOOK_CERT_FILE" env-description:"TLS certificate; plain HTTP when empty"`
	KeyFile  string `env:"WEBHOOK_KEY_FILE"`
}

// Load reads envFiles (".env" when none are given) into the environment,
// ignoring missing files, and then reads the configuration from the environment
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// existing environment variables win over the file
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.validateCommon(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage describes every environment variable
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}

func (c *Config) validateCommon() error {
	c.Broker.Type = strings.ToLower(c.Broker.Type)
	for _, t := range BrokerTypes {
		if c.Broker.Type == t {
			return nil
		}
	}
	return fmt.Errorf("unknown broker type %q, expecting one of %s", c.Broker.Type, strings.Join(BrokerTypes, ", "))
}

// ValidateFetch checks the settings the fetch command needs
func (c *Config) ValidateFetch() error {
	var missing []string
	if c.RepoEndpointURI == "" {
		missing = append(missing, "REPO_ENDPOINT_URI")
	}
	if c.IIIFBaseURI == "" {
		missing = append(missing, "IIIF_BASE_URI")
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("FETCH_MAX_ATTEMPTS must be at least 1, got %d", c.Fetch.MaxAttempts)
	}
	return missingError(missing)
}

// ValidateConsumer checks the settings the listen command needs
func (c *Config) ValidateConsumer() error {
	if err := c.ValidateFetch(); err != nil {
		return err
	}
	return c.ValidateProducer()
}

// ValidateProducer checks the settings the send and serve commands need
func (c *Config) ValidateProducer() error {
	var missing []string
	if c.BrokerAddress() == "" {
		missing = append(missing, "STOMP_SERVER")
	}
	if c.Broker.Destination == "" {
		missing = append(missing, "IMAGES_QUEUE")
	}
	if c.Broker.URIHeader == "" {
		missing = append(missing, "URI_HEADER_NAME")
	}
	return missingError(missing)
}

func missingError(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
}

// BrokerAddress returns the configured address or the broker type's default
func (c *Config) BrokerAddress() string {
	if c.Broker.Address != "" {
		return c.Broker.Address
	}
	return DefaultAddresses[c.Broker.Type]
}

// Messaging returns the transport settings for producers
func (c *Config) Messaging() messaging.Config {
	return messaging.Config{
		BrokerType:   c.Broker.Type,
		Broker:       c.BrokerAddress(),
		Username:     c.Broker.Username,
		Password:     c.Broker.Password,
		PollInterval: c.Broker.PollInterval,
		HeartBeat:    c.Broker.HeartBeat,
	}
}

// ConsumerMessaging returns the transport settings for the listen command.
// The consumer name doubles as a stable client id so brokers with sessions
// keep unacknowledged messages for it across reconnects.
func (c *Config) ConsumerMessaging() messaging.Config {
	m := c.Messaging()
	m.ClientID = c.Broker.ConsumerName
	return m
}

// FetchPolicy returns the retry policy for image requests
func (c *Config) FetchPolicy() fetcher.Policy {
	return fetcher.Policy{
		MaxAttempts: c.Fetch.MaxAttempts,
		BaseDelay:   c.Fetch.BaseDelay,
		Multiplier:  c.Fetch.Multiplier,
		MaxDelay:    c.Fetch.MaxDelay,
	}
}

// Consumer returns the listen command's destinations
func (c *Config) Consumer() prefetch.ConsumerConfig {
	return prefetch.ConsumerConfig{
		Destination:           c.Broker.Destination,
		DeadLetterDestination: c.Broker.DeadLetterDestination,
		SubscriptionName:      c.Broker.ConsumerName,
		URIHeader:             c.Broker.URIHeader,
	}
}

// Producer returns the send command's destination
func (c *Config) Producer() prefetch.ProducerConfig {
	return prefetch.ProducerConfig{
		Destination: c.Broker.Destination,
		URIHeader:   c.Broker.URIHeader,
	}
}
