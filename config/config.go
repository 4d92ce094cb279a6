package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Destination drivers
const (
	DriverKafka = "kafka"
	DriverNATS  = "nats"
)

// Delivery guarantees
const (
	AtLeastOnce = "at-least-once"
	AtMostOnce  = "at-most-once"
)

// qosUnset marks an MQTT QoS the configuration file did not set.
const qosUnset byte = 0xff

// DefaultClientID matches the client identifier the bridge has always used.
const DefaultClientID = "SimpleMqttKafkaBridge"

type Config struct {
	Bridge      BridgeConfig      `yaml:"bridge"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Destination DestinationConfig `yaml:"destination"`
	Retry       RetryConfig       `yaml:"retry"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Logging     LogConfig         `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// BridgeConfig names the two endpoints of the relay. It is validated once at
// startup and never mutated afterwards.
type BridgeConfig struct {
	SourceBroker       string   `yaml:"sourceBroker"`
	SourceTopic        string   `yaml:"sourceTopic"`
	DestinationBrokers []string `yaml:"destinationBrokers"`
	DestinationTopic   string   `yaml:"destinationTopic"`
	ClientID           string   `yaml:"clientId"`
}

type MQTTConfig struct {
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	CleanSession   bool          `yaml:"cleanSession"`
	UniqueClientID bool          `yaml:"uniqueClientId"`
	KeepAlive      time.Duration `yaml:"keepAlive"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	Enable   bool   `yaml:"enable"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	CAFile   string `yaml:"caFile"`
}

type DestinationConfig struct {
	Driver string      `yaml:"driver"` // kafka or nats
	Kafka  KafkaConfig `yaml:"kafka"`
	NATS   NATSConfig  `yaml:"nats"`
}

type KafkaConfig struct {
	// RequiredAcks overrides the acks level implied by the delivery guarantee:
	// none, one or all.
	RequiredAcks string        `yaml:"requiredAcks"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	Compression  string        `yaml:"compression"` // none, gzip, snappy, lz4, zstd
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	TLS          TLSConfig     `yaml:"tls"`
}

type NATSConfig struct {
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

// RetryConfig is the backoff schedule used for every connect attempt.
// MaxAttempts of 0 retries forever.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"maxAttempts"`
}

type DeliveryConfig struct {
	Guarantee          string        `yaml:"guarantee"`
	MaxInFlight        int           `yaml:"maxInFlight"`
	AckTimeout         time.Duration `yaml:"ackTimeout"`
	MaxPublishAttempts int           `yaml:"maxPublishAttempts"`
	DrainTimeout       time.Duration `yaml:"drainTimeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	OutputPath string `yaml:"outputPath"` // file path, "stdout" or "stderr"
	Encoding   string `yaml:"encoding"`   // json or console
	MaxSize    int    `yaml:"maxSize"`    // megabytes before rotation
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"` // days
	Compress   bool   `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	Path           string        `yaml:"path"`
	UpdateInterval time.Duration `yaml:"updateInterval"`
}

// Default returns a configuration with every optional field populated and the
// four required bridge fields left empty.
func Default() *Config {
	cfg := &Config{MQTT: MQTTConfig{QoS: qosUnset}}
	cfg.setDefaults()
	return cfg
}

// Load reads and parses a YAML configuration file. The result still has to
// pass Validate once command line overrides are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{MQTT: MQTTConfig{QoS: qosUnset}}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Bridge.ClientID == "" {
		c.Bridge.ClientID = DefaultClientID
	}

	// An explicit qos is kept as written and checked by Validate.
	if c.MQTT.QoS == qosUnset {
		c.MQTT.QoS = 1
		if c.Delivery.Guarantee == AtMostOnce {
			c.MQTT.QoS = 0
		}
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = 60 * time.Second
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}

	if c.Destination.Driver == "" {
		c.Destination.Driver = DriverKafka
	}
	if c.Destination.Kafka.BatchSize <= 0 {
		c.Destination.Kafka.BatchSize = 1000
	}
	if c.Destination.Kafka.BatchTimeout <= 0 {
		c.Destination.Kafka.BatchTimeout = 200 * time.Millisecond
	}
	if c.Destination.Kafka.MaxAttempts <= 0 {
		c.Destination.Kafka.MaxAttempts = 3
	}
	if c.Destination.Kafka.DialTimeout <= 0 {
		c.Destination.Kafka.DialTimeout = 10 * time.Second
	}
	if c.Destination.NATS.ConnectTimeout <= 0 {
		c.Destination.NATS.ConnectTimeout = 10 * time.Second
	}

	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2
	}

	if c.Delivery.Guarantee == "" {
		c.Delivery.Guarantee = AtLeastOnce
	}
	if c.Delivery.MaxInFlight <= 0 {
		c.Delivery.MaxInFlight = 1000
	}
	if c.Delivery.AckTimeout <= 0 {
		c.Delivery.AckTimeout = 10 * time.Second
	}
	if c.Delivery.MaxPublishAttempts <= 0 {
		c.Delivery.MaxPublishAttempts = 3
	}
	if c.Delivery.DrainTimeout <= 0 {
		c.Delivery.DrainTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval <= 0 {
		c.Metrics.UpdateInterval = 15 * time.Second
	}
}

// Overrides carries command line values; empty fields leave the loaded
// configuration untouched.
type Overrides struct {
	MQTTBroker      string
	KafkaBrokerList string
	MQTTTopic       string
	KafkaTopic      string
	ClientID        string
	LogLevel        string
	MetricsAddr     string
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(o Overrides) {
	if o.MQTTBroker != "" {
		c.Bridge.SourceBroker = o.MQTTBroker
	}
	if o.KafkaBrokerList != "" {
		c.Bridge.DestinationBrokers = SplitBrokerList(o.KafkaBrokerList)
	}
	if o.MQTTTopic != "" {
		c.Bridge.SourceTopic = o.MQTTTopic
	}
	if o.KafkaTopic != "" {
		c.Bridge.DestinationTopic = o.KafkaTopic
	}
	if o.ClientID != "" {
		c.Bridge.ClientID = o.ClientID
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.MetricsAddr != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = o.MetricsAddr
	}
}

// Finalize normalizes the source broker address and, when requested, makes
// the client id unique. It must run before Validate.
func (c *Config) Finalize() {
	if c.Bridge.SourceBroker != "" {
		c.Bridge.SourceBroker = NormalizeBrokerURL(c.Bridge.SourceBroker)
	}
	if c.MQTT.UniqueClientID && c.Bridge.ClientID != "" {
		c.Bridge.ClientID = c.Bridge.ClientID + "-" + uuid.NewString()
		c.MQTT.UniqueClientID = false
	}
}

// SplitBrokerList turns a comma separated broker list into its entries,
// dropping blanks.
func SplitBrokerList(csv string) []string {
	parts := strings.Split(csv, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

// NormalizeBrokerURL prefixes tcp:// when the address carries no scheme.
func NormalizeBrokerURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

var validSchemes = map[string]bool{
	"tcp": true, "ssl": true, "tls": true, "ws": true, "wss": true, "mqtt": true, "mqtts": true,
}

// Validate performs validation of all configuration values
func (c *Config) Validate() error {
	if err := c.Bridge.Validate(); err != nil {
		return err
	}

	if c.MQTT.QoS > 2 {
		return &ConfigError{Field: "mqtt.qos", Message: "qos must be 0, 1, or 2"}
	}
	if err := validateTLS("mqtt.tls", c.MQTT.TLS); err != nil {
		return err
	}

	switch c.Destination.Driver {
	case DriverKafka:
		switch c.Destination.Kafka.RequiredAcks {
		case "", "none", "0", "one", "1", "all", "-1":
		default:
			return &ConfigError{Field: "destination.kafka.requiredAcks", Message: fmt.Sprintf("invalid value %q", c.Destination.Kafka.RequiredAcks)}
		}
		switch c.Destination.Kafka.Compression {
		case "", "none", "gzip", "snappy", "lz4", "zstd":
		default:
			return &ConfigError{Field: "destination.kafka.compression", Message: fmt.Sprintf("invalid value %q", c.Destination.Kafka.Compression)}
		}
		if err := validateTLS("destination.kafka.tls", c.Destination.Kafka.TLS); err != nil {
			return err
		}
	case DriverNATS:
		if err := validateTLS("destination.nats.tls", c.Destination.NATS.TLS); err != nil {
			return err
		}
	default:
		return &ConfigError{Field: "destination.driver", Message: fmt.Sprintf("unknown driver %q", c.Destination.Driver)}
	}

	if c.Retry.InitialDelay > c.Retry.MaxDelay {
		return &ConfigError{Field: "retry.initialDelay", Message: "must not exceed retry.maxDelay"}
	}
	if c.Retry.Multiplier < 1 {
		return &ConfigError{Field: "retry.multiplier", Message: "must be at least 1"}
	}
	if c.Retry.MaxAttempts < 0 {
		return &ConfigError{Field: "retry.maxAttempts", Message: "must not be negative"}
	}

	switch c.Delivery.Guarantee {
	case AtLeastOnce, AtMostOnce:
	default:
		return &ConfigError{Field: "delivery.guarantee", Message: fmt.Sprintf("invalid guarantee %q", c.Delivery.Guarantee)}
	}
	if c.Delivery.Guarantee == AtLeastOnce && c.MQTT.QoS == 0 {
		return &ConfigError{Field: "mqtt.qos", Message: "at-least-once delivery needs qos 1 or 2"}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "logging.level", Message: fmt.Sprintf("invalid log level: %s", c.Logging.Level)}
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return &ConfigError{Field: "logging.encoding", Message: fmt.Sprintf("invalid log encoding: %s", c.Logging.Encoding)}
	}

	return nil
}

// Validate checks the four required fields and the client id, and that the
// source broker is a usable URI with a supported scheme.
func (b BridgeConfig) Validate() error {
	if b.SourceBroker == "" {
		return &ConfigError{Field: "mqtt-broker", Message: "source broker address is required"}
	}
	if b.SourceTopic == "" {
		return &ConfigError{Field: "mqtt-topic", Message: "source topic is required"}
	}
	if len(b.DestinationBrokers) == 0 {
		return &ConfigError{Field: "kafka-broker-list", Message: "destination broker list is required"}
	}
	for _, broker := range b.DestinationBrokers {
		if strings.TrimSpace(broker) == "" {
			return &ConfigError{Field: "kafka-broker-list", Message: "destination broker list contains an empty entry"}
		}
	}
	if b.DestinationTopic == "" {
		return &ConfigError{Field: "kafka-topic", Message: "destination topic is required"}
	}
	if b.ClientID == "" {
		return &ConfigError{Field: "client-id", Message: "client id is required"}
	}

	u, err := url.Parse(b.SourceBroker)
	if err != nil {
		return &ConfigError{Field: "mqtt-broker", Message: fmt.Sprintf("malformed broker address: %v", err)}
	}
	if !validSchemes[u.Scheme] {
		return &ConfigError{Field: "mqtt-broker", Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ConfigError{Field: "mqtt-broker", Message: "broker address has no host"}
	}

	if err := ValidateTopicFilter(b.SourceTopic); err != nil {
		return &ConfigError{Field: "mqtt-topic", Message: err.Error()}
	}
	return nil
}

// ValidateTopicFilter checks MQTT wildcard placement in a subscription filter.
func ValidateTopicFilter(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("# wildcard must be the last segment")
			}
		}
		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("+ wildcard must occupy entire segment")
		}
	}
	return nil
}

func validateTLS(field string, tls TLSConfig) error {
	if !tls.Enable {
		return nil
	}
	if tls.CertFile == "" {
		return &ConfigError{Field: field + ".certFile", Message: "tls cert file is required when tls is enabled"}
	}
	if tls.KeyFile == "" {
		return &ConfigError{Field: field + ".keyFile", Message: "tls key file is required when tls is enabled"}
	}
	if tls.CAFile == "" {
		return &ConfigError{Field: field + ".caFile", Message: "tls ca file is required when tls is enabled"}
	}
	return nil
}
