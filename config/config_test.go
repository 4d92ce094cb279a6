package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBridge() BridgeConfig {
	return BridgeConfig{
		SourceBroker:       "tcp://broker-a:1883",
		SourceTopic:        "sensors/#",
		DestinationBrokers: []string{"broker-b:9092"},
		DestinationTopic:   "sensor-events",
		ClientID:           DefaultClientID,
	}
}

func TestNormalizeBrokerURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"broker-a:1883", "tcp://broker-a:1883"},
		{"tcp://broker-a:1883", "tcp://broker-a:1883"},
		{"ssl://broker-a:8883", "ssl://broker-a:8883"},
		{"  broker-a:1883 ", "tcp://broker-a:1883"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeBrokerURL(tt.in); got != tt.want {
				t.Errorf("NormalizeBrokerURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitBrokerList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokerList("a:9092, b:9092,,"))
	assert.Empty(t, SplitBrokerList(" , "))
}

func TestBridgeConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*BridgeConfig)
		wantField string
	}{
		{"Valid config", func(*BridgeConfig) {}, ""},
		{"Missing source broker", func(b *BridgeConfig) { b.SourceBroker = "" }, "mqtt-broker"},
		{"Missing source topic", func(b *BridgeConfig) { b.SourceTopic = "" }, "mqtt-topic"},
		{"Missing destination brokers", func(b *BridgeConfig) { b.DestinationBrokers = nil }, "kafka-broker-list"},
		{"Blank destination broker", func(b *BridgeConfig) { b.DestinationBrokers = []string{" "} }, "kafka-broker-list"},
		{"Missing destination topic", func(b *BridgeConfig) { b.DestinationTopic = "" }, "kafka-topic"},
		{"Missing client id", func(b *BridgeConfig) { b.ClientID = "" }, "client-id"},
		{"Unsupported scheme", func(b *BridgeConfig) { b.SourceBroker = "http://broker-a:1883" }, "mqtt-broker"},
		{"No host", func(b *BridgeConfig) { b.SourceBroker = "tcp://" }, "mqtt-broker"},
		{"Bad multi-level wildcard", func(b *BridgeConfig) { b.SourceTopic = "sensors/#/temp" }, "mqtt-topic"},
		{"Bad single-level wildcard", func(b *BridgeConfig) { b.SourceTopic = "sensors/te+mp" }, "mqtt-topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBridge()
			tt.mutate(&b)
			err := b.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		name      string
		filter    string
		wantError bool
	}{
		{"simple topic", "sensors/temp", false},
		{"single-level wildcard", "sensors/+/temp", false},
		{"multi-level wildcard", "sensors/#", false},
		{"complex filter", "home/+/living/+/temp", false},
		{"leading slash", "/sensors/temp", false},
		{"empty level", "sensors//temp", false},
		{"bare hash", "#", false},

		{"empty", "", true},
		{"partial plus", "sensors/+temp/value", true},
		{"mid-topic hash", "sensors/#/temp", true},
		{"partial hash", "sensors/temp#", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicFilter(tt.filter)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"Defaults with bridge", func(*Config) {}, false},
		{"Invalid qos", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"TLS without files", func(c *Config) { c.MQTT.TLS.Enable = true }, true},
		{"Unknown driver", func(c *Config) { c.Destination.Driver = "amqp" }, true},
		{"NATS driver", func(c *Config) { c.Destination.Driver = DriverNATS }, false},
		{"Invalid acks", func(c *Config) { c.Destination.Kafka.RequiredAcks = "some" }, true},
		{"Invalid compression", func(c *Config) { c.Destination.Kafka.Compression = "brotli" }, true},
		{"Initial delay above max", func(c *Config) { c.Retry.InitialDelay = time.Minute }, true},
		{"Multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }, true},
		{"Negative attempts", func(c *Config) { c.Retry.MaxAttempts = -1 }, true},
		{"Unknown guarantee", func(c *Config) { c.Delivery.Guarantee = "exactly-once" }, true},
		{"At-least-once with qos 0", func(c *Config) { c.MQTT.QoS = 0 }, true},
		{"At-most-once with qos 0", func(c *Config) { c.Delivery.Guarantee = AtMostOnce; c.MQTT.QoS = 0 }, false},
		{"Invalid log level", func(c *Config) { c.Logging.Level = "trace" }, true},
		{"Invalid log encoding", func(c *Config) { c.Logging.Encoding = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Bridge = validBridge()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultClientID, cfg.Bridge.ClientID)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, DriverKafka, cfg.Destination.Driver)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 0, cfg.Retry.MaxAttempts, "retries are unlimited by default")
	assert.Equal(t, AtLeastOnce, cfg.Delivery.Guarantee)
	assert.Equal(t, 200*time.Millisecond, cfg.Destination.Kafka.BatchTimeout)

	err := cfg.Validate()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "required bridge fields must be reported")
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		content  string
		wantErr  bool
		validate func(*testing.T, *Config)
	}{
		{
			name: "Full bridge config",
			content: `
bridge:
  sourceBroker: broker-a:1883
  sourceTopic: sensors/#
  destinationBrokers: [broker-b:9092, broker-c:9092]
  destinationTopic: sensor-events
retry:
  initialDelay: 500ms
  maxDelay: 10s
  maxAttempts: 5
delivery:
  guarantee: at-most-once
logging:
  level: debug
  encoding: console
`,
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, "broker-a:1883", c.Bridge.SourceBroker)
				assert.Len(t, c.Bridge.DestinationBrokers, 2)
				assert.Equal(t, 500*time.Millisecond, c.Retry.InitialDelay)
				assert.Equal(t, 5, c.Retry.MaxAttempts)
				assert.Equal(t, byte(0), c.MQTT.QoS)
				assert.Equal(t, "debug", c.Logging.Level)
				assert.Equal(t, DefaultClientID, c.Bridge.ClientID)
			},
		},
		{
			name: "Explicit qos 0 is kept",
			content: `
mqtt:
  qos: 0
`,
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, byte(0), c.MQTT.QoS)
				assert.Equal(t, AtLeastOnce, c.Delivery.Guarantee)
			},
		},
		{
			name: "Mqtt section without qos gets the default",
			content: `
mqtt:
  keepAlive: 30s
`,
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, byte(1), c.MQTT.QoS)
				assert.Equal(t, 30*time.Second, c.MQTT.KeepAlive)
			},
		},
		{
			name:    "Empty file applies defaults",
			content: "",
			validate: func(t *testing.T, c *Config) {
				assert.Equal(t, 1000, c.Delivery.MaxInFlight)
				assert.Equal(t, ":2112", c.Metrics.Address)
			},
		},
		{
			name:    "Malformed yaml",
			content: "bridge: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tmpDir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(configPath)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}

	_, err := Load(filepath.Join(tmpDir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsQoSZeroForAtLeastOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bridge:
  sourceBroker: broker-a:1883
  sourceTopic: sensors/#
  destinationBrokers: [broker-b:9092]
  destinationTopic: sensor-events
mqtt:
  qos: 0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.Finalize()

	var cfgErr *ConfigError
	require.True(t, errors.As(cfg.Validate(), &cfgErr))
	assert.Equal(t, "mqtt.qos", cfgErr.Field)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.Bridge.SourceBroker = "tcp://file-broker:1883"

	cfg.ApplyOverrides(Overrides{
		MQTTBroker:      "broker-a:1883",
		KafkaBrokerList: "broker-b:9092,broker-c:9092",
		MQTTTopic:       "sensors/#",
		KafkaTopic:      "sensor-events",
		MetricsAddr:     ":9100",
	})

	assert.Equal(t, "broker-a:1883", cfg.Bridge.SourceBroker)
	assert.Equal(t, []string{"broker-b:9092", "broker-c:9092"}, cfg.Bridge.DestinationBrokers)
	assert.Equal(t, "sensors/#", cfg.Bridge.SourceTopic)
	assert.Equal(t, "sensor-events", cfg.Bridge.DestinationTopic)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Address)

	// Empty overrides keep what was loaded.
	cfg.ApplyOverrides(Overrides{})
	assert.Equal(t, "broker-a:1883", cfg.Bridge.SourceBroker)
	assert.Equal(t, DefaultClientID, cfg.Bridge.ClientID)
}

func TestFinalize(t *testing.T) {
	cfg := Default()
	cfg.Bridge = validBridge()
	cfg.Bridge.SourceBroker = "broker-a:1883"
	cfg.MQTT.UniqueClientID = true

	cfg.Finalize()

	assert.Equal(t, "tcp://broker-a:1883", cfg.Bridge.SourceBroker)
	assert.True(t, strings.HasPrefix(cfg.Bridge.ClientID, DefaultClientID+"-"))
	assert.Greater(t, len(cfg.Bridge.ClientID), len(DefaultClientID)+30)

	// A second call must not append another suffix.
	id := cfg.Bridge.ClientID
	cfg.Finalize()
	assert.Equal(t, id, cfg.Bridge.ClientID)
}
