package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"mqtt-kafka-bridge/config"
)

const usage = "Usage: mqtt-kafka-bridge --mqtt-broker <mqtt broker> --kafka-broker-list <csv list of kafka brokers> --mqtt-topic <mqtt topic subscribe string> --kafka-topic <kafka topic publish string>"

// errUsage means the command line was unusable and usage has been printed.
var errUsage = errors.New("invalid command line")

// loadConfig parses args, merges them over the optional config file and
// validates the result. Usage goes to out on any configuration problem.
func loadConfig(args []string, out io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("mqtt-kafka-bridge", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintln(out, usage)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", "", "path to YAML config file (optional)")
	var o config.Overrides
	fs.StringVar(&o.MQTTBroker, "mqtt-broker", "", "MQTT broker address, e.g. tcp://localhost:1883")
	fs.StringVar(&o.KafkaBrokerList, "kafka-broker-list", "", "comma separated list of destination brokers")
	fs.StringVar(&o.MQTTTopic, "mqtt-topic", "", "MQTT topic filter to subscribe to")
	fs.StringVar(&o.KafkaTopic, "kafka-topic", "", "destination topic to publish to")
	fs.StringVar(&o.ClientID, "client-id", "", "MQTT client id (default "+config.DefaultClientID+")")
	fs.StringVar(&o.LogLevel, "log-level", "", "override log level: debug, info, warn or error")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /stats on this address")

	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(out, err)
			return nil, errUsage
		}
	}
	cfg.ApplyOverrides(o)
	cfg.Finalize()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(out, usage)
		fmt.Fprintln(out, err)
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	return cfg, nil
}
