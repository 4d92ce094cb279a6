package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqtt-kafka-bridge/config"
	"mqtt-kafka-bridge/internal/broker/kafka"
	"mqtt-kafka-bridge/internal/broker/mqtt"
	"mqtt-kafka-bridge/internal/broker/nats"
	"mqtt-kafka-bridge/internal/logger"
	"mqtt-kafka-bridge/internal/metrics"
	"mqtt-kafka-bridge/internal/relay"
	"mqtt-kafka-bridge/internal/stats"
)

const (
	exitConfig = 1
	exitFatal  = 2
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stdout)
	if err != nil {
		os.Exit(exitConfig)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer log.Sync()

	statsCollector := stats.NewStatsCollector()

	var metricsService *metrics.Metrics
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			log.Fatal("failed to create metrics service", "error", err)
		}

		metricsCollector := metrics.NewMetricsCollector(metricsService, statsCollector, cfg.Metrics.UpdateInterval)
		metricsCollector.Start()
		defer metricsCollector.Stop()
	}

	sink, err := newSink(cfg, log)
	if err != nil {
		log.Fatal("failed to create destination", "error", err)
	}
	source := mqtt.NewSource(cfg, log.With("endpoint", relay.EndpointSource))

	engine := relay.New(cfg.Bridge, source, sink, log,
		relay.WithRetry(cfg.Retry),
		relay.WithDelivery(cfg.Delivery),
		relay.WithMetrics(metricsService),
		relay.WithStats(statsCollector))

	var opsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
		mux.Handle("/healthz", engine.HealthHandler())
		mux.Handle("/stats", statsCollector.Handler())

		opsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	log.Info("mqtt-kafka-bridge starting",
		"mqttBroker", cfg.Bridge.SourceBroker,
		"clientId", cfg.Bridge.ClientID,
		"mqttTopic", cfg.Bridge.SourceTopic,
		"destination", cfg.Destination.Driver,
		"brokerList", cfg.Bridge.DestinationBrokers,
		"topic", cfg.Bridge.DestinationTopic,
		"guarantee", cfg.Delivery.Guarantee,
		"metricsEnabled", cfg.Metrics.Enabled)

	if err := engine.Start(context.Background()); err != nil {
		log.Fatal("failed to start bridge", "error", err)
	}

	shutdownTimeout := cfg.Delivery.DrainTimeout + 5*time.Second

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				log.Info("received SIGHUP, syncing logs")
				_ = log.Sync()
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("shutting down...", "signal", sig.String())

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer shutdownCancel()

				if err := engine.Stop(shutdownCtx); err != nil {
					log.Error("bridge shutdown incomplete", "error", err)
				}
				shutdownServer(shutdownCtx, opsServer, log)
				return
			}

		case <-engine.Done():
			err := engine.Err()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			shutdownServer(shutdownCtx, opsServer, log)
			shutdownCancel()
			if err != nil {
				log.Error("bridge terminated", "error", err)
				_ = log.Sync()
				os.Exit(exitFatal)
			}
			return
		}
	}
}

func newSink(cfg *config.Config, log *logger.Logger) (relay.Sink, error) {
	switch cfg.Destination.Driver {
	case config.DriverNATS:
		return nats.NewSink(cfg, log.With("endpoint", relay.EndpointSink)), nil
	default:
		sink, err := kafka.NewSink(cfg, log.With("endpoint", relay.EndpointSink))
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
}

func shutdownServer(ctx context.Context, srv *http.Server, log *logger.Logger) {
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("failed to shutdown metrics server", "error", err)
	}
}
