// Command casework runs the compliance case and alert escalation engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/finsentry/casework/internal/alerting"
	"github.com/finsentry/casework/internal/api"
	"github.com/finsentry/casework/internal/audit"
	"github.com/finsentry/casework/internal/casework"
	"github.com/finsentry/casework/internal/config"
	"github.com/finsentry/casework/internal/events"
	"github.com/finsentry/casework/internal/messaging"
	"github.com/finsentry/casework/internal/metrics"
	"github.com/finsentry/casework/internal/schedule"
)

// retentionSweepInterval is how often resolved alerts are checked against the
// retention window.
const retentionSweepInterval = time.Hour

func main() {
	configPath := flag.String("config", "configs/casework.yaml", "path to the configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg := config.Default()
	if _, statErr := os.Stat(*configPath); statErr == nil {
		cfg, err = config.Load(*configPath)
		if err != nil {
			sugar.Fatalw("Failed to load configuration", "path", *configPath, "error", err)
		}
		sugar.Infow("Configuration loaded", "path", *configPath)
	} else {
		sugar.Warnw("Config file not found, using defaults", "path", *configPath)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	clock := schedule.NewClock()
	bus := events.NewBus(sugar)
	trail := audit.NewLogTrail(sugar)

	var publisher *messaging.KafkaPublisher
	if cfg.Kafka.Enabled {
		publisher = messaging.NewKafkaPublisher(cfg.Kafka, sugar)
		bus.Subscribe(publisher)
		sugar.Infow("Kafka event publishing enabled",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic)
	}

	chains := schedule.NewChainRunner(clock, sugar)
	dispatcher, err := alerting.NewDispatcher(cfg.Alerting, clock, chains, bus, m, trail, sugar)
	if err != nil {
		sugar.Fatalw("Failed to build alert dispatcher", "error", err)
	}

	store := casework.NewCaseStore(sugar)
	service := casework.NewCaseService(cfg.Engine, store, dispatcher, bus, m, trail, clock, sugar)
	service.StartSweep()

	retentionStop := make(chan struct{})
	scheduleRetention(clock, dispatcher, retentionStop)

	server := api.NewServer(service, dispatcher, registry, logger)
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		go func() { serverErr <- server.Start(cfg.Server.Addr) }()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		sugar.Infow("Shutdown signal received", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			sugar.Errorw("API server failed", "error", err)
		}
	}

	close(retentionStop)
	service.StopSweep()
	chains.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		sugar.Warnw("API server shutdown failed", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			sugar.Warnw("Kafka publisher close failed", "error", err)
		}
	}
	sugar.Infow("Casework engine stopped")
}

// scheduleRetention runs the alert retention sweep on a fixed interval until
// the stop channel closes.
func scheduleRetention(clock schedule.Clock, dispatcher *alerting.Dispatcher, stop chan struct{}) {
	clock.AfterFunc(retentionSweepInterval, func() {
		select {
		case <-stop:
			return
		default:
		}
		dispatcher.SweepRetention()
		scheduleRetention(clock, dispatcher, stop)
	})
}
