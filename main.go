package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appconfig "tickflow/config"
	"tickflow/internal/adapter"
	"tickflow/internal/adapter/binance"
	"tickflow/internal/adapter/okx"
	"tickflow/internal/auth"
	"tickflow/internal/bus"
	"tickflow/internal/dashboard"
	"tickflow/internal/metrics"
	"tickflow/internal/registry"
	"tickflow/internal/session"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(appconfig.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}

	eventBus := bus.New(cfg.Bus.StreamBuffer)
	reg := registry.New()

	validator, err := auth.New(cfg.Auth)
	if err != nil {
		log.WithError(err).Error("failed to build auth validator")
		os.Exit(1)
	}

	feeds := make([]*adapter.Feed, 0, len(cfg.Brokers))
	brokerStatuses := make([]dashboard.BrokerStatus, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		var driver adapter.Driver
		switch broker.Driver {
		case "binance":
			driver = binance.New(broker)
		case "okx":
			driver = okx.New(broker)
		default:
			log.WithFields(logger.Fields{"driver": broker.Driver}).Error("unknown broker driver")
			os.Exit(1)
		}
		feed := adapter.NewFeed(broker, driver, eventBus, reg)
		reg.RegisterUpstream(feed)
		feeds = append(feeds, feed)
		brokerStatuses = append(brokerStatuses, feed)
	}

	sessionServer := session.NewServer(cfg.Server, reg, eventBus, validator)

	for _, feed := range feeds {
		if err := feed.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start broker feed")
			os.Exit(1)
		}
	}
	if err := sessionServer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start session server")
		os.Exit(1)
	}

	dashboardServer := dashboard.NewServer(cfg.Dashboard, reg, brokerStatuses, sessionServer)
	if dashboardServer != nil {
		go func() {
			if err := dashboardServer.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server exited")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping session server")
		sessionServer.Stop()
		log.Info("stopping broker feeds")
		for _, feed := range feeds {
			feed.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
}
