package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"roombooking/internal/application"
	"roombooking/internal/application/common"
	"roombooking/internal/transport/mailer"
	"roombooking/pkg/broker"
	"roombooking/pkg/config"
	"roombooking/pkg/db"
	"roombooking/pkg/httpserver"
	"roombooking/pkg/metrics"
	"roombooking/pkg/observability"

	"github.com/prometheus/client_golang/prometheus"
)

// @title           Room Booking Service API
// @version         1.0
// @description     Room bookings with calendar invitations delivered through an outbox
// @BasePath /

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := observability.InitLogger(conf.LoggingLevel, common.Version)
	defer func() { _ = logger.Sync() }()

	logger.Infof("LOGGING_LEVEL = %s", conf.LoggingLevel)
	if strings.ToLower(conf.LoggingLevel) == "debug" {
		broker.EnableSaramaZapLogs(logger)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	fiberServer := httpserver.NewFiber(conf, m)

	store, err := db.NewPostgres(ctx, conf.Postgres)
	if err != nil {
		logger.Fatal(err)
	}

	sender, err := mailer.New(conf.Mail, conf.HTTPClient, logger)
	if err != nil {
		logger.Fatal(err)
	}

	var kafka *broker.KafkaBroker
	if conf.Broker.Kafka.Enabled() {
		kafka, err = broker.NewKafkaBroker(conf.Broker.Kafka, logger)
		if err != nil {
			logger.Fatal(err)
		}
	} else {
		logger.Info("kafka is not configured, delivery events and requeue commands are off")
	}

	server, err := application.NewApp(ctx, &conf, logger, store, fiberServer, kafka, sender, prometheus.DefaultGatherer, m)
	if err != nil {
		logger.Fatal(err)
	}

	logger.Infof("room booking service started, server config: %+v", conf.Server)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("error listening on %s: %v", conf.Server.Port, err)
		}
	}()

	osSignal := <-interrupt
	logger.Infof("got %v, shutting down", osSignal)

	cancel()

	if err := server.Shutdown(); err != nil {
		logger.Errorf("server %v forced to shutdown: %v", conf.Server.Port, err)
	}

	store.Close()
	logger.Infof("postgres db connection closed, shutdown done")
}
