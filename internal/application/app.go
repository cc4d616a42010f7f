package application

import (
	"context"
	"fmt"
	"os"
	"sync"

	"roombooking/internal/application/common"
	"roombooking/internal/application/repo"
	"roombooking/internal/application/service"
	use_cases "roombooking/internal/application/use-cases"
	"roombooking/internal/controllers/cron"
	"roombooking/internal/controllers/handler"
	"roombooking/internal/controllers/listener"
	"roombooking/internal/transport/mailer"
	"roombooking/internal/transport/producer"
	"roombooking/pkg/broker"
	"roombooking/pkg/config"
	"roombooking/pkg/db"
	"roombooking/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type App struct {
	conf           *config.Config
	logger         *zap.SugaredLogger
	httpServer     *fiber.App
	kafka          *broker.KafkaBroker
	cronController *cron.Controller
	background     sync.WaitGroup
}

// NewApp wires the service and starts its background loops: the dispatcher, the cron
// status job and, when kafkaBroker is not nil, the requeue command consumer. They all
// stop when ctx is done.
func NewApp(
	ctx context.Context,
	conf *config.Config,
	logger *zap.SugaredLogger,
	postgres *db.Postgres,
	httpServer *fiber.App,
	kafkaBroker *broker.KafkaBroker,
	sender mailer.Sender,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics) (*App, error) {
	logger.Infof("starting room booking service version %s", common.Version)

	if conf.Outbox.WorkerID == "" {
		conf.Outbox.WorkerID = defaultWorkerID()
	}

	store := repo.NewRepo(postgres, logger)
	tx := repo.NewTransactions(store, logger)

	var (
		kafkaProducer producer.Producer
		publisher     service.DeliveryPublisher
	)
	if kafkaBroker != nil {
		p := producer.NewProducer(kafkaBroker, logger, conf.Broker.Kafka.MaxAttempts, m)
		kafkaProducer, publisher = p, p
	}

	srv := service.NewService(store, tx, kafkaProducer, logger, conf.Outbox, m)
	dispatcher := service.NewDispatcher(store, sender, publisher, conf.Outbox, conf.Mail, m, logger)
	uc := use_cases.NewUseCase(srv, dispatcher, logger, conf, m)

	h := handler.NewBookingHandler(uc, logger)
	handler.NewRouter(h, httpServer, conf, gatherer, logger).RegisterRouter()

	cronController := cron.NewController(ctx, logger)
	if err := cronController.RegisterOutboxStatusJob(uc, conf.Cron); err != nil {
		return nil, err
	}
	cronController.Start()

	app := &App{
		conf:           conf,
		logger:         logger,
		httpServer:     httpServer,
		kafka:          kafkaBroker,
		cronController: cronController,
	}

	app.background.Add(1)
	go func() {
		defer app.background.Done()
		uc.RunDispatcher(ctx)
	}()

	if kafkaBroker != nil {
		app.background.Add(1)
		go func() {
			defer app.background.Done()
			app.runConsumer(ctx, uc, m)
		}()
	}

	return app, nil
}

func (a *App) Run() error {
	return a.httpServer.Listen(fmt.Sprintf(":%s", a.conf.Server.Port))
}

// Shutdown stops intake first, then waits for the background loops: the dispatcher
// returns once in-flight sends are recorded.
func (a *App) Shutdown() error {
	err := a.httpServer.Shutdown()

	if a.cronController != nil {
		a.cronController.Stop()
	}
	a.background.Wait()

	if a.kafka != nil {
		if kerr := a.kafka.Close(); kerr != nil {
			a.logger.Warnf("closing kafka clients: %v", kerr)
		}
	}
	return err
}

func (a *App) runConsumer(ctx context.Context, usecase use_cases.UseCaser, m *metrics.Metrics) {
	a.logger.Infof("starting consumer for topic %s", a.kafka.ConsumerTopic)

	consumer := listener.NewKafkaBrokerConsumer(usecase, a.logger, m)

	for {
		// Consume returns on every rebalance and must be called again
		err := a.kafka.ConsumerGroup.Consume(ctx, []string{a.kafka.ConsumerTopic}, consumer)
		if err != nil {
			a.logger.Errorf("consumer error: %v", err)
		}
		if ctx.Err() != nil {
			a.logger.Info("consumer stopped")
			return
		}
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
