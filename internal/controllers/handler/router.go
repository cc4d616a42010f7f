package handler

import (
	"roombooking/pkg/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Router struct {
	handler  Handler
	app      *fiber.App
	conf     *config.Config
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger
}

func NewRouter(handler Handler, app *fiber.App, conf *config.Config, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) *Router {
	return &Router{
		logger:   logger,
		app:      app,
		conf:     conf,
		gatherer: gatherer,
		handler:  handler,
	}
}

func (r *Router) RegisterRouter() {
	r.app.Get("/health", r.handler.HealthCheck)
	r.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	bookings := r.app.Group("/bookings")
	bookings.Post("", r.handler.CreateBooking)
	bookings.Get("/conflicts", r.handler.CheckConflict)
	bookings.Delete("/:id", r.handler.CancelBooking)

	outbox := r.app.Group("/outbox")
	outbox.Get("/failed", r.handler.ListFailedJobs)
	outbox.Post("/:id/requeue", r.handler.RequeueJob)
}
