package httpserver

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"roombooking/internal/appers"
	"roombooking/pkg/config"
	"roombooking/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// unmatchedPath labels requests that hit no route, so scanners cannot blow up label cardinality.
const unmatchedPath = "unmatched"

func NewFiber(conf config.Config, m *metrics.Metrics) *fiber.App {
	app := fiber.New(
		fiber.Config{
			ReadBufferSize: 1024 * 100,
			BodyLimit:      conf.Server.BodyLimit,
			ErrorHandler:   errorHandler,
		},
	)

	app.Use(
		cors.New(cors.Config{
			AllowOrigins:  "*",
			AllowHeaders:  "Origin, Content-Type, Accept, X-User-ID",
			ExposeHeaders: "Authorization",
		}),
		recover.New(recover.Config{EnableStackTrace: true}),
		logger.New(),
	)

	if m != nil {
		app.Use(metricsMiddleware(m))
	}

	return app
}

// errorHandler renders errors that escaped the handlers: fiber's own (404, 405, body
// limit) keep their status, the rest go through SanitizeError.
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"message": fe.Message,
		})
	}
	return appers.SanitizeError(c, err)
}

func metricsMiddleware(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := unmatchedPath
		method := strings.ToUpper(c.Method())
		if r := c.Route(); r != nil && r.Path != "" && r.Path != "/" {
			path = r.Path
			if r.Method != "" && r.Method != "USE" {
				method = r.Method
			}
		}

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else if status < fiber.StatusBadRequest {
				status = fiber.StatusInternalServerError
			}
		}

		statusStr := strconv.Itoa(status)
		m.API.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
		m.API.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(time.Since(start).Seconds())
		return err
	}
}
