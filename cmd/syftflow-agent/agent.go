// Package main provides the syftflow agent: the per-datasite process that
// hosts the run coordinator and its HTTP API.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/syftflow/syftflow/pkg/eventbus"
	"github.com/syftflow/syftflow/pkg/log"
	"github.com/syftflow/syftflow/pkg/persistence"
	"github.com/syftflow/syftflow/pkg/runner"
	"github.com/syftflow/syftflow/pkg/session"
	"github.com/syftflow/syftflow/pkg/store"
	"github.com/syftflow/syftflow/pkg/web"
)

type AgentConfig struct {
	ServiceID    string
	Identity     string
	StoreRoot    string
	PollInterval time.Duration
	Persistence  persistence.Persistence
	Runner       runner.Runner
	Bus          eventbus.EventBus
	Tracer       trace.Tracer
}

type Agent struct {
	serviceID   string
	logger      *slog.Logger
	persistence persistence.Persistence
	sessions    *session.Manager
	validate    *validator.Validate
}

func NewAgent(cfg AgentConfig) *Agent {
	sessions := session.NewManager(session.Config{
		Identity:     cfg.Identity,
		Persistence:  cfg.Persistence,
		Store:        store.NewFilesystemStore(cfg.StoreRoot),
		Runner:       cfg.Runner,
		Bus:          cfg.Bus,
		PollInterval: cfg.PollInterval,
		Tracer:       cfg.Tracer,
	})

	return &Agent{
		serviceID:   cfg.ServiceID,
		logger:      log.WithModule("agent").With("service_id", cfg.ServiceID),
		persistence: cfg.Persistence,
		sessions:    sessions,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// StartPolling launches the cross-party reconciliation loop.
func (a *Agent) StartPolling(ctx context.Context) {
	a.sessions.Start(ctx)
}

func (a *Agent) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.sessions, a.validate, func(c fiber.Ctx) (string, bool) {
		if err := a.persistence.HealthCheck(c.Context()); err != nil {
			return "Persistence layer is unhealthy: " + err.Error(), false
		}

		return "Persistence layer is healthy", true
	})

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("syftflow agent")
	})

	handlers.Register(app)

	return app
}

func (a *Agent) Listen(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
