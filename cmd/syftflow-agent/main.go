package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/syftflow/syftflow/pkg/cmd"
	"github.com/syftflow/syftflow/pkg/log"
	"github.com/syftflow/syftflow/pkg/otelhelper"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("agent")

	command := &cli.Command{
		Name:                  "syftflow-agent",
		Usage:                 "Run the multiparty flow agent for one datasite",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "identity",
				Usage:    "Datasite identity this agent acts as (an email)",
				Required: true,
				Sources:  cli.EnvVars("SYFTFLOW_IDENTITY"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "store-root",
				Usage:    "Root directory of the synced datasite store",
				Required: true,
				Sources:  cli.EnvVars("SYFTFLOW_STORE_ROOT"),
			},
			&cli.StringFlag{
				Name:    "modules-root",
				Usage:   "Directory containing runnable modules",
				Value:   "./modules",
				Sources: cli.EnvVars("SYFTFLOW_MODULES_ROOT"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Store reconciliation interval (clamped to 5s-15s)",
				Value:   10 * time.Second,
				Sources: cli.EnvVars("SYFTFLOW_POLL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing syftflow agent",
				"identity", command.String("identity"))

			serviceID := fmt.Sprintf("agent-%s", uuid.New().String()[:8])

			tracer, err := otelhelper.NewTracer(ctx, "syftflow-agent")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to initialize persistence: %w", err)
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			registry := cmd.NewRunnerRegistry(logger)

			moduleRunner, err := registry.Create("exec", map[string]any{
				"modules_root": command.String("modules-root"),
			})
			if err != nil {
				return fmt.Errorf("failed to create module runner: %w", err)
			}

			agent := NewAgent(AgentConfig{
				ServiceID:    serviceID,
				Identity:     command.String("identity"),
				StoreRoot:    command.String("store-root"),
				PollInterval: command.Duration("poll-interval"),
				Persistence:  persistence,
				Runner:       moduleRunner,
				Bus:          eventBus,
				Tracer:       tracer,
			})

			agent.StartPolling(ctx)

			if err := agent.Listen(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "API server stopped", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
