// Package main provides the syftflow CLI for validating and planning flow
// documents without a running agent.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/syftflow/syftflow/pkg/flowspec"
	"github.com/syftflow/syftflow/pkg/graph"
	"github.com/syftflow/syftflow/pkg/groups"
	"github.com/syftflow/syftflow/pkg/log"
	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/plan"
)

func main() {
	command := &cli.Command{
		Name:                  "syftflow",
		Usage:                 "Validate and plan multiparty flow documents",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			newValidateCommand(),
			newPlanCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Parse and validate a flow document",
		ArgsUsage: "<flow.yaml>",
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("a flow document path is required")
			}

			doc, err := flowspec.LoadFile(path)
			if err != nil {
				return err
			}

			if _, err := graph.Build(&doc.Flow.Spec); err != nil {
				return err
			}

			fmt.Printf("%s: valid (%d steps)\n", doc.Flow.Metadata.Name, len(doc.Flow.Spec.Steps))

			return nil
		},
	}
}

func newPlanCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Aliases:   []string{"p"},
		Usage:     "Show the per-party execution plan for a flow document",
		ArgsUsage: "<flow.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "identity",
				Usage:    "Datasite identity to plan for (an email)",
				Required: true,
				Sources:  cli.EnvVars("SYFTFLOW_IDENTITY"),
			},
			&cli.StringSliceFlag{
				Name:    "participant",
				Aliases: []string{"P"},
				Usage:   "Roster entry as email=role, repeatable",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("a flow document path is required")
			}

			participants, err := parseParticipants(command.StringSlice("participant"))
			if err != nil {
				return err
			}

			doc, err := flowspec.LoadFile(path)
			if err != nil {
				return err
			}

			g, err := graph.Build(&doc.Flow.Spec)
			if err != nil {
				return err
			}

			identity := command.String("identity")
			gm := groups.Resolve(&doc.Flow.Spec, participants)
			executionPlan := plan.For(identity, g, &doc.Flow.Spec, gm)

			printPlan(doc.Flow.Metadata.Name, identity, g, executionPlan)

			return nil
		},
	}
}

func parseParticipants(entries []string) ([]models.Participant, error) {
	participants := make([]models.Participant, 0, len(entries))

	for _, entry := range entries {
		email, role, ok := strings.Cut(entry, "=")
		if !ok || email == "" || role == "" {
			return nil, fmt.Errorf("invalid participant %q, expected email=role", entry)
		}

		participants = append(participants, models.Participant{
			Email:  email,
			Role:   role,
			Status: models.ParticipantJoined,
		})
	}

	if len(participants) == 0 {
		return nil, fmt.Errorf("at least one --participant is required")
	}

	return participants, nil
}

func printPlan(flowName, identity string, g *graph.Graph, executionPlan *plan.ExecutionPlan) {
	fmt.Printf("flow: %s\nidentity: %s\n\n", flowName, identity)

	for _, stepID := range g.Order {
		view := "view-only"
		if executionPlan.IsMine(stepID) {
			view = "mine"
		}

		fmt.Printf("  %-24s %-10s targets: %s\n",
			stepID, view, strings.Join(executionPlan.StepTargets(stepID), ", "))
	}
}
