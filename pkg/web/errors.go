package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/syftflow/syftflow/pkg/flowspec"
	"github.com/syftflow/syftflow/pkg/graph"
	"github.com/syftflow/syftflow/pkg/session"
	"github.com/syftflow/syftflow/pkg/state"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleSessionError maps engine errors onto problem responses.
func handleSessionError(c fiber.Ctx, err error) error {
	var (
		validationErrs *flowspec.ValidationErrors
		cycleErr       *graph.CycleError
	)

	switch {
	case errors.Is(err, session.ErrRunNotFound):
		return notFound(c, "run not found")

	case errors.Is(err, state.ErrUnknownStep):
		return notFound(c, err.Error())

	case errors.Is(err, session.ErrNotParticipant):
		return notFound(c, err.Error())

	case errors.Is(err, state.ErrStepNotReady):
		return conflict(c, err.Error())

	case errors.As(err, &validationErrs), errors.As(err, &cycleErr):
		return badRequest(c, err.Error())

	default:
		return internalError(c, err)
	}
}
