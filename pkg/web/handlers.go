package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/syftflow/syftflow/pkg/flowspec"
	"github.com/syftflow/syftflow/pkg/session"
)

type APIHandlers struct {
	sessions  *session.Manager
	validator *validator.Validate
	health    func(fiber.Ctx) (string, bool)
}

func NewAPIHandlers(sessions *session.Manager, validator *validator.Validate, health func(fiber.Ctx) (string, bool)) *APIHandlers {
	return &APIHandlers{
		sessions:  sessions,
		validator: validator,
		health:    health,
	}
}

// Register mounts every route on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)
	app.Post("/runs", h.StartRun)
	app.Get("/runs", h.ListActiveSessions)
	app.Post("/runs/join", h.JoinRun)
	app.Get("/runs/:id", h.GetRunState)
	app.Get("/runs/:id/progress", h.GetParticipantProgress)
	app.Post("/runs/:id/steps/:stepId/run", h.RunStep)
	app.Post("/runs/:id/steps/:stepId/share", h.ShareStepOutputs)
	app.Post("/runs/:id/participants/:email/invite", h.InviteParticipant)
	app.Post("/runs/:id/participants/:email/accept", h.AcceptParticipant)
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	doc, err := flowspec.Load([]byte(req.Flow))
	if err != nil {
		return badRequest(c, err.Error())
	}

	runID, err := h.sessions.StartRun(c.Context(), doc, toParticipants(req.Participants), req.Inputs)
	if err != nil {
		return handleSessionError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(StartRunResponse{RunID: runID})
}

func (h *APIHandlers) JoinRun(c fiber.Ctx) error {
	var req JoinRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	runID := c.Query("run_id")
	if runID == "" {
		return badRequest(c, "run_id query parameter is required")
	}

	err := h.sessions.JoinRun(c.Context(), req.Host, req.FlowName, runID, toParticipants(req.Participants), req.Inputs)
	if err != nil {
		return handleSessionError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(StartRunResponse{RunID: runID})
}

func (h *APIHandlers) GetRunState(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	state, err := h.sessions.RunState(id)
	if err != nil {
		return handleSessionError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) ListActiveSessions(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"runs": h.sessions.ListActiveSessions(),
	})
}

func (h *APIHandlers) RunStep(c fiber.Ctx) error {
	id, stepID := c.Params("id"), c.Params("stepId")
	if id == "" || stepID == "" {
		return badRequest(c, "Run ID and step ID are required")
	}

	if err := h.sessions.RunStep(c.Context(), id, stepID); err != nil {
		return handleSessionError(c, err)
	}

	state, err := h.sessions.RunState(id)
	if err != nil {
		return handleSessionError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) ShareStepOutputs(c fiber.Ctx) error {
	id, stepID := c.Params("id"), c.Params("stepId")
	if id == "" || stepID == "" {
		return badRequest(c, "Run ID and step ID are required")
	}

	if err := h.sessions.ShareStepOutputs(c.Context(), id, stepID); err != nil {
		return handleSessionError(c, err)
	}

	state, err := h.sessions.RunState(id)
	if err != nil {
		return handleSessionError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) GetParticipantProgress(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	progress, err := h.sessions.AllParticipantProgress(c.Context(), id)
	if err != nil {
		return handleSessionError(c, err)
	}

	return c.JSON(fiber.Map{"participants": progress})
}

func (h *APIHandlers) InviteParticipant(c fiber.Ctx) error {
	id, email := c.Params("id"), c.Params("email")
	if id == "" || email == "" {
		return badRequest(c, "Run ID and participant email are required")
	}

	if err := h.sessions.Invite(c.Context(), id, email); err != nil {
		return handleSessionError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) AcceptParticipant(c fiber.Ctx) error {
	id, email := c.Params("id"), c.Params("email")
	if id == "" || email == "" {
		return badRequest(c, "Run ID and participant email are required")
	}

	if err := h.sessions.Accept(c.Context(), id, email); err != nil {
		return handleSessionError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "syftflow API is healthy"
	httpStatus := http.StatusOK

	var detail string

	if h.health != nil {
		var ok bool

		detail, ok = h.health(c)
		if !ok {
			status = "unhealthy"
			message = "syftflow API is unhealthy"
			httpStatus = http.StatusInternalServerError
		}
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": detail,
		},
		"timestamp": time.Now().UTC(),
	})
}
