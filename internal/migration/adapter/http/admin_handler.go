package http

import (
	"context"
	stderrors "errors"

	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/migration/executor"
	"tradeya-migration/internal/migration/registry"
	"tradeya-migration/internal/migration/verifier"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/logger"

	"github.com/gofiber/fiber/v2"
)

// AdminHandler exposes the migration control surface over HTTP. It is an
// operator tool: phase transitions, backfill control, rollback. It is not on
// any application request path.
type AdminHandler struct {
	Registry  *registry.Registry
	Verifier  *verifier.Verifier
	Executor  *executor.Executor
	Cleaner   *executor.Cleaner
	Progress  repository.ProgressStore
	Snapshots repository.SnapshotStore

	Environment string
	Collections []string
	Log         logger.Logger
}

// RegisterRoutes mounts the admin API under /api/v1/migration.
func (h *AdminHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.Health)

	api := app.Group("/api/v1/migration")
	api.Get("/status", h.Status)
	api.Post("/verify", h.Verify)
	api.Post("/phase", h.SetPhase)
	api.Post("/snapshot", h.RecordSnapshot)
	api.Post("/backfill/:collection", h.StartBackfill)
	api.Post("/backfill/:collection/pause", h.PauseBackfill)
	api.Post("/cleanup/:collection", h.Cleanup)
	api.Post("/rollback", h.Rollback)
}

// Health reports process liveness.
func (h *AdminHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"phase":  h.Registry.Phase(),
	})
}

// Status returns the registry state plus per-collection backfill progress.
func (h *AdminHandler) Status(c *fiber.Ctx) error {
	state := h.Registry.Current()

	progress := make(map[string]*model.MigrationProgress, len(h.Collections))
	for _, collection := range h.Collections {
		p, err := h.Progress.Get(c.UserContext(), collection)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return h.fail(c, "status_failed", err)
		}
		progress[collection] = p
	}

	return c.JSON(fiber.Map{
		"registry": state,
		"progress": progress,
	})
}

// Verify runs the index readiness check and records the result on the
// registry.
func (h *AdminHandler) Verify(c *fiber.Ctx) error {
	result, err := h.Verifier.Verify(c.UserContext(), h.Environment)
	if err != nil {
		h.Log.Error("Verification run failed", "error", err)
		return h.fail(c, "verification_failed", err)
	}
	if err := h.Registry.RecordVerification(c.UserContext(), result); err != nil {
		return h.fail(c, "verification_record_failed", err)
	}
	status := fiber.StatusOK
	if !result.Ready {
		status = fiber.StatusPreconditionFailed
	}
	return c.Status(status).JSON(result)
}

type phaseRequest struct {
	Phase string `json:"phase"`
}

// SetPhase advances the migration phase.
func (h *AdminHandler) SetPhase(c *fiber.Ctx) error {
	var req phaseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_request_body",
			"message": "Failed to parse request body",
		})
	}
	if err := h.Registry.SetPhase(c.UserContext(), model.Phase(req.Phase)); err != nil {
		h.Log.Error("Phase transition rejected", "phase", req.Phase, "error", err)
		return h.fail(c, "phase_transition_failed", err)
	}
	h.Log.Info("Phase transition applied", "phase", req.Phase)
	return c.JSON(fiber.Map{"phase": req.Phase})
}

// RecordSnapshot stores a reference to an externally taken backup snapshot.
func (h *AdminHandler) RecordSnapshot(c *fiber.Ctx) error {
	var snapshot model.BackupSnapshot
	if err := c.BodyParser(&snapshot); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_request_body",
			"message": "Failed to parse request body",
		})
	}
	if snapshot.ID == "" || snapshot.Location == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_snapshot",
			"message": "Snapshot id and location are required",
		})
	}
	if err := h.Snapshots.Record(c.UserContext(), &snapshot); err != nil {
		return h.fail(c, "snapshot_record_failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(snapshot)
}

// StartBackfill launches the backfill for a collection in the background and
// returns immediately. Progress is available via Status and the progress
// websocket.
func (h *AdminHandler) StartBackfill(c *fiber.Ctx) error {
	collection := c.Params("collection")

	// The run outlives the HTTP request on purpose.
	runCtx := context.WithoutCancel(c.UserContext())
	go func() {
		prog, err := h.Executor.Run(runCtx, collection)
		if err != nil {
			h.Log.Error("Backfill run ended with error", "collection", collection, "error", err)
			return
		}
		h.Log.Info("Backfill run ended",
			"collection", collection, "state", prog.State, "migrated", prog.Migrated)
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"collection": collection,
		"started":    true,
	})
}

// PauseBackfill asks the running backfill to stop after its current batch.
func (h *AdminHandler) PauseBackfill(c *fiber.Ctx) error {
	collection := c.Params("collection")
	h.Executor.Pause(collection)
	h.Log.Info("Backfill pause requested", "collection", collection)
	return c.JSON(fiber.Map{
		"collection": collection,
		"pausing":    true,
	})
}

// Cleanup strips legacy fields from a fully migrated collection.
func (h *AdminHandler) Cleanup(c *fiber.Ctx) error {
	collection := c.Params("collection")
	cleaned, err := h.Cleaner.Run(c.UserContext(), collection)
	if err != nil {
		h.Log.Error("Cleanup rejected", "collection", collection, "error", err)
		return h.fail(c, "cleanup_failed", err)
	}
	return c.JSON(fiber.Map{
		"collection": collection,
		"cleaned":    cleaned,
	})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

// Rollback reverts the migration to legacy writes and legacy-first reads.
func (h *AdminHandler) Rollback(c *fiber.Ctx) error {
	var req rollbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_request_body",
			"message": "Failed to parse request body",
		})
	}
	if req.Reason == "" {
		req.Reason = "manual rollback via admin API"
	}
	if err := h.Registry.Rollback(c.UserContext(), req.Reason); err != nil {
		return h.fail(c, "rollback_failed", err)
	}
	return c.JSON(fiber.Map{
		"phase":  model.PhaseRolledBack,
		"reason": req.Reason,
	})
}

// fail maps domain errors onto HTTP responses, using the AppError's embedded
// status code when available.
func (h *AdminHandler) fail(c *fiber.Ctx, code string, err error) error {
	status := fiber.StatusInternalServerError
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.HTTPCode != 0 {
		status = appErr.HTTPCode
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": err.Error(),
	})
}
