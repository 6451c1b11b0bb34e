package aggregation

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/posledger/posledger/internal/platform/httpx"
)

// Enqueuer hands an aggregation run to the background worker.
type Enqueuer interface {
	EnqueueAggregate(ctx context.Context, batchID uuid.UUID, branchHint string) (string, error)
}

// Handler wires HTTP endpoints for batch aggregation.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	enqueuer  Enqueuer
	validator *validator.Validate
}

// NewHandler constructs a Handler instance. enqueuer may be nil; async
// requests are then rejected.
func NewHandler(logger *slog.Logger, service *Service, enqueuer Enqueuer) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		enqueuer:  enqueuer,
		validator: validator.New(),
	}
}

// MountRoutes registers aggregation routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/batches/{id}/aggregate", h.aggregateBatch)
}

type aggregateRequest struct {
	BranchHint string `json:"branchHint" validate:"omitempty,max=120"`
	Async      bool   `json:"async"`
}

type enqueuedResponse struct {
	TaskID string `json:"taskId"`
}

func (h *Handler) aggregateBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", "batch id must be a UUID")
		return
	}

	var req aggregateRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation failed", "malformed request body")
			return
		}
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	if req.Async {
		if h.enqueuer == nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "Worker unavailable", "background aggregation is not configured")
			return
		}
		taskID, err := h.enqueuer.EnqueueAggregate(r.Context(), batchID, req.BranchHint)
		if err != nil {
			h.logger.Error("enqueue aggregation", slog.Any("error", err))
			httpx.Error(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, enqueuedResponse{TaskID: taskID})
		return
	}

	summary, err := h.service.Aggregate(r.Context(), batchID, Options{BranchHint: req.BranchHint})
	if err != nil {
		h.logger.Error("aggregate batch",
			slog.String("batch_id", batchID.String()), slog.Any("error", err))
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}
