package journalgen

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/posledger/posledger/internal/platform/httpx"
)

// Enqueuer hands a generation run to the background worker.
type Enqueuer interface {
	EnqueueJournals(ctx context.Context, companyID uuid.UUID, filters Filters) (string, error)
}

// Handler wires HTTP endpoints for journal generation.
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

// MountRoutes registers journal routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/journals/generate", h.generateJournals)
}

type generateRequest struct {
	CompanyID       string   `json:"companyId" validate:"required,uuid4"`
	DateFrom        string   `json:"dateFrom" validate:"omitempty,datetime=2006-01-02"`
	DateTo          string   `json:"dateTo" validate:"omitempty,datetime=2006-01-02"`
	Branch          string   `json:"branch" validate:"omitempty,max=120"`
	PaymentMethodID int64    `json:"paymentMethodId" validate:"omitempty,min=1"`
	TransactionIDs  []string `json:"transactionIds" validate:"omitempty,dive,uuid4"`
	Async           bool     `json:"async"`
}

func (req generateRequest) filters() (Filters, error) {
	filters := Filters{
		Branch:          req.Branch,
		PaymentMethodID: req.PaymentMethodID,
	}
	if req.DateFrom != "" {
		from, err := time.Parse("2006-01-02", req.DateFrom)
		if err != nil {
			return Filters{}, err
		}
		filters.DateFrom = &from
	}
	if req.DateTo != "" {
		to, err := time.Parse("2006-01-02", req.DateTo)
		if err != nil {
			return Filters{}, err
		}
		filters.DateTo = &to
	}
	for _, raw := range req.TransactionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Filters{}, err
		}
		filters.TransactionIDs = append(filters.TransactionIDs, id)
	}
	return filters, nil
}

type enqueuedResponse struct {
	TaskID string `json:"taskId"`
}

func (h *Handler) generateJournals(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}
	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", "company id must be a UUID")
		return
	}
	filters, err := req.filters()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	if req.Async {
		if h.enqueuer == nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "Worker unavailable", "background generation is not configured")
			return
		}
		taskID, err := h.enqueuer.EnqueueJournals(r.Context(), companyID, filters)
		if err != nil {
			h.logger.Error("enqueue journal generation", slog.Any("error", err))
			httpx.Error(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, enqueuedResponse{TaskID: taskID})
		return
	}

	results, err := h.service.Generate(r.Context(), companyID, filters)
	if err != nil {
		h.logger.Error("generate journals",
			slog.String("company_id", companyID.String()), slog.Any("error", err))
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"partitions": results})
}
