package aggregates

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/posledger/posledger/internal/platform/httpx"
	"github.com/posledger/posledger/internal/shared"
)

// Handler wires HTTP endpoints for browsing and administering aggregated
// transactions.
type Handler struct {
	logger *slog.Logger
	repo   Repository
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, repo Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers transaction routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/aggregates", h.listUnreconciled)
	r.Delete("/aggregates/{id}", h.deleteTransaction)
	r.Post("/aggregates/{id}/cancel", h.cancelTransaction)
	r.Post("/aggregates/{id}/restore", h.restoreTransaction)
}

type transactionResponse struct {
	ID              uuid.UUID  `json:"id"`
	SourceType      string     `json:"sourceType"`
	SourceID        uuid.UUID  `json:"sourceId"`
	SourceRef       string     `json:"sourceRef"`
	TransactionDate string     `json:"transactionDate"`
	BranchName      *string    `json:"branchName"`
	PaymentMethodID int64      `json:"paymentMethodId"`
	GrossAmount     string     `json:"grossAmount"`
	DiscountAmount  string     `json:"discountAmount"`
	TaxAmount       string     `json:"taxAmount"`
	ServiceCharge   string     `json:"serviceCharge"`
	NetAmount       string     `json:"netAmount"`
	Currency        string     `json:"currency"`
	Status          Status     `json:"status"`
	JournalID       *uuid.UUID `json:"journalId,omitempty"`
	IsReconciled    bool       `json:"isReconciled"`
	Version         int64      `json:"version"`
	FailedReason    *string    `json:"failedReason,omitempty"`
}

func toResponse(tx Transaction) transactionResponse {
	return transactionResponse{
		ID:              tx.ID,
		SourceType:      tx.SourceType,
		SourceID:        tx.SourceID,
		SourceRef:       tx.SourceRef,
		TransactionDate: tx.TransactionDate.Format("2006-01-02"),
		BranchName:      tx.BranchName,
		PaymentMethodID: tx.PaymentMethodID,
		GrossAmount:     tx.GrossAmount.String(),
		DiscountAmount:  tx.DiscountAmount.String(),
		TaxAmount:       tx.TaxAmount.String(),
		ServiceCharge:   tx.ServiceCharge.String(),
		NetAmount:       tx.NetAmount.String(),
		Currency:        tx.Currency,
		Status:          tx.Status,
		JournalID:       tx.JournalID,
		IsReconciled:    tx.IsReconciled,
		Version:         tx.Version,
		FailedReason:    tx.FailedReason,
	}
}

func (h *Handler) listUnreconciled(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}
	txs, err := h.repo.FindUnreconciled(r.Context(), filter)
	if err != nil {
		h.logger.Error("list transactions", slog.Any("error", err))
		httpx.Error(w, err)
		return
	}
	items := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		items = append(items, toResponse(tx))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func filterFromQuery(r *http.Request) (Filter, error) {
	var filter Filter
	q := r.URL.Query()
	if raw := q.Get("dateFrom"); raw != "" {
		from, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return Filter{}, err
		}
		filter.DateFrom = &from
	}
	if raw := q.Get("dateTo"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return Filter{}, err
		}
		filter.DateTo = &to
	}
	filter.Branch = q.Get("branch")
	if raw := q.Get("paymentMethodId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Filter{}, err
		}
		filter.PaymentMethodID = id
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("perPage"))
	p := shared.NewPagination(page, perPage, 0)
	filter.Limit = p.PerPage
	filter.Offset = p.Offset()
	return filter, nil
}

func (h *Handler) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", "transaction id must be a UUID")
		return
	}
	if r.URL.Query().Get("hard") == "true" {
		err = h.repo.HardDeleteFailed(r.Context(), id)
	} else {
		err = h.repo.SoftDelete(r.Context(), id)
	}
	if err != nil {
		httpx.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	Version int64 `json:"version"`
}

// cancelTransaction moves a transaction to CANCELLED under optimistic
// concurrency. The caller supplies the version it last read; a stale version
// is rejected with a conflict and the row stays untouched.
func (h *Handler) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", "transaction id must be a UUID")
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", "malformed request body")
		return
	}
	if req.Version < 1 {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", "version must be at least 1")
		return
	}
	cancelled := StatusCancelled
	tx, err := h.repo.Update(r.Context(), id, Patch{Status: &cancelled}, req.Version)
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(tx))
}

func (h *Handler) restoreTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", "transaction id must be a UUID")
		return
	}
	if err := h.repo.Restore(r.Context(), id); err != nil {
		httpx.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
