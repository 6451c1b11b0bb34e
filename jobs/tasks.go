// Package jobs carries the background task surface: task payloads, the
// Asynq worker wrapper and the enqueue client.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/posledger/posledger/internal/aggregation"
	"github.com/posledger/posledger/internal/journalgen"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypePOSAggregate aggregates one import batch.
	TaskTypePOSAggregate = "pos:aggregate"
	// TaskTypePOSJournals generates journals for unreconciled transactions.
	TaskTypePOSJournals = "pos:journals"
)

// AggregatePayload describes one batch aggregation run.
type AggregatePayload struct {
	BatchID    uuid.UUID `json:"batchId"`
	BranchHint string    `json:"branchHint,omitempty"`
}

// NewAggregateTask constructs an Asynq task for batch aggregation.
func NewAggregateTask(payload AggregatePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePOSAggregate, data), nil
}

// JournalsPayload describes one journal generation run.
type JournalsPayload struct {
	CompanyID       uuid.UUID   `json:"companyId"`
	DateFrom        *time.Time  `json:"dateFrom,omitempty"`
	DateTo          *time.Time  `json:"dateTo,omitempty"`
	Branch          string      `json:"branch,omitempty"`
	PaymentMethodID int64       `json:"paymentMethodId,omitempty"`
	TransactionIDs  []uuid.UUID `json:"transactionIds,omitempty"`
}

// NewJournalsTask constructs an Asynq task for journal generation.
func NewJournalsTask(payload JournalsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePOSJournals, data), nil
}

// AggregateJob handles TaskTypePOSAggregate tasks.
type AggregateJob struct {
	service *aggregation.Service
	logger  *slog.Logger
}

// NewAggregateJob constructs an AggregateJob.
func NewAggregateJob(service *aggregation.Service, logger *slog.Logger) *AggregateJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AggregateJob{service: service, logger: logger}
}

// Handle runs one aggregation task, reporting progress to the log.
func (j *AggregateJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AggregatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	logger := j.logger.With(slog.String("batch_id", payload.BatchID.String()))
	summary, err := j.service.Aggregate(ctx, payload.BatchID, aggregation.Options{
		BranchHint: payload.BranchHint,
		Progress: func(current, total, created, skipped, failed int) {
			logger.Info("aggregation progress",
				slog.Int("current", current), slog.Int("total", total),
				slog.Int("created", created), slog.Int("skipped", skipped), slog.Int("failed", failed))
		},
	})
	if err != nil {
		return err
	}
	logger.Info("aggregation finished",
		slog.Int("total", summary.Total), slog.Int("created", summary.Created),
		slog.Int("skipped", summary.Skipped), slog.Int("failed", summary.Failed))
	return nil
}

// JournalsJob handles TaskTypePOSJournals tasks.
type JournalsJob struct {
	service *journalgen.Service
	logger  *slog.Logger
}

// NewJournalsJob constructs a JournalsJob.
func NewJournalsJob(service *journalgen.Service, logger *slog.Logger) *JournalsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalsJob{service: service, logger: logger}
}

// Handle runs one generation task.
func (j *JournalsJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload JournalsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	results, err := j.service.Generate(ctx, payload.CompanyID, journalgen.Filters{
		DateFrom:        payload.DateFrom,
		DateTo:          payload.DateTo,
		Branch:          payload.Branch,
		PaymentMethodID: payload.PaymentMethodID,
		TransactionIDs:  payload.TransactionIDs,
	})
	if err != nil {
		return err
	}
	for _, res := range results {
		attrs := []any{
			slog.String("date", res.Date.Format("2006-01-02")),
			slog.String("branch", res.Branch),
			slog.String("journal_number", res.JournalNumber),
		}
		if res.Error != "" {
			j.logger.Error("journal partition failed", append(attrs, slog.String("error", res.Error))...)
			continue
		}
		j.logger.Info("journal partition posted",
			append(attrs, slog.Int("transactions", len(res.TransactionIDs)))...)
	}
	return nil
}
