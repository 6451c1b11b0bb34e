// Package aggregation folds raw POS import lines into aggregated
// transactions, one per (sales date, branch, payment method) group per batch.
// The run is idempotent: a group whose source identity already exists is
// skipped, and the store's unique index settles insert races.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/aggregates"
	"github.com/posledger/posledger/internal/observability"
	"github.com/posledger/posledger/internal/posimport"
	"github.com/posledger/posledger/internal/refdata"
	"github.com/posledger/posledger/internal/shared"
)

// unknownSentinel keeps grouping total when a line misses its branch or
// payment method.
const unknownSentinel = "unknown"

const defaultChunkSize = 200

// MethodResolver is the slice of the reference-data resolver this engine
// consumes.
type MethodResolver interface {
	ResolveMethodsByName(ctx context.Context, names []string) (map[string]refdata.Resolution, error)
}

// Progress reports incremental totals for long-running batches.
type Progress func(current, total, created, skipped, failed int)

// Options tunes a single aggregation run.
type Options struct {
	// BranchHint restricts the run to lines of one branch when set.
	BranchHint string
	Progress   Progress
}

// GroupError names one group that could not be aggregated.
type GroupError struct {
	SourceRef string `json:"sourceRef"`
	Reason    string `json:"reason"`
}

// Summary is the structured outcome of one run. Every group is accounted
// for: Created + Skipped + Failed == Total.
type Summary struct {
	Total   int          `json:"total"`
	Created int          `json:"created"`
	Skipped int          `json:"skipped"`
	Failed  int          `json:"failed"`
	Errors  []GroupError `json:"errors,omitempty"`
}

// Config tunes the engine.
type Config struct {
	// ChunkSize bounds how many groups are persisted between progress reports.
	ChunkSize int
}

// Service is the aggregation engine.
type Service struct {
	lines    posimport.Repository
	store    aggregates.Repository
	resolver MethodResolver
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewService constructs the engine.
func NewService(lines posimport.Repository, store aggregates.Repository, resolver MethodResolver,
	cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{lines: lines, store: store, resolver: resolver, cfg: cfg, logger: logger, metrics: metrics}
}

// group is one (date, branch, payment method) partition of a batch.
type group struct {
	key           string
	sourceRef     string
	date          time.Time
	branch        string
	paymentMethod string
	lines         []posimport.Line
}

// Aggregate runs the engine for one batch. A missing batch is fatal; any
// per-group failure is isolated and recorded, so every group ends created,
// skipped or failed.
func (s *Service) Aggregate(ctx context.Context, batchID uuid.UUID, opts Options) (Summary, error) {
	if _, err := s.lines.GetBatch(ctx, batchID); err != nil {
		return Summary{}, err
	}
	lines, err := s.lines.FetchLines(ctx, batchID)
	if err != nil {
		return Summary{}, err
	}

	groups := partition(lines, opts.BranchHint)
	summary := Summary{Total: len(groups)}
	if len(groups) == 0 {
		s.finishBatch(ctx, batchID, summary)
		return summary, nil
	}

	resolved, err := s.resolver.ResolveMethodsByName(ctx, methodNames(groups))
	if err != nil {
		return Summary{}, err
	}

	report := func(current int) {
		if opts.Progress != nil {
			opts.Progress(current, summary.Total, summary.Created, summary.Skipped, summary.Failed)
		}
	}
	for i, g := range groups {
		s.aggregateGroup(ctx, batchID, g, resolved, &summary)
		if (i+1)%s.cfg.ChunkSize == 0 {
			report(i + 1)
		}
	}
	report(summary.Total)

	s.finishBatch(ctx, batchID, summary)
	return summary, nil
}

func (s *Service) aggregateGroup(ctx context.Context, batchID uuid.UUID, g group,
	resolved map[string]refdata.Resolution, summary *Summary) {
	exists, err := s.store.SourceExists(ctx, aggregates.SourceTypePOS, batchID, g.sourceRef)
	if err != nil {
		s.recordFailure(ctx, batchID, g, summary, err.Error())
		return
	}
	if exists {
		summary.Skipped++
		s.metrics.RecordGroupOutcome("skipped")
		return
	}

	res, ok := resolved[refdata.NormalizeName(g.paymentMethod)]
	if !ok {
		s.recordFailure(ctx, batchID, g, summary,
			fmt.Sprintf("payment method %q could not be resolved", g.paymentMethod))
		return
	}

	tx := buildTransaction(batchID, g, res.ID)
	if err := s.store.Create(ctx, &tx); err != nil {
		if errors.Is(err, shared.ErrDuplicateSource) {
			// Lost the insert race; the constraint is the authority, so the
			// group counts as a duplicate skip.
			summary.Skipped++
			s.metrics.RecordGroupOutcome("skipped")
			return
		}
		s.recordFailure(ctx, batchID, g, summary, err.Error())
		return
	}
	summary.Created++
	s.metrics.RecordGroupOutcome("created")
}

// recordFailure persists a FAILED marker row so the group is never dropped
// silently. The marker write itself is best-effort: a batch rerun will visit
// the group again either way.
func (s *Service) recordFailure(ctx context.Context, batchID uuid.UUID, g group, summary *Summary, reason string) {
	summary.Failed++
	summary.Errors = append(summary.Errors, GroupError{SourceRef: g.sourceRef, Reason: reason})
	s.metrics.RecordGroupOutcome("failed")
	s.logger.Error("aggregation group failed",
		slog.String("batch_id", batchID.String()),
		slog.String("source_ref", g.sourceRef),
		slog.String("reason", reason))

	tx := buildTransaction(batchID, g, 0)
	if err := s.store.CreateFailed(ctx, &tx, reason); err != nil {
		s.logger.Warn("could not persist failed group marker",
			slog.String("source_ref", g.sourceRef), slog.Any("error", err))
	}
}

func (s *Service) finishBatch(ctx context.Context, batchID uuid.UUID, summary Summary) {
	var err error
	if summary.Total > 0 && summary.Failed == summary.Total {
		err = s.lines.MarkBatchFailed(ctx, batchID, fmt.Sprintf("all %d groups failed", summary.Total))
	} else {
		err = s.lines.MarkBatchMapped(ctx, batchID)
	}
	if err != nil {
		s.logger.Warn("could not update batch status",
			slog.String("batch_id", batchID.String()), slog.Any("error", err))
	}
}

// partition groups lines by (sales date, branch, payment method), substituting
// sentinels so the grouping is total, and returns groups in deterministic key
// order.
func partition(lines []posimport.Line, branchHint string) []group {
	byKey := make(map[string]*group)
	hint := refdata.NormalizeName(branchHint)
	for _, l := range lines {
		branch := strings.TrimSpace(l.Branch)
		if branch == "" {
			branch = unknownSentinel
		}
		if hint != "" && refdata.NormalizeName(branch) != hint {
			continue
		}
		method := strings.TrimSpace(l.PaymentMethod)
		if method == "" {
			method = unknownSentinel
		}
		date := l.SalesDate.Format("2006-01-02")
		key := date + "|" + branch + "|" + method
		g, ok := byKey[key]
		if !ok {
			g = &group{
				key:           key,
				sourceRef:     strings.ReplaceAll(key, "|", "-"),
				date:          l.SalesDate,
				branch:        branch,
				paymentMethod: method,
			}
			byKey[key] = g
		}
		g.lines = append(g.lines, l)
	}

	groups := make([]group, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].key < groups[j].key })
	return groups
}

func methodNames(groups []group) []string {
	seen := make(map[string]struct{}, len(groups))
	var names []string
	for _, g := range groups {
		if _, ok := seen[g.paymentMethod]; ok {
			continue
		}
		seen[g.paymentMethod] = struct{}{}
		names = append(names, g.paymentMethod)
	}
	return names
}

func buildTransaction(batchID uuid.UUID, g group, paymentMethodID int64) aggregates.Transaction {
	var gross, discount, tax, svc, net decimal.Decimal
	for _, l := range g.lines {
		gross = gross.Add(l.Subtotal)
		discount = discount.Add(l.Discount).Add(l.BillDiscount)
		tax = tax.Add(l.Tax)
		svc = svc.Add(l.ServiceCharge)
		net = net.Add(l.EffectiveTotal())
	}
	// Exports often carry a bill discount only inside
	// total_after_bill_discount, not in the discount columns. Fold that
	// remainder into the discount so net = gross - discount + tax + service
	// charge holds for the row as stored.
	if implied := gross.Sub(discount).Add(tax).Add(svc).Sub(net); !implied.IsZero() {
		discount = discount.Add(implied)
	}
	tx := aggregates.Transaction{
		SourceType:      aggregates.SourceTypePOS,
		SourceID:        batchID,
		SourceRef:       g.sourceRef,
		TransactionDate: g.date,
		PaymentMethodID: paymentMethodID,
		GrossAmount:     gross,
		DiscountAmount:  discount,
		TaxAmount:       tax,
		ServiceCharge:   svc,
		NetAmount:       net,
		Currency:        aggregates.DefaultCurrency,
	}
	if g.branch != unknownSentinel {
		branch := g.branch
		tx.BranchName = &branch
	}
	return tx
}
