// Package journalgen turns unreconciled aggregated transactions into
// balanced journal postings, one header per (date, branch) partition,
// exactly once under concurrent runs.
package journalgen

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
	"golang.org/x/sync/errgroup"

	"github.com/posledger/posledger/internal/aggregates"
	"github.com/posledger/posledger/internal/ledger"
	"github.com/posledger/posledger/internal/observability"
	"github.com/posledger/posledger/internal/refdata"
	"github.com/posledger/posledger/internal/shared"
)

const (
	journalNumberPrefix = "RCP"
	unknownBranch       = "unknown"
	defaultParallelism  = 4
)

// Resolver is the slice of the reference-data resolver this engine consumes.
type Resolver interface {
	AccountForPaymentMethod(ctx context.Context, id int64) (uuid.UUID, error)
	SalesRevenueAccount(ctx context.Context, companyID uuid.UUID) (uuid.UUID, error)
	ResolveBranch(ctx context.Context, nameOrID string) (refdata.Branch, error)
}

// Config tunes the engine.
type Config struct {
	// Parallelism bounds how many partitions post concurrently.
	Parallelism int
}

// Service is the journal generation engine.
type Service struct {
	store    aggregates.Repository
	journals ledger.Repository
	resolver Resolver
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewService constructs the engine.
func NewService(store aggregates.Repository, journals ledger.Repository, resolver Resolver,
	cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, journals: journals, resolver: resolver, cfg: cfg, logger: logger, metrics: metrics}
}

// partition is the unit of journal creation: every candidate sharing one
// (date, branch) key.
type partition struct {
	key    string
	date   time.Time
	branch string
	txs    []aggregates.Transaction
}

// Generate selects unreconciled candidates, partitions them by (date, branch)
// and posts one balanced journal per partition. A missing company id or an
// unconfigured revenue account aborts the whole run; everything else fails
// per partition. Results come back sorted by (date, branch).
func (s *Service) Generate(ctx context.Context, companyID uuid.UUID, filters Filters) ([]PartitionResult, error) {
	if companyID == uuid.Nil {
		return nil, shared.NewValidationError("company id is required")
	}
	revenueAccount, err := s.resolver.SalesRevenueAccount(ctx, companyID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.store.FindUnreconciled(ctx, aggregates.Filter{
		DateFrom:        filters.DateFrom,
		DateTo:          filters.DateTo,
		Branch:          filters.Branch,
		PaymentMethodID: filters.PaymentMethodID,
		TransactionIDs:  filters.TransactionIDs,
	})
	if err != nil {
		return nil, err
	}
	partitions := partitionCandidates(candidates)
	if len(partitions) == 0 {
		return nil, nil
	}

	accounts, unresolvable, err := s.resolveAccounts(ctx, candidates)
	if err != nil {
		return nil, err
	}
	branchIDs := s.resolveBranches(ctx, partitions)

	results := make([]PartitionResult, len(partitions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i, p := range partitions {
		g.Go(func() error {
			results[i] = s.processPartition(gctx, companyID, p, revenueAccount,
				accounts, unresolvable, branchIDs[p.branch])
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// resolveAccounts maps every distinct payment method of the candidate set to
// its COA account. Methods without any resolution path are collected for
// exclusion; store failures abort the run.
func (s *Service) resolveAccounts(ctx context.Context, candidates []aggregates.Transaction) (map[int64]uuid.UUID, map[int64]string, error) {
	accounts := make(map[int64]uuid.UUID)
	unresolvable := make(map[int64]string)
	for _, tx := range candidates {
		id := tx.PaymentMethodID
		if _, ok := accounts[id]; ok {
			continue
		}
		if _, ok := unresolvable[id]; ok {
			continue
		}
		account, err := s.resolver.AccountForPaymentMethod(ctx, id)
		switch {
		case err == nil:
			accounts[id] = account
		case errors.Is(err, shared.ErrNoAccountLink) || errors.Is(err, shared.ErrNotFound):
			unresolvable[id] = err.Error()
		default:
			return nil, nil, err
		}
	}
	return accounts, unresolvable, nil
}

// resolveBranches maps partition branch names to branch ids where the name
// matches an active branch. Unmatched names post with a null branch id.
func (s *Service) resolveBranches(ctx context.Context, partitions []partition) map[string]*uuid.UUID {
	out := make(map[string]*uuid.UUID, len(partitions))
	for _, p := range partitions {
		if _, ok := out[p.branch]; ok {
			continue
		}
		if p.branch == unknownBranch {
			out[p.branch] = nil
			continue
		}
		branch, err := s.resolver.ResolveBranch(ctx, p.branch)
		if err != nil {
			s.logger.Warn("branch not resolvable, posting without branch id",
				slog.String("branch", p.branch), slog.Any("error", err))
			out[p.branch] = nil
			continue
		}
		id := branch.ID
		out[p.branch] = &id
	}
	return out
}

func (s *Service) processPartition(ctx context.Context, companyID uuid.UUID, p partition,
	revenueAccount uuid.UUID, accounts map[int64]uuid.UUID, unresolvable map[int64]string,
	branchID *uuid.UUID) PartitionResult {
	result := PartitionResult{Date: p.date, Branch: p.branch}

	// Group postable transactions by resolved debit account.
	perAccount := make(map[uuid.UUID]decimal.Decimal)
	var accountOrder []uuid.UUID
	var postable []uuid.UUID
	var total decimal.Decimal
	for _, tx := range p.txs {
		account, ok := accounts[tx.PaymentMethodID]
		if !ok {
			result.Excluded = append(result.Excluded, ExcludedTransaction{
				TransactionID:   tx.ID,
				PaymentMethodID: tx.PaymentMethodID,
				Reason:          unresolvable[tx.PaymentMethodID],
			})
			continue
		}
		if account == revenueAccount {
			return s.abort(result, fmt.Sprintf(
				"payment method %d resolves to the revenue account %s", tx.PaymentMethodID, account))
		}
		if _, seen := perAccount[account]; !seen {
			accountOrder = append(accountOrder, account)
		}
		perAccount[account] = perAccount[account].Add(tx.NetAmount)
		postable = append(postable, tx.ID)
		total = total.Add(tx.NetAmount)
	}
	if len(postable) == 0 {
		s.metrics.RecordJournalOutcome("empty")
		result.Error = "no postable transactions in partition"
		return result
	}
	result.TransactionIDs = postable
	result.TotalAmount = total

	journalNumber := JournalNumber(p.branch, p.date)
	header, created, err := s.journals.EnsureHeader(ctx, ledger.HeaderParams{
		CompanyID:     companyID,
		BranchID:      branchID,
		JournalNumber: journalNumber,
		JournalType:   ledger.JournalTypeCash,
		JournalDate:   p.date,
		Period:        p.date.Format("2006-01"),
		Description:   fmt.Sprintf("POS sales %s %s", p.date.Format("2006-01-02"), p.branch),
		TotalAmount:   total,
	})
	if err != nil {
		return s.abort(result, err.Error())
	}
	result.JournalNumber = header.JournalNumber
	id := header.ID
	result.JournalID = &id

	linesExist, err := s.journals.LinesExist(ctx, header.ID)
	if err != nil {
		return s.abort(result, err.Error())
	}
	if !linesExist {
		lines := buildLines(header.ID, accountOrder, perAccount, revenueAccount, total, p)
		if err := s.journals.InsertLines(ctx, header.ID, lines); err != nil {
			if created {
				if delErr := s.journals.DeleteHeader(ctx, header.ID); delErr != nil {
					s.logger.Error("compensating header delete failed",
						slog.String("journal_number", journalNumber), slog.Any("error", delErr))
				}
				result.JournalID = nil
				result.JournalNumber = ""
			}
			return s.abort(result, err.Error())
		}
	}

	if err := s.store.AssignJournal(ctx, postable, header.ID); err != nil {
		// Header and lines are in place; a rerun of the same partition
		// re-links idempotently.
		return s.abort(result, err.Error())
	}

	if linesExist {
		s.metrics.RecordJournalOutcome("replayed")
	} else {
		s.metrics.RecordJournalOutcome("posted")
	}
	return result
}

func (s *Service) abort(result PartitionResult, reason string) PartitionResult {
	result.Error = reason
	s.metrics.RecordJournalOutcome("aborted")
	s.logger.Error("journal partition aborted",
		slog.String("date", result.Date.Format("2006-01-02")),
		slog.String("branch", result.Branch),
		slog.String("reason", reason))
	return result
}

func buildLines(headerID uuid.UUID, accountOrder []uuid.UUID, perAccount map[uuid.UUID]decimal.Decimal,
	revenueAccount uuid.UUID, total decimal.Decimal, p partition) []ledger.Line {
	desc := fmt.Sprintf("POS sales %s %s", p.date.Format("2006-01-02"), p.branch)
	lines := make([]ledger.Line, 0, len(accountOrder)+1)
	for i, account := range accountOrder {
		lines = append(lines, ledger.Line{
			HeaderID:    headerID,
			LineNumber:  i + 1,
			AccountID:   account,
			Description: desc,
			Debit:       perAccount[account],
		})
	}
	lines = append(lines, ledger.Line{
		HeaderID:    headerID,
		LineNumber:  len(accountOrder) + 1,
		AccountID:   revenueAccount,
		Description: desc,
		Credit:      total,
	})
	return lines
}

// partitionCandidates splits candidates into (date, branch) partitions,
// sorted so results are deterministic.
func partitionCandidates(candidates []aggregates.Transaction) []partition {
	byKey := make(map[string]*partition)
	for _, tx := range candidates {
		branch := unknownBranch
		if tx.BranchName != nil && strings.TrimSpace(*tx.BranchName) != "" {
			branch = strings.TrimSpace(*tx.BranchName)
		}
		key := tx.TransactionDate.Format("2006-01-02") + "|" + branch
		p, ok := byKey[key]
		if !ok {
			p = &partition{key: key, date: tx.TransactionDate, branch: branch}
			byKey[key] = p
		}
		p.txs = append(p.txs, tx)
	}
	partitions := make([]partition, 0, len(byKey))
	for _, p := range byKey {
		partitions = append(partitions, *p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i].key < partitions[j].key })
	return partitions
}

// JournalNumber derives the deterministic journal number for a partition:
// RCP-<BRANCH>-<YYYY-MM-DD>, branch uppercased with whitespace dashed, so
// repeated attempts target the same header.
func JournalNumber(branch string, date time.Time) string {
	token := strings.ToUpper(strings.Join(strings.Fields(branch), "-"))
	if token == "" {
		token = strings.ToUpper(unknownBranch)
	}
	return fmt.Sprintf("%s-%s-%s", journalNumberPrefix, token, date.Format("2006-01-02"))
}
