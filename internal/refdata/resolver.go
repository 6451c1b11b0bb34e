package refdata

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/posledger/posledger/internal/observability"
	"github.com/posledger/posledger/internal/platform/cache"
	"github.com/posledger/posledger/internal/shared"
)

const methodsCacheKey = "refdata:payment-methods:active"

// Config tunes resolver behaviour.
type Config struct {
	// DefaultMethodID is substituted when a payment-method name has no match.
	DefaultMethodID int64
	// FallbackDisabled turns the substitution into a lookup failure.
	FallbackDisabled bool
	// CacheTTL bounds staleness of the active payment-method snapshot.
	CacheTTL time.Duration
}

// Resolver resolves payment methods, branches and COA accounts against
// master data, caching the active payment-method snapshot behind an injected
// expiring store.
type Resolver struct {
	repo    Repository
	cache   cache.Store
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewResolver constructs a Resolver.
func NewResolver(repo Repository, store cache.Store, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repo: repo, cache: store, cfg: cfg, logger: logger, metrics: metrics}
}

// ResolvePaymentMethod resolves a numeric id or a display name to an active
// payment method. An unmatched name substitutes the configured default and
// flags the resolution as a fallback; the substitution is never silent.
func (r *Resolver) ResolvePaymentMethod(ctx context.Context, nameOrID string) (Resolution, error) {
	if id, err := strconv.ParseInt(nameOrID, 10, 64); err == nil {
		method, err := r.repo.GetActivePaymentMethod(ctx, id)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{ID: method.ID, Name: method.Name, Requested: nameOrID, COAAccountID: method.COAAccountID}, nil
	}

	byName, err := r.activeMethodsByName(ctx)
	if err != nil {
		return Resolution{}, err
	}
	if method, ok := byName[NormalizeName(nameOrID)]; ok {
		return Resolution{ID: method.ID, Name: method.Name, Requested: nameOrID, COAAccountID: method.COAAccountID}, nil
	}
	return r.fallback(nameOrID)
}

// ResolveMethodsByName batch-resolves a set of payment-method names. The
// returned map is keyed by normalized name; names that resolve to nothing and
// cannot fall back are absent from the map.
func (r *Resolver) ResolveMethodsByName(ctx context.Context, names []string) (map[string]Resolution, error) {
	byName, err := r.activeMethodsByName(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Resolution, len(names))
	for _, name := range names {
		key := NormalizeName(name)
		if _, done := out[key]; done {
			continue
		}
		if method, ok := byName[key]; ok {
			out[key] = Resolution{ID: method.ID, Name: method.Name, Requested: name, COAAccountID: method.COAAccountID}
			continue
		}
		res, err := r.fallback(name)
		if err != nil {
			continue
		}
		out[key] = res
	}
	return out, nil
}

func (r *Resolver) fallback(requested string) (Resolution, error) {
	if r.cfg.FallbackDisabled || r.cfg.DefaultMethodID == 0 {
		return Resolution{}, &shared.NotFoundError{Entity: "payment method", Key: requested}
	}
	r.logger.Warn("payment method not found, substituting default",
		slog.String("requested", requested),
		slog.Int64("default_id", r.cfg.DefaultMethodID))
	r.metrics.RecordFallback("payment_method")
	return Resolution{ID: r.cfg.DefaultMethodID, Requested: requested, IsFallback: true}, nil
}

// ResolveBranch resolves a branch id or name to an active branch record.
func (r *Resolver) ResolveBranch(ctx context.Context, nameOrID string) (Branch, error) {
	if id, err := uuid.Parse(nameOrID); err == nil {
		return r.repo.GetActiveBranch(ctx, id)
	}
	return r.repo.FindActiveBranchByName(ctx, nameOrID)
}

// AccountForPaymentMethod resolves the COA account for a payment method via
// the two-step chain: direct COA link, then the linked bank account's COA
// link. An unresolvable method returns ErrNoAccountLink; it is never
// defaulted to an arbitrary account.
func (r *Resolver) AccountForPaymentMethod(ctx context.Context, id int64) (uuid.UUID, error) {
	method, err := r.repo.GetActivePaymentMethod(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if method.COAAccountID != nil {
		return *method.COAAccountID, nil
	}
	if method.BankAccountID != nil {
		coa, err := r.repo.BankAccountCOA(ctx, *method.BankAccountID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return uuid.Nil, err
		}
		if coa != nil {
			return *coa, nil
		}
	}
	return uuid.Nil, shared.ErrNoAccountLink
}

// SalesRevenueAccount resolves the single credit account for POS revenue.
// Absence is a fatal configuration error.
func (r *Resolver) SalesRevenueAccount(ctx context.Context, companyID uuid.UUID) (uuid.UUID, error) {
	accountID, err := r.repo.SalesRevenueAccount(ctx, companyID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return uuid.Nil, shared.NewConfigurationError("sales revenue account (%s) is not configured", SalesPurposeCode)
		}
		return uuid.Nil, err
	}
	return accountID, nil
}

func (r *Resolver) activeMethodsByName(ctx context.Context) (map[string]PaymentMethod, error) {
	if r.cache != nil {
		if raw, ok, err := r.cache.Get(ctx, methodsCacheKey); err == nil && ok {
			var methods []PaymentMethod
			if err := json.Unmarshal(raw, &methods); err == nil {
				return indexByName(methods), nil
			}
		}
	}

	methods, err := r.repo.ListActivePaymentMethods(ctx)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if raw, err := json.Marshal(methods); err == nil {
			if err := r.cache.Set(ctx, methodsCacheKey, raw, r.cfg.CacheTTL); err != nil {
				r.logger.Warn("payment method cache write failed", slog.Any("error", err))
			}
		}
	}
	return indexByName(methods), nil
}

func indexByName(methods []PaymentMethod) map[string]PaymentMethod {
	byName := make(map[string]PaymentMethod, len(methods))
	for _, m := range methods {
		byName[NormalizeName(m.Name)] = m
	}
	return byName
}
