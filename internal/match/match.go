// Package match selects one compatible order per category and submits the
// tuple for settlement.
package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"marketrun/internal/logging"
	"marketrun/internal/market"
	"marketrun/internal/metrics"
)

// Settlement is the write side of the marketplace.
type Settlement interface {
	// SubmitMatch consumes one unit of volume from every order in the
	// tuple and creates a deal. A volume conflict is a *market.RaceError.
	SubmitMatch(ctx context.Context, t market.Tuple) (market.Deal, error)
	DealsByRequest(ctx context.Context, requestHash market.Hash) ([]market.Deal, error)
}

// Candidates are the standing orders found for a request, in registry
// order.
type Candidates struct {
	Apps        []market.Order
	Datasets    []market.Order
	Workerpools []market.Order
}

// Result is a settled match.
type Result struct {
	DealID market.Hash
	TxHash market.Hash
	Deal   market.Deal
	Tuple  market.Tuple
	// Recovered is set when the deal was found by reading back settlement
	// after an ambiguous submission.
	Recovered bool
}

// Config tunes an Engine. ReadBackTimeout bounds the settlement read back
// after an ambiguous submission.
type Config struct {
	ReadBackTimeout time.Duration
	Log             logging.Logger
}

func (c *Config) applyDefaults() {
	if c.ReadBackTimeout <= 0 {
		c.ReadBackTimeout = 30 * time.Second
	}
	c.Log = logging.Default(c.Log)
}

// Engine submits selected tuples to settlement.
type Engine struct {
	settlement Settlement
	cfg        Config
}

// New returns an Engine writing to s.
func New(s Settlement, cfg Config) (*Engine, error) {
	if s == nil {
		return nil, errors.New("settlement required")
	}
	cfg.applyDefaults()
	return &Engine{settlement: s, cfg: cfg}, nil
}

// Select picks the cheapest compatible candidate per category. Ties keep
// registry order. The app is chosen first, then the dataset under the app's
// allow-list, then the first workerpool that completes a tuple passing
// market.Check, so app and dataset tags and allow-lists decide between
// workerpools.
func Select(request market.Order, c Candidates) (market.Tuple, error) {
	if request.Kind != market.KindRequest {
		return market.Tuple{}, fmt.Errorf("%w: %s order used as request", market.ErrIncompatibleOrders, request.Kind)
	}
	app, err := pick(market.FilterFor(request, market.KindApp), c.Apps, nil)
	if err != nil {
		return market.Tuple{}, err
	}
	t := market.Tuple{App: app, Request: request}
	if !request.Restrictions.Dataset.IsZero() {
		ds, err := pick(market.FilterFor(request, market.KindDataset).Narrow(&app), c.Datasets, nil)
		if err != nil {
			return market.Tuple{}, err
		}
		t.Dataset = &ds
	}

	f := market.FilterFor(request, market.KindWorkerpool).Narrow(&app).Narrow(t.Dataset)
	pool, err := pick(f, c.Workerpools, func(o market.Order) error {
		full := t
		full.Workerpool = o
		return market.Check(full)
	})
	if err != nil {
		return market.Tuple{}, err
	}
	t.Workerpool = pool
	return t, nil
}

// pick returns the cheapest order passing f and, when given, complete. The
// error of the cheapest rejected candidate is reported when none passes.
func pick(f market.Filter, orders []market.Order, complete func(market.Order) error) (market.Order, error) {
	if len(orders) == 0 {
		return market.Order{}, &market.NoMatchError{Kind: f.Kind}
	}
	sorted := make([]market.Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	var first error
	for _, o := range sorted {
		err := f.Check(o)
		if err == nil && complete != nil {
			err = complete(o)
		}
		if err == nil {
			return o, nil
		}
		if first == nil {
			first = err
		}
	}
	return market.Order{}, first
}

// Match selects a tuple and submits it. It never retries: a lost race is
// returned as *market.RaceError and the caller decides whether to run
// discovery again. When the submission outcome is unknown, settlement is
// read back before giving up.
func (e *Engine) Match(ctx context.Context, request market.Order, c Candidates) (Result, error) {
	t, err := Select(request, c)
	if err != nil {
		metrics.RecordMatch(outcome(err))
		return Result{}, err
	}
	e.cfg.Log.Infof("submitting match: app=%s dataset=%s workerpool=%s request=%s",
		t.App.Short(), datasetShort(t), t.Workerpool.Short(), request.Short())

	deal, err := e.settlement.SubmitMatch(ctx, t)
	if err == nil {
		metrics.RecordMatch("matched")
		return Result{DealID: deal.ID, TxHash: deal.TxHash, Deal: deal, Tuple: t}, nil
	}
	if !ambiguous(ctx, err) {
		metrics.RecordMatch(outcome(err))
		return Result{}, err
	}

	e.cfg.Log.Warnf("match submission outcome unknown (%v), reading back deals of request %s", err, request.Short())
	deal, found, rerr := e.readBack(ctx, request.Hash())
	if rerr != nil {
		e.cfg.Log.Warnf("read back deals of request %s: %v", request.Short(), rerr)
	}
	if !found {
		metrics.RecordMatch(outcome(err))
		return Result{}, err
	}
	metrics.RecordMatch("recovered")
	e.cfg.Log.Infof("recovered deal %s for request %s", deal.ID, request.Short())
	return Result{DealID: deal.ID, TxHash: deal.TxHash, Deal: deal, Tuple: t, Recovered: true}, nil
}

// readBack runs on a context detached from the caller so a cancelled
// workflow still learns whether its deal exists.
func (e *Engine) readBack(ctx context.Context, requestHash market.Hash) (market.Deal, bool, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ReadBackTimeout)
	defer cancel()
	deals, err := e.settlement.DealsByRequest(rctx, requestHash)
	if err != nil {
		return market.Deal{}, false, err
	}
	for i := len(deals) - 1; i >= 0; i-- {
		if deals[i].RequestOrder == requestHash {
			return deals[i], true, nil
		}
	}
	return market.Deal{}, false, nil
}

// ambiguous reports whether the submission may have been applied.
func ambiguous(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var re *market.RegistryError
	if errors.As(err, &re) {
		return re.Status == 0 || re.Status >= 500
	}
	return false
}

func outcome(err error) string {
	switch {
	case errors.Is(err, market.ErrMatchRaceLost):
		return "race_lost"
	case errors.Is(err, market.ErrNoMatchingOrder):
		return "no_match"
	case errors.Is(err, market.ErrIncompatibleOrders):
		return "incompatible"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func datasetShort(t market.Tuple) string {
	if t.Dataset == nil {
		return "-"
	}
	return t.Dataset.Short()
}
