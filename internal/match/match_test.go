package match

import (
	"context"
	"errors"
	"sync"
	"testing"

	"marketrun/internal/adapters/devnet"
	"marketrun/internal/logging"
	"marketrun/internal/market"
	"marketrun/internal/order"
)

const (
	appAddr       market.Address = "0x1000000000000000000000000000000000000001"
	datasetAddr   market.Address = "0x2000000000000000000000000000000000000002"
	poolAddr      market.Address = "0x3000000000000000000000000000000000000003"
	requesterAddr market.Address = "0x4000000000000000000000000000000000000004"
	otherAddr     market.Address = "0x5000000000000000000000000000000000000005"
)

func fixture() (market.Order, Candidates) {
	req := market.Order{
		Kind:         market.KindRequest,
		Owner:        requesterAddr,
		Volume:       1,
		Tag:          market.TagOf(market.FlagTEE),
		MaxTag:       market.TagOf(market.FlagTEE, market.FlagScone),
		Restrictions: market.Restrictions{App: appAddr, Dataset: datasetAddr},
		MaxPrice:     market.MaxPrices{App: 5, Dataset: 5, Workerpool: 5},
	}
	return req, Candidates{
		Apps:        []market.Order{{Kind: market.KindApp, Subject: appAddr, Price: 1, Volume: 1, Tag: market.TagOf(market.FlagTEE)}},
		Datasets:    []market.Order{{Kind: market.KindDataset, Subject: datasetAddr, Price: 1, Volume: 1}},
		Workerpools: []market.Order{{Kind: market.KindWorkerpool, Subject: poolAddr, Price: 2, Volume: 3, Tag: market.TagOf(market.FlagTEE, market.FlagScone)}},
	}
}

// fakeSettlement records submissions and replays a configured outcome.
type fakeSettlement struct {
	mu        sync.Mutex
	submitted []market.Tuple
	submitErr error
	deals     []market.Deal
	readErr   error
	reads     int
	readLive  bool
}

func (f *fakeSettlement) SubmitMatch(ctx context.Context, t market.Tuple) (market.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, t)
	if f.submitErr != nil {
		return market.Deal{}, f.submitErr
	}
	d := market.Deal{ID: market.Keccak256([]byte("deal")), RequestOrder: t.Request.Hash(), BotSize: 1}
	f.deals = append(f.deals, d)
	return d, nil
}

func (f *fakeSettlement) DealsByRequest(ctx context.Context, h market.Hash) ([]market.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	f.readLive = ctx.Err() == nil
	return f.deals, f.readErr
}

func newEngine(t *testing.T, s Settlement) *Engine {
	t.Helper()
	e, err := New(s, Config{Log: logging.Nop()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestMatchCompatibleOrders(t *testing.T) {
	req, cands := fixture()
	s := &fakeSettlement{}
	res, err := newEngine(t, s).Match(context.Background(), req, cands)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.DealID.IsZero() || res.Recovered {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(s.submitted) != 1 || s.submitted[0].Dataset == nil || s.submitted[0].Dataset.Subject != datasetAddr {
		t.Fatalf("unexpected submission %+v", s.submitted)
	}
}

func TestSelectPicksCheapestCompatibleStable(t *testing.T) {
	req, cands := fixture()
	restricted := market.Order{Kind: market.KindWorkerpool, Subject: otherAddr, Price: 0, Volume: 1,
		Tag: market.TagOf(market.FlagTEE), Restrictions: market.Restrictions{Requester: otherAddr}}
	first := market.Order{Kind: market.KindWorkerpool, Subject: poolAddr, Price: 1, Volume: 1, Tag: market.TagOf(market.FlagTEE), Params: "first"}
	second := first
	second.Params = "second"
	cands.Workerpools = []market.Order{cands.Workerpools[0], first, restricted, second}

	tuple, err := Select(req, cands)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if tuple.Workerpool.Params != "first" {
		t.Fatalf("expected first of the cheapest compatible, got %+v", tuple.Workerpool)
	}
}

func TestSelectHonoursAppTagWithoutRequestTag(t *testing.T) {
	req, cands := fixture()
	req.Tag = market.Tag{}
	plain := market.Order{Kind: market.KindWorkerpool, Subject: otherAddr, Price: 0, Volume: 5}
	cands.Workerpools = append([]market.Order{plain}, cands.Workerpools...)

	tuple, err := Select(req, cands)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if tuple.Workerpool.Subject != poolAddr {
		t.Fatalf("expected the tee workerpool, got %s", tuple.Workerpool.Subject)
	}
	if err := market.Check(tuple); err != nil {
		t.Fatalf("selected tuple must be compatible: %v", err)
	}
}

func TestSelectHonoursOfferWorkerpoolAllowList(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Candidates)
	}{
		{"app", func(c *Candidates) { c.Apps[0].Restrictions.Workerpool = poolAddr }},
		{"dataset", func(c *Candidates) { c.Datasets[0].Restrictions.Workerpool = poolAddr }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, cands := fixture()
			tc.mutate(&cands)
			cheaper := cands.Workerpools[0]
			cheaper.Subject = otherAddr
			cheaper.Price = 0
			cands.Workerpools = append([]market.Order{cheaper}, cands.Workerpools...)

			tuple, err := Select(req, cands)
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			if tuple.Workerpool.Subject != poolAddr {
				t.Fatalf("expected the allowed workerpool, got %s", tuple.Workerpool.Subject)
			}
		})
	}
}

func TestSelectReportsAppTagNoWorkerpoolCarries(t *testing.T) {
	req, cands := fixture()
	req.Tag = market.Tag{}
	cands.Workerpools[0].Tag = market.Tag{}

	_, err := Select(req, cands)
	var inc *market.IncompatibleError
	if !errors.As(err, &inc) {
		t.Fatalf("expected *IncompatibleError, got %v", err)
	}
	if got := inc.Constraints(); len(got) != 1 || got[0] != market.ConstraintTag {
		t.Fatalf("expected only a tag violation, got %v", got)
	}
}

func TestMatchReportsSingleViolatedConstraint(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*market.Order, *Candidates)
		want   market.Constraint
	}{
		{"tag", func(r *market.Order, c *Candidates) { c.Workerpools[0].Tag = market.Tag{} }, market.ConstraintTag},
		{"restriction", func(r *market.Order, c *Candidates) { c.Apps[0].Restrictions.Requester = otherAddr }, market.ConstraintRestriction},
		{"price", func(r *market.Order, c *Candidates) { r.MaxPrice.Workerpool = 1 }, market.ConstraintPrice},
		{"volume", func(r *market.Order, c *Candidates) { c.Datasets[0].Volume = 0 }, market.ConstraintVolume},
		{"category", func(r *market.Order, c *Candidates) { r.Category = 4 }, market.ConstraintCategory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, cands := fixture()
			tc.mutate(&req, &cands)
			s := &fakeSettlement{}
			_, err := newEngine(t, s).Match(context.Background(), req, cands)
			if !errors.Is(err, market.ErrIncompatibleOrders) {
				t.Fatalf("expected ErrIncompatibleOrders, got %v", err)
			}
			var inc *market.IncompatibleError
			if !errors.As(err, &inc) {
				t.Fatalf("expected *IncompatibleError, got %T", err)
			}
			if got := inc.Constraints(); len(got) != 1 || got[0] != tc.want {
				t.Fatalf("expected only %s, got %v", tc.want, got)
			}
			if len(s.submitted) != 0 {
				t.Fatalf("incompatible tuple must not be submitted")
			}
		})
	}
}

func TestMatchMaxTagWithoutWorkerpoolFlag(t *testing.T) {
	req, cands := fixture()
	req.Restrictions.Dataset = ""
	req.MaxTag = market.TagOf(market.FlagTEE)
	cands.Workerpools[0].Tag = market.TagOf(market.FlagTEE, market.FlagGPU)

	_, err := newEngine(t, &fakeSettlement{}).Match(context.Background(), req, cands)
	var inc *market.IncompatibleError
	if !errors.As(err, &inc) || !inc.Has(market.ConstraintTag) {
		t.Fatalf("expected tag violation, got %v", err)
	}
}

func TestMatchNoCandidates(t *testing.T) {
	req, cands := fixture()
	cands.Datasets = nil
	_, err := newEngine(t, &fakeSettlement{}).Match(context.Background(), req, cands)
	var nm *market.NoMatchError
	if !errors.As(err, &nm) || nm.Kind != market.KindDataset {
		t.Fatalf("expected no dataset match, got %v", err)
	}
	if errors.Is(err, market.ErrRegistryUnavailable) {
		t.Fatalf("no match must stay distinct from transport failure")
	}

	// without a requested dataset, dataset candidates are not needed
	req.Restrictions.Dataset = ""
	if _, err := newEngine(t, &fakeSettlement{}).Match(context.Background(), req, cands); err != nil {
		t.Fatalf("expected match without dataset, got %v", err)
	}
}

func TestMatchReadsBackAfterAmbiguousSubmission(t *testing.T) {
	req, cands := fixture()
	deal := market.Deal{ID: market.Keccak256([]byte("landed")), RequestOrder: req.Hash()}
	s := &fakeSettlement{
		submitErr: &market.RegistryError{Service: "settlement", Op: "submit", Err: errors.New("connection reset")},
		deals:     []market.Deal{deal},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newEngine(t, s).Match(ctx, req, cands)
	if err != nil {
		t.Fatalf("expected recovered deal, got %v", err)
	}
	if !res.Recovered || res.DealID != deal.ID {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.reads != 1 || !s.readLive {
		t.Fatalf("read back must run on a live context")
	}
}

func TestMatchAmbiguousWithoutDealReturnsOriginalError(t *testing.T) {
	req, cands := fixture()
	submitErr := &market.RegistryError{Service: "settlement", Op: "submit", Status: 502}
	s := &fakeSettlement{submitErr: submitErr}
	_, err := newEngine(t, s).Match(context.Background(), req, cands)
	if !errors.Is(err, market.ErrRegistryUnavailable) {
		t.Fatalf("expected original error, got %v", err)
	}
}

func TestConcurrentMatchesRaceForLastDatasetVolume(t *testing.T) {
	ledger := devnet.NewLedger(devnet.Options{Log: logging.Nop()})
	signer, err := order.GenerateKeySigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	catalog := devnet.DemoCatalog
	catalog.DatasetVolume = 1
	seeded, err := devnet.Seed(ledger, signer, catalog)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	cands := Candidates{
		Apps:        []market.Order{seeded.App},
		Datasets:    []market.Order{*seeded.Dataset},
		Workerpools: []market.Order{seeded.Workerpool},
	}
	engine := newEngine(t, ledger)

	var requests []market.Order
	for i := 0; i < 2; i++ {
		o, err := order.Create(market.KindRequest, catalog.RequestParams())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if o, err = order.Sign(o, signer); err != nil {
			t.Fatalf("sign: %v", err)
		}
		requests = append(requests, o)
	}

	errs := make([]error, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req market.Order) {
			defer wg.Done()
			_, errs[i] = engine.Match(context.Background(), req, cands)
		}(i, req)
	}
	wg.Wait()

	var ok, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, market.ErrMatchRaceLost):
			var race *market.RaceError
			if !errors.As(err, &race) || race.Kind != market.KindDataset || race.OrderHash != seeded.Dataset.Hash() {
				t.Fatalf("race should name the dataset order, got %v", err)
			}
			lost++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || lost != 1 {
		t.Fatalf("expected one success and one lost race, got %d/%d", ok, lost)
	}
}
