package market

import (
	"errors"
	"testing"
)

const (
	appAddr       Address = "0x1000000000000000000000000000000000000001"
	datasetAddr   Address = "0x2000000000000000000000000000000000000002"
	poolAddr      Address = "0x3000000000000000000000000000000000000003"
	requesterAddr Address = "0x4000000000000000000000000000000000000004"
	otherAddr     Address = "0x5000000000000000000000000000000000000005"
)

func compatibleTuple() Tuple {
	dataset := Order{Kind: KindDataset, Subject: datasetAddr, Price: 2, Volume: 1}
	return Tuple{
		App:        Order{Kind: KindApp, Subject: appAddr, Price: 1, Volume: 10, Tag: TagOf(FlagTEE, FlagScone)},
		Dataset:    &dataset,
		Workerpool: Order{Kind: KindWorkerpool, Subject: poolAddr, Price: 3, Volume: 5, Tag: TagOf(FlagTEE, FlagScone), Category: 1},
		Request: Order{
			Kind:         KindRequest,
			Owner:        requesterAddr,
			Volume:       1,
			Tag:          TagOf(FlagTEE),
			MaxTag:       TagOf(FlagTEE, FlagScone),
			Category:     1,
			Restrictions: Restrictions{App: appAddr, Dataset: datasetAddr},
			MaxPrice:     MaxPrices{App: 1, Dataset: 2, Workerpool: 3},
		},
	}
}

func TestCheckAcceptsCompatibleTuple(t *testing.T) {
	if err := Check(compatibleTuple()); err != nil {
		t.Fatalf("expected compatible tuple, got %v", err)
	}

	noDataset := compatibleTuple()
	noDataset.Dataset = nil
	noDataset.Request.Restrictions.Dataset = ""
	if err := Check(noDataset); err != nil {
		t.Fatalf("expected tuple without dataset to be compatible, got %v", err)
	}
}

func TestCheckNamesSingleViolatedConstraint(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Tuple)
		want   Constraint
		kind   OrderKind
	}{
		{"maxTag missing workerpool flag", func(tp *Tuple) {
			tp.Workerpool.Tag = TagOf(FlagTEE, FlagScone, FlagGPU)
		}, ConstraintTag, KindWorkerpool},
		{"minTag not provided by workerpool", func(tp *Tuple) {
			tp.Request.Tag = TagOf(FlagTEE, FlagScone)
			tp.App.Tag = TagOf(FlagTEE)
			tp.Workerpool.Tag = TagOf(FlagTEE)
		}, ConstraintTag, KindWorkerpool},
		{"app restricted to another pool", func(tp *Tuple) {
			tp.App.Restrictions.Workerpool = otherAddr
		}, ConstraintRestriction, KindApp},
		{"dataset restricted to another requester", func(tp *Tuple) {
			tp.Dataset.Restrictions.Requester = otherAddr
		}, ConstraintRestriction, KindDataset},
		{"request pins another workerpool", func(tp *Tuple) {
			tp.Request.Restrictions.Workerpool = otherAddr
		}, ConstraintRestriction, KindRequest},
		{"workerpool too expensive", func(tp *Tuple) {
			tp.Workerpool.Price = 4
		}, ConstraintPrice, KindWorkerpool},
		{"dataset exhausted", func(tp *Tuple) {
			tp.Dataset.Volume = 0
		}, ConstraintVolume, KindDataset},
		{"category mismatch", func(tp *Tuple) {
			tp.Workerpool.Category = 2
		}, ConstraintCategory, KindWorkerpool},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tp := compatibleTuple()
			tc.mutate(&tp)
			err := Check(tp)
			if !errors.Is(err, ErrIncompatibleOrders) {
				t.Fatalf("expected ErrIncompatibleOrders, got %v", err)
			}
			var ie *IncompatibleError
			if !errors.As(err, &ie) {
				t.Fatalf("expected *IncompatibleError, got %T", err)
			}
			got := ie.Constraints()
			if len(got) != 1 || got[0] != tc.want {
				t.Fatalf("expected only %s, got %v (%v)", tc.want, got, err)
			}
			if ie.Violations[0].Kind != tc.kind {
				t.Fatalf("expected violation on %s, got %s", tc.kind, ie.Violations[0].Kind)
			}
		})
	}
}

func TestCheckDatasetPresenceMustMatchRequest(t *testing.T) {
	tp := compatibleTuple()
	tp.Request.Restrictions.Dataset = ""
	err := Check(tp)
	var ie *IncompatibleError
	if !errors.As(err, &ie) || !ie.Has(ConstraintRestriction) {
		t.Fatalf("expected restriction violation for unrequested dataset, got %v", err)
	}

	tp = compatibleTuple()
	tp.Dataset = nil
	if err := Check(tp); err == nil {
		t.Fatalf("expected restriction violation for missing dataset")
	}
}

func TestFilterForChecksCandidates(t *testing.T) {
	tp := compatibleTuple()
	req := tp.Request

	if err := FilterFor(req, KindApp).Check(tp.App); err != nil {
		t.Fatalf("app candidate rejected: %v", err)
	}
	if err := FilterFor(req, KindDataset).Check(*tp.Dataset); err != nil {
		t.Fatalf("dataset candidate rejected: %v", err)
	}
	if err := FilterFor(req, KindWorkerpool).Check(tp.Workerpool); err != nil {
		t.Fatalf("workerpool candidate rejected: %v", err)
	}

	gpuPool := tp.Workerpool
	gpuPool.Tag = gpuPool.Tag.With(FlagGPU)
	err := FilterFor(req, KindWorkerpool).Check(gpuPool)
	var ie *IncompatibleError
	if !errors.As(err, &ie) || !ie.Has(ConstraintTag) {
		t.Fatalf("expected tag violation, got %v", err)
	}

	if err := FilterFor(req, KindApp).Check(tp.Workerpool); !errors.Is(err, ErrIncompatibleOrders) {
		t.Fatalf("expected kind mismatch to be incompatible, got %v", err)
	}

	// workerpool is unknown while fetching the app, so its restriction is deferred.
	restricted := tp.App
	restricted.Restrictions.Workerpool = otherAddr
	if err := FilterFor(req, KindApp).Check(restricted); err != nil {
		t.Fatalf("unknown counterpart should not be checked: %v", err)
	}
}

func TestFilterNarrowAddsChosenOrderRequirements(t *testing.T) {
	tp := compatibleTuple()
	req := tp.Request
	req.Tag = Tag{}

	plain := tp.Workerpool
	plain.Tag = Tag{}
	base := FilterFor(req, KindWorkerpool)
	if err := base.Check(plain); err != nil {
		t.Fatalf("request alone places no tag on the workerpool: %v", err)
	}

	narrowed := base.Narrow(&tp.App).Narrow(tp.Dataset).Narrow(nil)
	if narrowed.MinTag != tp.App.Tag {
		t.Fatalf("expected app tag as minTag, got %s", narrowed.MinTag)
	}
	var ie *IncompatibleError
	if err := narrowed.Check(plain); !errors.As(err, &ie) || !ie.Has(ConstraintTag) {
		t.Fatalf("expected tag violation, got %v", err)
	}
	if err := narrowed.Check(tp.Workerpool); err != nil {
		t.Fatalf("tee workerpool rejected: %v", err)
	}

	ds := *tp.Dataset
	ds.Restrictions.Workerpool = otherAddr
	restricted := base.Narrow(&ds)
	err := restricted.Check(tp.Workerpool)
	if !errors.As(err, &ie) || len(ie.Violations) != 1 {
		t.Fatalf("expected one violation, got %v", err)
	}
	if v := ie.Violations[0]; v.Constraint != ConstraintRestriction || v.Kind != KindDataset {
		t.Fatalf("violation should be owned by the dataset, got %+v", v)
	}
	if len(base.Allowances) != 0 {
		t.Fatalf("narrowing must not modify the original filter")
	}

	// a chosen order of the searched kind adds nothing
	if same := base.Narrow(&tp.Workerpool); same.MinTag != base.MinTag || len(same.Allowances) != 0 {
		t.Fatalf("unexpected narrowing %+v", same)
	}
}
