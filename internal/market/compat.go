package market

import "fmt"

// Tuple is the four orders submitted together for settlement. Dataset is
// nil when the request runs without a dataset.
type Tuple struct {
	App        Order
	Dataset    *Order
	Workerpool Order
	Request    Order
}

func (t Tuple) datasetSubject() Address {
	if t.Dataset == nil {
		return ZeroAddress
	}
	return t.Dataset.Subject
}

// Check evaluates the full compatibility predicate and reports every
// violated clause. It returns nil or an *IncompatibleError.
func Check(t Tuple) error {
	var vs []Violation
	vs = append(vs, checkVolume(t)...)
	vs = append(vs, checkTags(t)...)
	vs = append(vs, checkRestrictions(t)...)
	vs = append(vs, checkPrices(t)...)
	if t.Workerpool.Category != t.Request.Category {
		vs = append(vs, Violation{ConstraintCategory, KindWorkerpool,
			fmt.Sprintf("workerpool category %d, request wants %d", t.Workerpool.Category, t.Request.Category)})
	}
	if len(vs) == 0 {
		return nil
	}
	return &IncompatibleError{Violations: vs}
}

func checkVolume(t Tuple) []Violation {
	var vs []Violation
	for _, o := range t.orders() {
		if o.Volume == 0 {
			vs = append(vs, Violation{ConstraintVolume, o.Kind, "no remaining volume"})
		}
	}
	return vs
}

func checkTags(t Tuple) []Violation {
	var vs []Violation
	wp := t.Workerpool
	if missing := t.Request.Tag.AndNot(wp.Tag); !missing.IsZero() {
		vs = append(vs, Violation{ConstraintTag, KindWorkerpool,
			fmt.Sprintf("workerpool lacks %s required by request", describeTag(missing))})
	}
	for _, o := range []*Order{&t.App, t.Dataset, &wp} {
		if o == nil {
			continue
		}
		if extra := o.Tag.AndNot(t.Request.MaxTag); !extra.IsZero() {
			vs = append(vs, Violation{ConstraintTag, o.Kind,
				fmt.Sprintf("%s outside request maxTag %s", describeTag(extra), describeTag(t.Request.MaxTag))})
		}
	}
	demand := t.App.Tag
	if t.Dataset != nil {
		demand = demand.Or(t.Dataset.Tag)
	}
	if missing := demand.AndNot(wp.Tag); !missing.IsZero() {
		vs = append(vs, Violation{ConstraintTag, KindWorkerpool,
			fmt.Sprintf("workerpool lacks %s required by app/dataset", describeTag(missing))})
	}
	return vs
}

func checkRestrictions(t Tuple) []Violation {
	var vs []Violation
	dataset := t.datasetSubject()
	add := func(v *Violation) {
		if v != nil {
			vs = append(vs, *v)
		}
	}

	app := t.App
	add(restrict(KindApp, KindDataset, app.Restrictions.Dataset, dataset))
	add(restrict(KindApp, KindWorkerpool, app.Restrictions.Workerpool, t.Workerpool.Subject))
	add(restrict(KindApp, KindRequest, app.Restrictions.Requester, t.Request.Owner))

	if d := t.Dataset; d != nil {
		add(restrict(KindDataset, KindApp, d.Restrictions.App, app.Subject))
		add(restrict(KindDataset, KindWorkerpool, d.Restrictions.Workerpool, t.Workerpool.Subject))
		add(restrict(KindDataset, KindRequest, d.Restrictions.Requester, t.Request.Owner))
	}

	wp := t.Workerpool
	add(restrict(KindWorkerpool, KindApp, wp.Restrictions.App, app.Subject))
	add(restrict(KindWorkerpool, KindDataset, wp.Restrictions.Dataset, dataset))
	add(restrict(KindWorkerpool, KindRequest, wp.Restrictions.Requester, t.Request.Owner))

	req := t.Request
	if req.Restrictions.App.IsZero() {
		vs = append(vs, Violation{ConstraintRestriction, KindRequest, "request names no app"})
	}
	add(restrict(KindRequest, KindApp, req.Restrictions.App, app.Subject))
	add(restrict(KindRequest, KindDataset, req.Restrictions.Dataset, dataset))
	add(restrict(KindRequest, KindWorkerpool, req.Restrictions.Workerpool, wp.Subject))
	if t.Dataset != nil && req.Restrictions.Dataset.IsZero() {
		vs = append(vs, Violation{ConstraintRestriction, KindRequest,
			fmt.Sprintf("dataset order %s supplied but request names no dataset", t.Dataset.Subject)})
	}
	return vs
}

// restrict checks one allow-list entry of owner against the counterpart's
// actual address. A zero allow-list entry is unrestricted.
func restrict(owner, counterpart OrderKind, want, got Address) *Violation {
	if want.IsZero() || want.Canonical() == got.Canonical() {
		return nil
	}
	return &Violation{ConstraintRestriction, owner,
		fmt.Sprintf("%s restricted to %s, got %s", counterpart, want.Canonical(), got.Canonical())}
}

func checkPrices(t Tuple) []Violation {
	var vs []Violation
	req := t.Request
	price := func(o *Order, max uint64) {
		if o != nil && o.Price > max {
			vs = append(vs, Violation{ConstraintPrice, o.Kind,
				fmt.Sprintf("price %d above request max %d", o.Price, max)})
		}
	}
	price(&t.App, req.MaxPrice.App)
	price(t.Dataset, req.MaxPrice.Dataset)
	price(&t.Workerpool, req.MaxPrice.Workerpool)
	return vs
}

func (t Tuple) orders() []Order {
	out := []Order{t.App}
	if t.Dataset != nil {
		out = append(out, *t.Dataset)
	}
	return append(out, t.Workerpool, t.Request)
}

// Filter is the per-category query sent to the registry. Zero counterpart
// addresses are not yet known and are not checked.
type Filter struct {
	Kind         OrderKind
	Subject      Address
	MinTag       Tag
	MaxTag       Tag
	MaxPrice     uint64
	Category     uint64
	Counterparts Restrictions
	// Allowances are allow-list entries that already chosen orders place on
	// the subject of this category. They are checked client side only.
	Allowances []Allowance
}

// Allowance is one allow-list entry of Owner on the searched category.
type Allowance struct {
	Owner   OrderKind
	Address Address
}

// FilterFor derives the query for one offer category from a request order.
func FilterFor(req Order, kind OrderKind) Filter {
	f := Filter{
		Kind:     kind,
		MaxTag:   req.MaxTag,
		Category: req.Category,
		Counterparts: Restrictions{
			App:        req.Restrictions.App,
			Dataset:    req.Restrictions.Dataset,
			Workerpool: req.Restrictions.Workerpool,
			Requester:  req.Owner,
		},
	}
	switch kind {
	case KindApp:
		f.Subject = req.Restrictions.App
		f.MaxPrice = req.MaxPrice.App
	case KindDataset:
		f.Subject = req.Restrictions.Dataset
		f.MaxPrice = req.MaxPrice.Dataset
	case KindWorkerpool:
		f.Subject = req.Restrictions.Workerpool
		f.MaxPrice = req.MaxPrice.Workerpool
		f.MinTag = req.Tag
	}
	return f
}

// Narrow adds the requirements an already chosen app or dataset order places
// on this category: its allow-list entry for the category and, for
// workerpools, its tag. A nil order leaves the filter unchanged.
func (f Filter) Narrow(chosen *Order) Filter {
	if chosen == nil || chosen.Kind == f.Kind {
		return f
	}
	var allow Address
	switch f.Kind {
	case KindApp:
		allow = chosen.Restrictions.App
	case KindDataset:
		allow = chosen.Restrictions.Dataset
	case KindWorkerpool:
		allow = chosen.Restrictions.Workerpool
		f.MinTag = f.MinTag.Or(chosen.Tag)
	}
	if !allow.IsZero() {
		f.Allowances = append(append([]Allowance(nil), f.Allowances...), Allowance{Owner: chosen.Kind, Address: allow})
	}
	return f
}

// Check is the single-order form of the compatibility predicate.
func (f Filter) Check(o Order) error {
	if o.Kind != f.Kind {
		return fmt.Errorf("%w: got %s order, want %s", ErrIncompatibleOrders, o.Kind, f.Kind)
	}
	var vs []Violation
	add := func(v *Violation) {
		if v != nil {
			vs = append(vs, *v)
		}
	}
	if !f.Subject.IsZero() && f.Subject.Canonical() != o.Subject.Canonical() {
		vs = append(vs, Violation{ConstraintRestriction, o.Kind,
			fmt.Sprintf("subject %s, want %s", o.Subject.Canonical(), f.Subject.Canonical())})
	}
	if o.Volume == 0 {
		vs = append(vs, Violation{ConstraintVolume, o.Kind, "no remaining volume"})
	}
	if o.Price > f.MaxPrice {
		vs = append(vs, Violation{ConstraintPrice, o.Kind,
			fmt.Sprintf("price %d above request max %d", o.Price, f.MaxPrice)})
	}
	if extra := o.Tag.AndNot(f.MaxTag); !extra.IsZero() {
		vs = append(vs, Violation{ConstraintTag, o.Kind,
			fmt.Sprintf("%s outside request maxTag %s", describeTag(extra), describeTag(f.MaxTag))})
	}
	if o.Kind == KindWorkerpool {
		if missing := f.MinTag.AndNot(o.Tag); !missing.IsZero() {
			vs = append(vs, Violation{ConstraintTag, o.Kind,
				fmt.Sprintf("workerpool lacks %s required by request/app/dataset", describeTag(missing))})
		}
		if o.Category != f.Category {
			vs = append(vs, Violation{ConstraintCategory, o.Kind,
				fmt.Sprintf("workerpool category %d, request wants %d", o.Category, f.Category)})
		}
	}
	known := func(owner, counterpart OrderKind, want, got Address) {
		if got.IsZero() {
			return
		}
		add(restrict(owner, counterpart, want, got))
	}
	if o.Kind != KindApp {
		known(o.Kind, KindApp, o.Restrictions.App, f.Counterparts.App)
	}
	if o.Kind != KindDataset {
		known(o.Kind, KindDataset, o.Restrictions.Dataset, f.Counterparts.Dataset)
	}
	if o.Kind != KindWorkerpool {
		known(o.Kind, KindWorkerpool, o.Restrictions.Workerpool, f.Counterparts.Workerpool)
	}
	known(o.Kind, KindRequest, o.Restrictions.Requester, f.Counterparts.Requester)
	for _, a := range f.Allowances {
		add(restrict(a.Owner, o.Kind, a.Address, o.Subject))
	}
	if len(vs) == 0 {
		return nil
	}
	return &IncompatibleError{Violations: vs}
}
