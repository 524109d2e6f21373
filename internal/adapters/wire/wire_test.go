package wire

import (
	"net/url"
	"reflect"
	"testing"

	"marketrun/internal/market"
)

func TestFilterValuesRoundTrip(t *testing.T) {
	in := market.Filter{
		Kind:     market.KindWorkerpool,
		Subject:  "0x3000000000000000000000000000000000000003",
		MinTag:   market.TagOf(market.FlagTEE),
		MaxTag:   market.TagOf(market.FlagTEE, market.FlagScone),
		MaxPrice: 7,
		Category: 2,
		Counterparts: market.Restrictions{
			App:       "0x1000000000000000000000000000000000000001",
			Requester: "0x4000000000000000000000000000000000000004",
		},
	}
	v := FilterValues(in)
	if v.Has("dataset") {
		t.Fatalf("zero counterpart should be omitted: %v", v)
	}
	out, err := ParseFilter(v)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Counterparts.Dataset != market.ZeroAddress {
		t.Fatalf("expected zero dataset, got %q", out.Counterparts.Dataset)
	}
	out.Counterparts.Dataset = ""
	out.Counterparts.Workerpool = ""
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestParseFilterDefaultsAndErrors(t *testing.T) {
	f, err := ParseFilter(url.Values{"kind": {"app"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.MaxTag != market.AllTags || f.MaxPrice != 0 {
		t.Fatalf("unexpected defaults %+v", f)
	}
	bad := []url.Values{
		{},
		{"kind": {"app"}, "subject": {"nope"}},
		{"kind": {"app"}, "maxPrice": {"-1"}},
		{"kind": {"app"}, "maxTag": {"warp"}},
	}
	for _, v := range bad {
		if _, err := ParseFilter(v); err == nil {
			t.Fatalf("expected error for %v", v)
		}
	}
}
