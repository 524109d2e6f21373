package market

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// OrderKind names one of the four order categories.
type OrderKind string

const (
	KindApp        OrderKind = "app"
	KindDataset    OrderKind = "dataset"
	KindWorkerpool OrderKind = "workerpool"
	KindRequest    OrderKind = "request"
)

// ParseOrderKind accepts the lowercase kind names.
func ParseOrderKind(s string) (OrderKind, error) {
	switch k := OrderKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindApp, KindDataset, KindWorkerpool, KindRequest:
		return k, nil
	default:
		return "", fmt.Errorf("unknown order kind %q", s)
	}
}

// Restrictions are allow-list addresses. A zero field is unrestricted.
// On a request order App/Dataset/Workerpool name the resources the
// requester wants to run with.
type Restrictions struct {
	App        Address `json:"app,omitempty"`
	Dataset    Address `json:"dataset,omitempty"`
	Workerpool Address `json:"workerpool,omitempty"`
	Requester  Address `json:"requester,omitempty"`
}

// MaxPrices is the requester's price ceiling per category.
type MaxPrices struct {
	App        uint64 `json:"app"`
	Dataset    uint64 `json:"dataset"`
	Workerpool uint64 `json:"workerpool"`
}

// Order is a standing offer (app, dataset, workerpool) or a request.
// Once Signature is set the order must not be modified: Hash covers every
// other field.
type Order struct {
	Kind         OrderKind    `json:"kind"`
	Subject      Address      `json:"subject,omitempty"`
	Owner        Address      `json:"owner"`
	Price        uint64       `json:"price"`
	Volume       uint64       `json:"volume"`
	Tag          Tag          `json:"tag"`
	MaxTag       Tag          `json:"maxTag"`
	Category     uint64       `json:"category"`
	Restrictions Restrictions `json:"restrictions"`
	MaxPrice     MaxPrices    `json:"maxPrice"`
	Params       string       `json:"params,omitempty"`
	Salt         Hash         `json:"salt"`
	Signature    Signature    `json:"signature,omitempty"`
}

// signable is the canonical field layout covered by the order hash.
type signable struct {
	_                  struct{} `cbor:",toarray"`
	Kind               string
	Subject            string
	Owner              string
	Price              uint64
	Volume             uint64
	Tag                []byte
	MaxTag             []byte
	Category           uint64
	AppRestrict        string
	DatasetRestrict    string
	WorkerpoolRestrict string
	RequesterRestrict  string
	AppMaxPrice        uint64
	DatasetMaxPrice    uint64
	WorkerpoolMaxPrice uint64
	Params             string
	Salt               []byte
}

var canonicalEnc = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor canonical enc mode: %v", err))
	}
	return em
}()

// SigningPayload returns the canonical CBOR encoding of every field except
// the signature.
func (o Order) SigningPayload() ([]byte, error) {
	s := signable{
		Kind:               string(o.Kind),
		Subject:            o.Subject.String(),
		Owner:              o.Owner.String(),
		Price:              o.Price,
		Volume:             o.Volume,
		Tag:                o.Tag[:],
		MaxTag:             o.MaxTag[:],
		Category:           o.Category,
		AppRestrict:        o.Restrictions.App.String(),
		DatasetRestrict:    o.Restrictions.Dataset.String(),
		WorkerpoolRestrict: o.Restrictions.Workerpool.String(),
		RequesterRestrict:  o.Restrictions.Requester.String(),
		AppMaxPrice:        o.MaxPrice.App,
		DatasetMaxPrice:    o.MaxPrice.Dataset,
		WorkerpoolMaxPrice: o.MaxPrice.Workerpool,
		Params:             o.Params,
		Salt:               o.Salt[:],
	}
	return canonicalEnc.Marshal(s)
}

// Hash is keccak256 of the signing payload.
func (o Order) Hash() Hash {
	payload, err := o.SigningPayload()
	if err != nil {
		// signable only holds strings, integers and byte slices.
		panic(fmt.Sprintf("encode order: %v", err))
	}
	return Keccak256(payload)
}

// Signed reports whether a signature blob is attached. It does not verify it.
func (o Order) Signed() bool { return len(o.Signature) > 0 }

// Short renders kind, subject and price for logs and diagnostics.
func (o Order) Short() string {
	if o.Kind == KindRequest {
		return fmt.Sprintf("request(app=%s price<=%d/%d/%d)", o.Restrictions.App, o.MaxPrice.App, o.MaxPrice.Dataset, o.MaxPrice.Workerpool)
	}
	return fmt.Sprintf("%s(%s price=%d volume=%d)", o.Kind, o.Subject, o.Price, o.Volume)
}
