package orderbook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"marketrun/internal/adapters/devnet"
	"marketrun/internal/logging"
	"marketrun/internal/market"
	"marketrun/internal/order"
)

func setup(t *testing.T) (*Client, *devnet.Ledger, *order.KeySigner) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ledger := devnet.NewLedger(devnet.Options{Log: logging.Nop()})
	srv := httptest.NewServer(devnet.NewRouter(ledger, logging.Nop()))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, srv.Client(), logging.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	signer, err := order.GenerateKeySigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return c, ledger, signer
}

func signed(t *testing.T, s order.Signer, kind market.OrderKind, p order.Params) market.Order {
	t.Helper()
	o, err := order.Create(kind, p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o, err = order.Sign(o, s); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return o
}

func TestPublishAndFetchBest(t *testing.T) {
	c, _, s := setup(t)
	ctx := context.Background()
	app := devnet.DemoCatalog.App.String()

	tee := signed(t, s, market.KindApp, order.Params{Subject: app, Price: 1, Volume: 5, Tag: "tee,gpu"})
	plain := signed(t, s, market.KindApp, order.Params{Subject: app, Price: 3, Volume: 5, Tag: "tee"})
	for _, o := range []market.Order{tee, plain} {
		h, err := c.Publish(ctx, o)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if h != o.Hash() {
			t.Fatalf("publish returned %s, want %s", h, o.Hash())
		}
	}

	req := signed(t, s, market.KindRequest, order.Params{Volume: 1, App: app, AppMaxPrice: 5, MaxTag: "tee"})
	f := market.FilterFor(req, market.KindApp)

	all, err := c.Query(ctx, f)
	if err != nil || len(all) != 2 {
		t.Fatalf("query: %v (%d orders)", err, len(all))
	}
	// the cheaper order carries gpu, outside the request maxTag
	best, err := c.FetchBest(ctx, f)
	if err != nil {
		t.Fatalf("fetch best: %v", err)
	}
	if best == nil || best.Hash() != plain.Hash() {
		t.Fatalf("expected the tee-only order, got %+v", best)
	}

	f.MaxPrice = 2
	best, err = c.FetchBest(ctx, f)
	if err != nil || best != nil {
		t.Fatalf("expected no match without error, got %+v %v", best, err)
	}
}

func TestPublishRejectsUnsigned(t *testing.T) {
	c, _, _ := setup(t)
	o, err := order.Create(market.KindApp, order.Params{Subject: devnet.DemoCatalog.App.String(), Volume: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Publish(context.Background(), o); !errors.Is(err, market.ErrInvalidOrderParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestRegistryFailures(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("kind") == "app" {
			http.Error(w, "index rebuilding", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("{not json"))
	}))
	defer broken.Close()

	c, err := New(broken.URL, broken.Client(), logging.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.FetchBest(context.Background(), market.Filter{Kind: market.KindApp})
	var re *market.RegistryError
	if !errors.As(err, &re) || re.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 registry error, got %v", err)
	}
	_, err = c.FetchBest(context.Background(), market.Filter{Kind: market.KindDataset})
	if !errors.Is(err, market.ErrRegistryUnavailable) {
		t.Fatalf("expected decode failure as registry error, got %v", err)
	}
	if errors.Is(err, market.ErrNoMatchingOrder) {
		t.Fatalf("transport failure must not look like no match")
	}

	unreachable, err := New("http://127.0.0.1:1", nil, logging.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := unreachable.Query(context.Background(), market.Filter{Kind: market.KindApp}); !errors.Is(err, market.ErrRegistryUnavailable) {
		t.Fatalf("expected unreachable registry, got %v", err)
	}
}
