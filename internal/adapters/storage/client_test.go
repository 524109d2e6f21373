package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marketrun/internal/logging"
	"marketrun/internal/market"
)

func TestFetchArchive(t *testing.T) {
	taskID := market.Keccak256([]byte("task"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/results/"+taskID.String() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte(strings.Repeat("z", 64)))
	}))
	defer srv.Close()

	c, err := New(srv.URL, 0, srv.Client(), logging.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data, err := c.FetchArchive(context.Background(), taskID)
	if err != nil || len(data) != 64 {
		t.Fatalf("fetch: %v (%d bytes)", err, len(data))
	}

	small, err := New(srv.URL, 16, srv.Client(), logging.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := small.FetchArchive(context.Background(), taskID); err == nil {
		t.Fatalf("expected size cap to reject archive")
	}

	_, err = c.FetchArchive(context.Background(), market.Keccak256([]byte("missing")))
	var re *market.RegistryError
	if !errors.As(err, &re) || re.Status != http.StatusNotFound {
		t.Fatalf("expected 404 registry error, got %v", err)
	}
}
