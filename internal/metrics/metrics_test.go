package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordersAndHandler(t *testing.T) {
	Register()
	Register()

	RecordRPC("orderbook", "query", 200, 15*time.Millisecond)
	RecordMatch("race_lost")
	RecordPoll()
	RecordObservation("completed")
	RecordStage("match", time.Second, true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"marketrun_rpc_requests_total", "marketrun_match_outcomes_total", "marketrun_observe_polls_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}
