package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSendAttempts_Counts(t *testing.T) {
	before := testutil.ToFloat64(SendAttempts.WithLabelValues("sent"))
	SendAttempts.WithLabelValues("sent").Inc()
	SendAttempts.WithLabelValues("sent").Inc()

	if got := testutil.ToFloat64(SendAttempts.WithLabelValues("sent")); got != before+2 {
		t.Fatalf("expected %v, got %v", before+2, got)
	}
}

func TestHandler_ExposesInstruments(t *testing.T) {
	JobsSubmitted.Inc()

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "wa_jobs_submitted_total") {
		t.Fatalf("expected wa_jobs_submitted_total in output")
	}
}
