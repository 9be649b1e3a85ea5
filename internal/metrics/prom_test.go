package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncRedeemOutcome(t *testing.T) {
	before := testutil.ToFloat64(redeemOutcomes.WithLabelValues("verify", "activated"))
	IncRedeemOutcome(" Verify ", "ACTIVATED")
	after := testutil.ToFloat64(redeemOutcomes.WithLabelValues("verify", "activated"))
	if after-before != 1 {
		t.Errorf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestAddCorrectionsIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(analysisCorrections)
	AddCorrections(0)
	AddCorrections(3)
	if got := testutil.ToFloat64(analysisCorrections) - before; got != 3 {
		t.Errorf("expected 3 corrections, got %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveAnalysisAttempt("ok")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "resemblance_analysis_attempts_total") {
		t.Error("expected analysis attempts counter in scrape output")
	}
}
