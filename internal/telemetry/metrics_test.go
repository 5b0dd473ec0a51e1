package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCollectors(t *testing.T) {
	JobsFailed.WithLabelValues(ReasonExhausted).Inc()
	EnqueueCounter.Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	// Registering twice must not panic.
	Handler()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"insight_jobs_enqueued_total", "insight_jobs_failed_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
	if got := testutil.ToFloat64(JobsFailed.WithLabelValues(ReasonExhausted)); got < 1 {
		t.Errorf("expected exhausted failures counted, got %v", got)
	}
}
