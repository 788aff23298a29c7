package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounterAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.Counter("jobs_processed", map[string]string{"kind": "http_webhook"}, 1)
	rec.Counter("jobs_processed", map[string]string{"kind": "http_webhook"}, 2)

	count := testutil.CollectAndCount(reg)
	if count == 0 {
		t.Fatalf("expected at least one registered collector")
	}
	got := testutil.ToFloat64(rec.counters["jobs_processed"].vec.WithLabelValues("http_webhook"))
	if got != 3 {
		t.Fatalf("expected counter to accumulate to 3, got %v", got)
	}
}

func TestRecorderIgnoresNonPositiveCounterDelta(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.Counter("noop", nil, 0)
	rec.Counter("noop", nil, -1)

	if _, ok := rec.counters["noop"]; ok {
		t.Fatalf("expected no collector registered for non-positive deltas")
	}
}

func TestSanitizeMetricName(t *testing.T) {
	cases := map[string]string{
		"Jobs Processed": "jobs_processed",
		"":                "custom_metric",
		"200ok":           "m_200ok",
	}
	for in, want := range cases {
		if got := sanitizeMetricName(in); got != want {
			t.Fatalf("sanitizeMetricName(%q) = %q, want %q", in, got, want)
		}
	}
}
