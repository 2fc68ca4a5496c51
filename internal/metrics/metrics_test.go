package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルが一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestRecordClaim(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordClaim("SEARCH")
	c.RecordClaim("SEARCH")
	c.RecordClaim("RETWEETS")

	m := findMetric(t, reg, "searchwatch_queue_claims_total", map[string]string{"action": "SEARCH"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("claims{SEARCH} = %v, want 2", got)
	}
}

func TestRecordJobOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordJobOutcome("SEARCH", OutcomeError)

	m := findMetric(t, reg, "searchwatch_job_outcomes_total", map[string]string{"action": "SEARCH", "outcome": OutcomeError})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("outcomes = %v, want 1", got)
	}
}

func TestCountersAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRecordsFetched("tweets", 120)
	c.RecordVolumetryMerge(3)
	c.RecordProxyRemoved()
	c.SetBotScoreBatchSize(100)
	c.SetBotScoreBatchSize(50)

	if got := findMetric(t, reg, "searchwatch_records_fetched_total", map[string]string{"kind": "tweets"}).GetCounter().GetValue(); got != 120 {
		t.Errorf("records = %v", got)
	}
	if got := findMetric(t, reg, "searchwatch_volumetry_buckets_merged_total", nil).GetCounter().GetValue(); got != 3 {
		t.Errorf("volumetry = %v", got)
	}
	if got := findMetric(t, reg, "searchwatch_proxy_removed_total", nil).GetCounter().GetValue(); got != 1 {
		t.Errorf("proxy removals = %v", got)
	}
	if got := findMetric(t, reg, "searchwatch_botscore_batch_size", nil).GetGauge().GetValue(); got != 50 {
		t.Errorf("batch size = %v, want 50", got)
	}
}

func TestRecordFetchLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchLatency("SEARCH", 2*time.Second)

	h := findMetric(t, reg, "searchwatch_fetch_latency_seconds", map[string]string{"action": "SEARCH"}).GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 2 {
		t.Errorf("histogram count=%d sum=%v", h.GetSampleCount(), h.GetSampleSum())
	}
}
