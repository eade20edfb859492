package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベルのメトリクスを探す。
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
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordAdmission_CountsByResult は判定結果ごとにカウンタが増加することを検証する。
func TestRecordAdmission_CountsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAdmission("allowed")
	c.RecordAdmission("allowed")
	c.RecordAdmission("denied")

	if v := findMetric(t, reg, "searchchat_admissions_total", map[string]string{"result": "allowed"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("admissions{allowed} = %v, want 2", v)
	}
	if v := findMetric(t, reg, "searchchat_admissions_total", map[string]string{"result": "denied"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("admissions{denied} = %v, want 1", v)
	}
}

// TestRecordCounterStoreFailure_CountsByPolicy は障害がポリシー別に記録されることを検証する。
func TestRecordCounterStoreFailure_CountsByPolicy(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCounterStoreFailure("fail-open")

	m := findMetric(t, reg, "searchchat_counter_store_failures_total", map[string]string{"policy": "fail-open"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("counter_store_failures{fail-open} = %v, want 1", v)
	}
}

// TestRecordTurn_CountsByProviderAndOutcome はターン結果がプロバイダと状態別に記録されることを検証する。
func TestRecordTurn_CountsByProviderAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTurn("openai", "completed")
	c.RecordTurn("openai", "completed")
	c.RecordTurn("openai", "quota")
	c.RecordTurn("gemini", "cancelled")

	tests := []struct {
		provider string
		outcome  string
		want     float64
	}{
		{"openai", "completed", 2},
		{"openai", "quota", 1},
		{"gemini", "cancelled", 1},
	}
	for _, tt := range tests {
		m := findMetric(t, reg, "searchchat_turns_total", map[string]string{"provider": tt.provider, "outcome": tt.outcome})
		if v := m.GetCounter().GetValue(); v != tt.want {
			t.Errorf("turns{%s,%s} = %v, want %v", tt.provider, tt.outcome, v, tt.want)
		}
	}
}

// TestRecordAnonymousProvision_CountsByResult は匿名アカウント発行の結果が記録されることを検証する。
func TestRecordAnonymousProvision_CountsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAnonymousProvision("created")
	c.RecordAnonymousProvision("failed")

	for _, result := range []string{"created", "failed"} {
		m := findMetric(t, reg, "searchchat_anonymous_provisions_total", map[string]string{"result": result})
		if v := m.GetCounter().GetValue(); v != 1 {
			t.Errorf("anonymous_provisions{%s} = %v, want 1", result, v)
		}
	}
}

// TestRecordSessions_GaugeAndCounter はセッション数のゲージと破棄数のカウンタを検証する。
func TestRecordSessions_GaugeAndCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordActiveSessions(12)
	c.RecordActiveSessions(7)
	c.RecordEvictedSessions(3)
	c.RecordEvictedSessions(2)

	if v := findMetric(t, reg, "searchchat_active_sessions", nil).GetGauge().GetValue(); v != 7 {
		t.Errorf("active_sessions = %v, want 7", v)
	}
	if v := findMetric(t, reg, "searchchat_evicted_sessions_total", nil).GetCounter().GetValue(); v != 5 {
		t.Errorf("evicted_sessions_total = %v, want 5", v)
	}
}

// TestSetupMetricsRoute_ServesMetrics は/metricsパスでPrometheus形式のメトリクスが返ることを検証する。
func TestSetupMetricsRoute_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordAdmission("allowed")
	c.RecordTurn("openai", "completed")

	handler := SetupMetricsRoute(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	for _, metric := range []string{"searchchat_admissions_total", "searchchat_turns_total", "searchchat_active_sessions"} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestSetupMetricsRoute_UnknownPath は/metrics以外のパスが404になることを検証する。
func TestSetupMetricsRoute_UnknownPath(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	SetupMetricsRoute(reg).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordAdmission("allowed")
	c2.RecordAdmission("allowed")
	c2.RecordAdmission("allowed")

	labels := map[string]string{"result": "allowed"}
	if v := findMetric(t, reg1, "searchchat_admissions_total", labels).GetCounter().GetValue(); v != 1 {
		t.Errorf("reg1 admissions = %v, want 1", v)
	}
	if v := findMetric(t, reg2, "searchchat_admissions_total", labels).GetCounter().GetValue(); v != 2 {
		t.Errorf("reg2 admissions = %v, want 2", v)
	}
}
