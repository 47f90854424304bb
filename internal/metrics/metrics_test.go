package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRecorder_CallsStartedAndInFlight(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.CallStarted()
	r.CallStarted()

	if got := counterValue(t, r.callsStarted); got != 2 {
		t.Errorf("callsStarted = %v, want 2", got)
	}
	if got := gaugeValue(t, r.callsInFlight); got != 2 {
		t.Errorf("callsInFlight = %v, want 2", got)
	}

	r.CallEnded(ReasonCompleted)
	if got := gaugeValue(t, r.callsInFlight); got != 1 {
		t.Errorf("callsInFlight after one CallEnded = %v, want 1", got)
	}
}

func TestRecorder_CallsEndedByReason(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.CallEnded(ReasonRejected)
	r.CallEnded(ReasonRejected)
	r.CallEnded(ReasonMissed)

	if got := counterVecValue(t, r.callsEnded, string(ReasonRejected)); got != 2 {
		t.Errorf("callsEnded{reason=rejected} = %v, want 2", got)
	}
	if got := counterVecValue(t, r.callsEnded, string(ReasonMissed)); got != 1 {
		t.Errorf("callsEnded{reason=missed} = %v, want 1", got)
	}
}

func TestRecorder_Transitions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Transition("idle", "calling")
	r.Transition("idle", "calling")
	r.Transition("calling", "connecting")

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() != "callwire_engine_state_transitions_total" {
			continue
		}
		found = true
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, map[string]string{"from": "idle", "to": "calling"}) {
				if got := m.GetCounter().GetValue(); got != 2 {
					t.Errorf("idle->calling transitions = %v, want 2", got)
				}
			}
		}
	}
	if !found {
		t.Fatal("state_transitions_total metric family not found")
	}
}

func TestRecorder_ObserveRingToAnswer(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveRingToAnswer(1.5)
	r.ObserveRingToAnswer(2.5)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	for _, mf := range metricFamilies {
		if mf.GetName() != "callwire_engine_ring_to_answer_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		if got := h.GetSampleCount(); got != 2 {
			t.Errorf("sample count = %d, want 2", got)
		}
		if got := h.GetSampleSum(); got != 4.0 {
			t.Errorf("sample sum = %v, want 4.0", got)
		}
		return
	}
	t.Fatal("ring_to_answer_seconds metric family not found")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterVecValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := cv.WithLabelValues(label).Write(&m); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
