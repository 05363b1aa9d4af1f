package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/CareNudge/internal/correlate"
	"github.com/BTreeMap/CareNudge/internal/models"
)

func TestObserversIncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg, func() float64 { return 3 })

	m.ObserveCorrelation(correlate.OutcomeResolved)
	m.ObserveCorrelation(correlate.OutcomeResolved)
	m.ObserveCorrelation(correlate.OutcomeNoMatch)
	m.ObserveResend(models.SubjectProfileConfirmation)
	m.ObserveExhausted(models.SubjectTaskResponse)
	m.ObserveSend(models.MessageTaskReminder, nil)
	m.ObserveSend(models.MessageTaskReminder, errors.New("boom"))
	m.ObserveEventDrop(7)
	m.ObserveInbound("duplicate")

	if got := testutil.ToFloat64(m.correlations.WithLabelValues("resolved")); got != 2 {
		t.Errorf("resolved = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.correlations.WithLabelValues("no_match")); got != 1 {
		t.Errorf("no_match = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.resends.WithLabelValues("profileConfirmation")); got != 1 {
		t.Errorf("resends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.exhausted.WithLabelValues("taskResponse")); got != 1 {
		t.Errorf("exhausted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sends.WithLabelValues("task_reminder", "error")); got != 1 {
		t.Errorf("send errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.eventDrops); got != 1 {
		t.Errorf("event drops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.inbound.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("inbound duplicates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.openGauge); got != 3 {
		t.Errorf("open expectations = %v, want 3", got)
	}
}

func TestMustNewMetricsPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNewMetrics(reg, nil)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	MustNewMetrics(reg, nil)
}
