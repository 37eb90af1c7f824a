package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/opcproxy/internal/item"
)

func TestSessionMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("client_logout")

	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Errorf("sessions_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsTotal); got != 2 {
		t.Errorf("sessions_opened_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sessionsClosed.WithLabelValues("client_logout")); got != 1 {
		t.Errorf("sessions_closed_total{client_logout} = %v, want 1", got)
	}
}

func TestRequestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RequestHandled("READ", 2*time.Millisecond)
	m.RequestHandled("READ", 3*time.Millisecond)
	m.RequestHandled("WRITES", time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("READ")); got != 2 {
		t.Errorf("requests_total{READ} = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.requestLatency); got != 2 {
		t.Errorf("request_duration_seconds series = %d, want 2", got)
	}
}

func TestBackendAndReloadMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.BackendWrite(true)
	m.BackendWrite(false)
	m.BackendWrite(false)
	m.BackendPush(5)
	m.GenerationLoaded(true, 12)
	m.GenerationLoaded(false, 0)

	if got := testutil.ToFloat64(m.backendWrites.WithLabelValues("failure")); got != 2 {
		t.Errorf("backend_writes_total{failure} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.backendPushes); got != 5 {
		t.Errorf("backend_pushed_values_total = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.items); got != 12 {
		t.Errorf("items = %v, want 12 (failed load keeps the previous count)", got)
	}
	if got := testutil.ToFloat64(m.reloads.WithLabelValues("failure")); got != 1 {
		t.Errorf("config_loads_total{failure} = %v, want 1", got)
	}
}

func TestItemChanged(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ItemChanged(item.Change{Name: "a", Source: item.SourceBackend})
	m.ItemChanged(item.Change{Name: "b", Source: item.SourceBackend})
	m.ItemChanged(item.Change{Name: "a", Source: item.SourceClient})

	expected := `
# HELP opcproxy_item_changes_total Item value or quality changes, by source.
# TYPE opcproxy_item_changes_total counter
opcproxy_item_changes_total{source="backend"} 2
opcproxy_item_changes_total{source="client"} 1
`
	if err := testutil.CollectAndCompare(m.itemChanges, strings.NewReader(expected)); err != nil {
		t.Errorf("item_changes_total mismatch: %v", err)
	}
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("second New() on the same registry should panic")
		}
	}()
	New(reg)
}
