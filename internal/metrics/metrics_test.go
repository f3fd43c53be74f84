package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wardend/warden/internal/events"
	"github.com/wardend/warden/internal/logging"
)

func TestWireCountsEvents(t *testing.T) {
	c := New()
	bus := events.NewBus(logging.Discard())
	c.Wire(bus)

	bus.Publish(events.Event{Type: events.AppStateRunning, Data: map[string]string{"app": "web"}})
	if got := testutil.ToFloat64(c.AppState.WithLabelValues("web")); got != 1 {
		t.Errorf("app state = %v, want 1", got)
	}

	bus.Publish(events.Event{Type: events.AppStateStopped, Data: map[string]string{"app": "web"}})
	if got := testutil.ToFloat64(c.AppState.WithLabelValues("web")); got != 0 {
		t.Errorf("app state = %v, want 0", got)
	}

	bus.Publish(events.Event{Type: events.ProcFault,
		Data: map[string]string{"app": "web", "process": "server", "action": "RESTART"}})
	bus.Publish(events.Event{Type: events.ProcFault,
		Data: map[string]string{"app": "web", "process": "server", "action": "RESTART"}})
	if got := testutil.ToFloat64(c.ProcFaults.WithLabelValues("web", "server", "RESTART")); got != 2 {
		t.Errorf("proc faults = %v, want 2", got)
	}

	bus.Publish(events.Event{Type: events.RebootRequested, Data: map[string]string{}})
	if got := testutil.ToFloat64(c.Reboots); got != 1 {
		t.Errorf("reboots = %v, want 1", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	c := New()
	bus := events.NewBus(logging.Discard())
	c.Wire(bus)
	bus.Publish(events.Event{Type: events.AppStateRunning, Data: map[string]string{"app": "web"}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "warden_app_state") {
		t.Error("metrics output lacks warden_app_state")
	}
	if !strings.Contains(body, "warden_build_info") {
		t.Error("metrics output lacks warden_build_info")
	}
}
