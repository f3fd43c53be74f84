package events

import (
	"testing"

	"github.com/wardend/warden/internal/logging"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(logging.Discard())

	var got []Event
	bus.Subscribe(AppStateRunning, func(ev Event) {
		got = append(got, ev)
	})

	bus.Publish(Event{Type: AppStateRunning, Data: map[string]string{"app": "web"}})

	if len(got) != 1 {
		t.Fatalf("events received = %d", len(got))
	}
	if got[0].Data["app"] != "web" {
		t.Errorf("event data = %v", got[0].Data)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestPublishToOtherTypeNotDelivered(t *testing.T) {
	bus := NewBus(logging.Discard())

	called := false
	bus.Subscribe(AppStateStopped, func(Event) { called = true })

	bus.Publish(Event{Type: AppStateRunning})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(logging.Discard())

	called := 0
	id := bus.Subscribe(ProcFault, func(Event) { called++ })

	bus.Publish(Event{Type: ProcFault})
	bus.Unsubscribe(id)
	bus.Publish(Event{Type: ProcFault})

	if called != 1 {
		t.Errorf("called = %d, want 1", called)
	}
	if bus.SubscriberCount(ProcFault) != 0 {
		t.Errorf("subscribers = %d", bus.SubscriberCount(ProcFault))
	}
}

func TestHandlerOrderAndMultipleSubscribers(t *testing.T) {
	bus := NewBus(logging.Discard())

	var order []int
	bus.Subscribe(RebootRequested, func(Event) { order = append(order, 1) })
	bus.Subscribe(RebootRequested, func(Event) { order = append(order, 2) })

	bus.Publish(Event{Type: RebootRequested})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v", order)
	}
}

func TestPanickingHandlerRecovered(t *testing.T) {
	bus := NewBus(logging.Discard())

	called := false
	bus.Subscribe(ProcFault, func(Event) { panic("boom") })
	bus.Subscribe(ProcFault, func(Event) { called = true })

	bus.Publish(Event{Type: ProcFault})

	if !called {
		t.Error("handler after panicking handler not called")
	}
}
