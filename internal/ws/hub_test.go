package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/task"
)

// streamStub buffers delivered payloads. Send failures are scripted through
// sendErr; Close is observable through the closed channel.
type streamStub struct {
	received  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	sendErr   error
	sends     atomic.Int32
}

func newStreamStub() *streamStub {
	return &streamStub{received: make(chan []byte, 8), closed: make(chan struct{})}
}

func (s *streamStub) Send(payload []byte) error {
	s.sends.Add(1)
	if s.sendErr != nil {
		return s.sendErr
	}
	s.received <- payload
	return nil
}

func (s *streamStub) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func waitPayload(t *testing.T, s *streamStub) []byte {
	t.Helper()
	select {
	case payload := <-s.received:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func expectNoPayload(t *testing.T, s *streamStub) {
	t.Helper()
	select {
	case payload := <-s.received:
		t.Fatalf("unexpected payload %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDeliversToAppSubscribers(t *testing.T) {
	hub := NewHub()
	first := newStreamStub()
	second := newStreamStub()
	other := newStreamStub()
	hub.Register(7, first)
	hub.Register(7, second)
	hub.Register(9, other)

	hub.Broadcast(7, []byte("hello"))

	if got := waitPayload(t, first); string(got) != "hello" {
		t.Fatalf("first received %q", got)
	}
	if got := waitPayload(t, second); string(got) != "hello" {
		t.Fatalf("second received %q", got)
	}
	expectNoPayload(t, other)
}

func TestHubFansOutToAllAppsListeners(t *testing.T) {
	hub := NewHub()
	appSub := newStreamStub()
	dashboard := newStreamStub()
	hub.Register(7, appSub)
	hub.Register(AllApps, dashboard)

	hub.Broadcast(7, []byte("app event"))
	if got := waitPayload(t, appSub); string(got) != "app event" {
		t.Fatalf("app subscriber received %q", got)
	}
	if got := waitPayload(t, dashboard); string(got) != "app event" {
		t.Fatalf("dashboard received %q", got)
	}

	// A broadcast addressed to AllApps reaches only the global listeners,
	// and exactly once.
	hub.Broadcast(AllApps, []byte("global"))
	if got := waitPayload(t, dashboard); string(got) != "global" {
		t.Fatalf("dashboard received %q", got)
	}
	expectNoPayload(t, appSub)
	expectNoPayload(t, dashboard)
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := newStreamStub()
	hub.Register(3, sub)

	hub.Broadcast(3, []byte("one"))
	if got := waitPayload(t, sub); string(got) != "one" {
		t.Fatalf("received %q", got)
	}

	hub.Unregister(3, sub)
	hub.Broadcast(3, []byte("two"))
	expectNoPayload(t, sub)
}

func TestHubDropsSubscriberOnSendFailure(t *testing.T) {
	hub := NewHub()
	failing := newStreamStub()
	failing.sendErr = fmt.Errorf("connection gone")
	healthy := newStreamStub()
	hub.Register(3, failing)
	hub.Register(3, healthy)

	hub.Broadcast(3, []byte("one"))
	if got := waitPayload(t, healthy); string(got) != "one" {
		t.Fatalf("healthy received %q", got)
	}
	select {
	case <-failing.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("failing subscriber was not closed")
	}

	hub.Broadcast(3, []byte("two"))
	if got := waitPayload(t, healthy); string(got) != "two" {
		t.Fatalf("healthy received %q", got)
	}
	if sends := failing.sends.Load(); sends != 1 {
		t.Fatalf("failing subscriber saw %d sends after removal, want 1", sends)
	}
}

func TestEventBroadcasterPublishesTaskEvents(t *testing.T) {
	hub := NewHub()
	dashboard := newStreamStub()
	hub.Register(AllApps, dashboard)

	b := NewEventBroadcaster(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.NotifyTask(task.Event{
		Type:     task.EventTaskProgress,
		AppID:    7,
		TaskID:   "task-1",
		Kind:     domain.TaskKindBuild,
		Progress: &domain.Progress{Current: 2, Total: 5, Message: "building image"},
	})

	var got task.Event
	if err := json.Unmarshal(waitPayload(t, dashboard), &got); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if got.Type != task.EventTaskProgress || got.TaskID != "task-1" || got.AppID != 7 {
		t.Fatalf("event = %+v", got)
	}
	if got.Progress == nil || got.Progress.Message != "building image" {
		t.Fatalf("progress = %+v", got.Progress)
	}
}
