package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/govctl/internal/bus"
)

type mockSender struct {
	mu   sync.Mutex
	sent []string
}

func (m *mockSender) send(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestEngine(t *testing.T, b *bus.Bus, m *mockSender) *Engine {
	t.Helper()
	e := New(Config{
		Bus:                   b,
		Send:                  m.send,
		WorkerOfflineGrace:    20 * time.Millisecond,
		DispatchFailThreshold: 3,
		DispatchFailWindow:    time.Second,
		DedupWindow:           50 * time.Millisecond,
	})
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func TestWorkerOffline_FiresAfterGrace(t *testing.T) {
	b := bus.New()
	m := &mockSender{}
	newTestEngine(t, b, m)

	b.Publish(bus.TopicWorkerStatus, bus.WorkerStatusEvent{WorkerID: "w1", Status: "offline"})

	waitFor(t, time.Second, func() bool { return m.count() == 1 })
}

func TestWorkerOffline_CanceledByOnlineBeforeGrace(t *testing.T) {
	b := bus.New()
	m := &mockSender{}
	e := New(Config{
		Bus:                b,
		Send:                m.send,
		WorkerOfflineGrace:  200 * time.Millisecond,
		DispatchFailWindow:  time.Second,
		DispatchFailThreshold: 3,
		DedupWindow:         time.Second,
	})
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.TopicWorkerStatus, bus.WorkerStatusEvent{WorkerID: "w2", Status: "offline"})
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.TopicWorkerStatus, bus.WorkerStatusEvent{WorkerID: "w2", Status: "online"})

	time.Sleep(300 * time.Millisecond)
	if m.count() != 0 {
		t.Fatalf("expected no alert after online cancel, got %d", m.count())
	}
}

func TestDispatchFailure_FiresAtThreshold(t *testing.T) {
	b := bus.New()
	m := &mockSender{}
	newTestEngine(t, b, m)

	for i := 0; i < 2; i++ {
		b.Publish(bus.TopicDispatchLifecycle, bus.DispatchLifecycleEvent{TaskID: "t1", Status: "FAILED"})
	}
	time.Sleep(30 * time.Millisecond)
	if m.count() != 0 {
		t.Fatalf("expected no alert below threshold, got %d", m.count())
	}

	b.Publish(bus.TopicDispatchLifecycle, bus.DispatchLifecycleEvent{TaskID: "t1", Status: "FAILED"})
	waitFor(t, time.Second, func() bool { return m.count() == 1 })
}

func TestDispatchFailure_SucceededDoesNotCount(t *testing.T) {
	b := bus.New()
	m := &mockSender{}
	newTestEngine(t, b, m)

	b.Publish(bus.TopicDispatchLifecycle, bus.DispatchLifecycleEvent{TaskID: "t2", Status: "FAILED"})
	b.Publish(bus.TopicDispatchLifecycle, bus.DispatchLifecycleEvent{TaskID: "t2", Status: "SUCCEEDED"})
	b.Publish(bus.TopicDispatchLifecycle, bus.DispatchLifecycleEvent{TaskID: "t2", Status: "FAILED"})

	time.Sleep(50 * time.Millisecond)
	if m.count() != 0 {
		t.Fatalf("expected no alert, got %d", m.count())
	}
}

func TestBreakerOpen_FiresImmediately(t *testing.T) {
	b := bus.New()
	m := &mockSender{}
	newTestEngine(t, b, m)

	b.Publish(bus.TopicBreakerState, bus.BreakerStateEvent{Provider: "search", State: "OPEN"})
	waitFor(t, time.Second, func() bool { return m.count() == 1 })
}

func TestBreakerClosed_DoesNotFire(t *testing.T) {
	b := bus.New()
	m := &mockSender{}
	newTestEngine(t, b, m)

	b.Publish(bus.TopicBreakerState, bus.BreakerStateEvent{Provider: "search", State: "CLOSED"})
	time.Sleep(50 * time.Millisecond)
	if m.count() != 0 {
		t.Fatalf("expected no alert for CLOSED state, got %d", m.count())
	}
}

func TestDedup_SuppressesRepeatWithinWindow(t *testing.T) {
	b := bus.New()
	m := &mockSender{}
	e := New(Config{
		Bus:         b,
		Send:        m.send,
		DedupWindow: 500 * time.Millisecond,
	})
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.TopicBreakerState, bus.BreakerStateEvent{Provider: "search", State: "OPEN"})
	waitFor(t, time.Second, func() bool { return m.count() == 1 })

	b.Publish(bus.TopicBreakerState, bus.BreakerStateEvent{Provider: "search", State: "OPEN"})
	time.Sleep(50 * time.Millisecond)
	if m.count() != 1 {
		t.Fatalf("expected repeat alert within dedup window to be suppressed, got %d", m.count())
	}
}

func TestDedup_AllowsAfterWindowExpires(t *testing.T) {
	b := bus.New()
	m := &mockSender{}
	e := New(Config{
		Bus:         b,
		Send:        m.send,
		DedupWindow: 30 * time.Millisecond,
	})
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.TopicBreakerState, bus.BreakerStateEvent{Provider: "search", State: "OPEN"})
	waitFor(t, time.Second, func() bool { return m.count() == 1 })

	time.Sleep(60 * time.Millisecond)
	b.Publish(bus.TopicBreakerState, bus.BreakerStateEvent{Provider: "search", State: "OPEN"})
	waitFor(t, time.Second, func() bool { return m.count() == 2 })
}

func TestDifferentSubjects_DoNotShareDedupKey(t *testing.T) {
	b := bus.New()
	m := &mockSender{}
	newTestEngine(t, b, m)

	b.Publish(bus.TopicBreakerState, bus.BreakerStateEvent{Provider: "search", State: "OPEN"})
	b.Publish(bus.TopicBreakerState, bus.BreakerStateEvent{Provider: "deploy", State: "OPEN"})

	waitFor(t, time.Second, func() bool { return m.count() == 2 })
}
