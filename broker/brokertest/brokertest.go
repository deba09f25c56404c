// Package brokertest is a conformance suite for broker.Broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/capbridge-go/broker"
)

// BrokerFactory creates a fresh broker for one subtest.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("SubscribeFromStartReplaysInOrder", func(t *testing.T) {
		testSubscribeFromStartReplaysInOrder(t, factory)
	})
	t.Run("LiveDelivery", func(t *testing.T) {
		testLiveDelivery(t, factory)
	})
	t.Run("ResumeAfterEventID", func(t *testing.T) {
		testResumeAfterEventID(t, factory)
	})
	t.Run("ResumeFromUnknownEventID", func(t *testing.T) {
		testResumeFromUnknownEventID(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("CleanupDropsHistory", func(t *testing.T) {
		testCleanupDropsHistory(t, factory)
	})
}

func uniqueNamespace(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func publish(t *testing.T, b broker.Broker, ns string, payloads ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := b.Publish(context.Background(), ns, []byte(p))
		if err != nil {
			t.Fatalf("publish %q: %v", p, err)
		}
		if id == "" {
			t.Fatal("expected non-empty event id")
		}
		ids = append(ids, id)
	}
	return ids
}

// collect subscribes until n envelopes arrived or timeout elapsed.
func collect(t *testing.T, b broker.Broker, ns, after string, n int, timeout time.Duration) []broker.MessageEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var mu sync.Mutex
	var got []broker.MessageEnvelope
	err := b.Subscribe(ctx, ns, after, func(ctx context.Context, env broker.MessageEnvelope) error {
		mu.Lock()
		got = append(got, env)
		done := len(got) >= n
		mu.Unlock()
		if done {
			cancel()
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("subscribe: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return got
}

func payloads(envs []broker.MessageEnvelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = string(e.Data)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testSubscribeFromStartReplaysInOrder(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)

	want := make([]string, 50)
	for i := range want {
		want[i] = fmt.Sprintf(`{"n":%d}`, i)
	}
	ids := publish(t, b, ns, want...)

	got := collect(t, b, ns, "", len(want), 5*time.Second)
	if !equal(payloads(got), want) {
		t.Fatalf("expected %v, got %v", want, payloads(got))
	}
	for i := range got {
		if got[i].ID != ids[i] {
			t.Fatalf("event %d: expected id %s, got %s", i, ids[i], got[i].ID)
		}
	}
}

func testLiveDelivery(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)

	result := make(chan []broker.MessageEnvelope, 1)
	go func() {
		result <- collect(t, b, ns, "", 2, 5*time.Second)
	}()

	time.Sleep(100 * time.Millisecond)
	publish(t, b, ns, "first", "second")

	select {
	case got := <-result:
		if !equal(payloads(got), []string{"first", "second"}) {
			t.Fatalf("unexpected messages %v", payloads(got))
		}
	case <-time.After(6 * time.Second):
		t.Fatal("subscription did not complete")
	}
}

func testResumeAfterEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)

	ids := publish(t, b, ns, "one", "two", "three")
	got := collect(t, b, ns, ids[0], 2, 5*time.Second)
	if !equal(payloads(got), []string{"two", "three"}) {
		t.Fatalf("unexpected messages %v", payloads(got))
	}
}

func testResumeFromUnknownEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	publish(t, b, ns, "one")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := b.Subscribe(ctx, ns, "999999999-0", func(ctx context.Context, env broker.MessageEnvelope) error { return nil })
	if !errors.Is(err, broker.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	nsA := uniqueNamespace(t) + "-a"
	nsB := uniqueNamespace(t) + "-b"

	publish(t, b, nsA, "for-a")
	publish(t, b, nsB, "for-b")

	got := collect(t, b, nsA, "", 2, 300*time.Millisecond)
	if !equal(payloads(got), []string{"for-a"}) {
		t.Fatalf("namespace a saw %v", payloads(got))
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	publish(t, b, ns, "one", "two")

	boom := errors.New("boom")
	calls := 0
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.Subscribe(ctx, ns, "", func(ctx context.Context, env broker.MessageEnvelope) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, ns, "", func(ctx context.Context, env broker.MessageEnvelope) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop after cancellation")
	}
}

func testCleanupDropsHistory(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace(t)
	publish(t, b, ns, "stale")

	if err := b.Cleanup(context.Background(), ns); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := b.Cleanup(context.Background(), ns); err != nil {
		t.Fatalf("second cleanup should be a no-op: %v", err)
	}

	publish(t, b, ns, "fresh")
	got := collect(t, b, ns, "", 2, 300*time.Millisecond)
	if !equal(payloads(got), []string{"fresh"}) {
		t.Fatalf("expected only the fresh message, got %v", payloads(got))
	}
}
