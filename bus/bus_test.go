package bus

import (
	"sort"
	"testing"
	"time"
)

func TestBasicPubSub(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("test")

	sub := conn.Subscribe(T("gateway", "rx"))
	conn.Publish(conn.NewMessage(T("gateway", "rx"), "1;0;2;0;0;", false))
	expectOneOf(t, sub, "1;0;2;0;0;")
}

func TestRetainedReplacedAndReplayed(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("test")

	conn.Publish(conn.NewMessage(T("gateway", "state"), "idle", true))
	conn.Publish(conn.NewMessage(T("gateway", "state"), "up", true))

	sub := conn.Subscribe(T("gateway", "state"))
	got := drainPayloads(t, sub, 1)
	if got[0] != "up" {
		t.Fatalf("retained = %q, want latest", got[0])
	}
	expectNoMessage(t, sub)
}

// -----------------------------------------------------------------------------
// Wildcards
// -----------------------------------------------------------------------------

func TestWildcard_SingleLevel(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	values := c.Subscribe(T("sensor", "+", "value"))
	any3 := c.Subscribe(T("sensor", "+", "+"))
	first := c.Subscribe(T("sensor", 0, "+"))
	info := c.Subscribe(T("sensor", "+", "info"))

	c.Publish(b.NewMessage(T("sensor", 0, "value"), "21.5", false))
	expectOneOf(t, values, "21.5")
	expectOneOf(t, any3, "21.5")
	expectOneOf(t, first, "21.5")
	expectNoMessage(t, info)

	c.Publish(b.NewMessage(T("sensor", 2, "status"), "down", false))
	expectOneOf(t, any3, "down")
	expectNoMessage(t, values)
	expectNoMessage(t, first)

	// Too short for any three-level pattern.
	c.Publish(b.NewMessage(T("sensor", "scan"), "done", false))
	expectNoMessage(t, values)
	expectNoMessage(t, any3)
	expectNoMessage(t, first)
	expectNoMessage(t, info)
}

func TestWildcard_MultiLevel(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	sensor := c.Subscribe(T("sensor", "#"))
	all := c.Subscribe(T("#"))
	control := c.Subscribe(T("sensor", "control", "#"))
	exact := c.Subscribe(T("sensor"))

	c.Publish(b.NewMessage(T("sensor"), "p1", false))
	expectOneOf(t, sensor, "p1")
	expectOneOf(t, all, "p1")
	expectOneOf(t, exact, "p1")
	expectNoMessage(t, control)

	c.Publish(b.NewMessage(T("sensor", "control", "scan"), "p2", false))
	expectOneOf(t, sensor, "p2")
	expectOneOf(t, all, "p2")
	expectOneOf(t, control, "p2")
	expectNoMessage(t, exact)
}

func TestWildcard_RetainedDelivery(t *testing.T) {
	b := NewBus(32)
	c := b.NewConnection("test")

	c.Publish(b.NewMessage(T("config"), "r0", true))
	c.Publish(b.NewMessage(T("config", "sensors"), "r1", true))
	c.Publish(b.NewMessage(T("config", "gateway", "mqtt"), "r2", true))
	c.Publish(b.NewMessage(T("config", "heartbeat"), "r3", true))

	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("config", "#")), 4), []string{"r0", "r1", "r2", "r3"})
	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("config", "+", "#")), 3), []string{"r1", "r2", "r3"})
	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("config", "+")), 2), []string{"r1", "r3"})
}

func TestWildcard_RetainedClear(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	c.Publish(b.NewMessage(T("sensor", 0, "value"), "old", true))
	c.Publish(b.NewMessage(T("sensor", 1, "value"), "other", true))

	c.Publish(b.NewMessage(T("sensor", 0, "value"), nil, true))

	got := drainPayloads(t, c.Subscribe(T("sensor", "+", "value")), 1)
	if got[0] != "other" {
		t.Fatalf("expected only 'other' after clear, got %v", got)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func expectOneOf(t *testing.T, sub *Subscription, want string) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		s, ok := got.Payload.(string)
		if !ok || s != want {
			t.Fatalf("unexpected payload: %v (want %q)", got.Payload, want)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectNoMessage(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		t.Fatalf("unexpected message: %#v", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func drainPayloads(t *testing.T, sub *Subscription, n int) []string {
	t.Helper()
	var out []string
	deadline := time.Now().Add(300 * time.Millisecond)
	for len(out) < n && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if s, ok := m.Payload.(string); ok {
				out = append(out, s)
			} else {
				t.Fatalf("non-string payload in drain: %#v", m.Payload)
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(out) != n {
		t.Fatalf("drainPayloads: expected %d messages, got %d (%v)", n, len(out), out)
	}
	return out
}

func assertUnorderedEqual(t *testing.T, got, want []string) {
	t.Helper()
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d (%v vs %v)", len(got), len(want), got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("mismatch at %d: got %q, want %q (got=%v want=%v)", i, got[i], want[i], got, want)
		}
	}
}

func TestTopic_InvalidTokenPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for non-comparable token, got none")
		}
	}()

	// []byte is not comparable, so T should panic
	_ = T([]byte{1, 2, 3})
}

func TestTopic_AppendDoesNotAlias(t *testing.T) {
	base := make(Topic, 2, 8)
	base[0], base[1] = "sensor", 0
	a := base.Append("value")
	b := base.Append("status")
	if a.At(2) != "value" || b.At(2) != "status" {
		t.Fatalf("append aliased: %v %v", a, b)
	}
	if base.Len() != 2 || base.At(5) != nil {
		t.Fatalf("base modified or At out of range not nil: %v", base)
	}
}

func TestIntTokensMatchWildcards(t *testing.T) {
	b := NewBus(8)
	c := b.NewConnection("test")

	s := c.Subscribe(T("sensor", "+", "value"))
	c.Publish(b.NewMessage(T("sensor", 3, "value"), "v3", false))
	expectOneOf(t, s, "v3")

	c.Publish(b.NewMessage(T("sensor", 3, "status"), "up", false))
	expectNoMessage(t, s)
}

func TestQueueFullDropsOldest(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	s := c.Subscribe(T("q"))

	for _, p := range []string{"1", "2", "3"} {
		c.Publish(b.NewMessage(T("q"), p, false))
	}
	got := drainPayloads(t, s, 2)
	if got[0] != "2" || got[1] != "3" {
		t.Fatalf("expected [2 3], got %v", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	s := c.Subscribe(T("x"))
	s.Unsubscribe()
	if _, ok := <-s.Channel(); ok {
		t.Fatal("expected closed channel")
	}
	// Double unsubscribe is a no-op.
	c.Unsubscribe(s)
	c.Publish(b.NewMessage(T("x"), "late", false))
}

func TestSubscribeQueue_HoldsFullReplay(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	for i := 0; i < 5; i++ {
		c.Publish(b.NewMessage(T("sensor", i, "value"), "v", true))
	}
	if got := drainPayloadsUpTo(c.Subscribe(T("sensor", "+", "value")), 5); got != 2 {
		t.Fatalf("default queue replayed %d, want 2", got)
	}
	if got := drainPayloadsUpTo(c.SubscribeQueue(T("sensor", "+", "value"), 5), 5); got != 5 {
		t.Fatalf("sized queue replayed %d, want 5", got)
	}
	// Never smaller than the bus default.
	if s := c.SubscribeQueue(T("x"), 0); cap(s.ch) != 2 {
		t.Fatalf("cap = %d", cap(s.ch))
	}
}

func drainPayloadsUpTo(sub *Subscription, max int) int {
	n := 0
	for n < max {
		select {
		case <-sub.Channel():
			n++
		case <-time.After(30 * time.Millisecond):
			return n
		}
	}
	return n
}
