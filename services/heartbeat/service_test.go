package heartbeat

import (
	"context"
	"testing"
	"time"

	"owrelay-go/bus"
	"owrelay-go/types"
)

func TestHeartbeat_IntervalFromConfig(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("heartbeat_test")
	hb := conn.Subscribe(topicHeartbeat)

	// Retained config is picked up as soon as the service subscribes.
	conn.Publish(conn.NewMessage(topicConfigHeartbeat, "interval: 20ms", true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var s Service
	if err := s.Start(ctx, conn); err != nil {
		t.Fatal(err)
	}

	var last int64 = -1
	for i := 0; i < 2; i++ {
		select {
		case m := <-hb.Channel():
			v, ok := m.Payload.(types.Heartbeat)
			if !ok {
				t.Fatalf("payload type %T", m.Payload)
			}
			if v.UptimeMs < last {
				t.Fatalf("uptime went backwards: %d after %d", v.UptimeMs, last)
			}
			last = v.UptimeMs
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for heartbeat")
		}
	}
}

func TestHeartbeat_BadConfigKeepsRunning(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("heartbeat_test_bad")
	hb := conn.Subscribe(topicHeartbeat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var s Service
	_ = s.Start(ctx, conn)

	conn.Publish(conn.NewMessage(topicConfigHeartbeat, map[string]any{"interval": "soon"}, true))
	conn.Publish(conn.NewMessage(topicConfigHeartbeat, map[string]any{"interval": "-1s"}, true))
	conn.Publish(conn.NewMessage(topicConfigHeartbeat, map[string]any{"interval": "15ms"}, true))

	select {
	case <-hb.Channel():
	case <-time.After(time.Second):
		t.Fatal("service stopped ticking after bad config")
	}
}
