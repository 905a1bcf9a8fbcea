package poller

import (
	"context"
	"testing"
	"time"
)

type task uint8

const (
	taskRead task = iota
	taskSweep
)

func start(t *testing.T, qLen int) (*Poller[task], chan Req[task]) {
	t.Helper()
	out := make(chan Req[task], qLen)
	p := New[task](out)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
	return p, out
}

func TestPoller_FiresRepeatedly(t *testing.T) {
	p, out := start(t, 8)
	p.Upsert(taskRead, 20*time.Millisecond, 0)

	for i := 0; i < 3; i++ {
		select {
		case r := <-out:
			if r.Key != taskRead || r.Every != 20*time.Millisecond {
				t.Fatalf("unexpected req: %+v", r)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for fire %d", i)
		}
	}
}

func TestPoller_ZeroKeyIsAJob(t *testing.T) {
	p, out := start(t, 1)
	p.Upsert(task(0), 10*time.Millisecond, 0)
	select {
	case r := <-out:
		if r.Key != taskRead {
			t.Fatalf("key = %v", r.Key)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("zero key never fired")
	}
}

func TestPoller_StopCancelsSchedule(t *testing.T) {
	p, out := start(t, 8)
	p.Upsert(taskSweep, 30*time.Millisecond, 0)
	p.Stop(taskSweep)
	if p.Scheduled(taskSweep) {
		t.Fatal("sweep still scheduled after Stop")
	}
	p.Stop(taskSweep)

	select {
	case r := <-out:
		t.Fatalf("unexpected fire after Stop: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoller_IgnoresNonPositiveInterval(t *testing.T) {
	p := New[task](make(chan Req[task], 1))
	p.Upsert(taskRead, 0, 0)
	p.Upsert(taskSweep, -time.Second, 0)
	if p.Scheduled(taskRead) || p.Scheduled(taskSweep) {
		t.Fatal("non-positive intervals must be ignored")
	}
}

func TestPoller_UpsertRestartsPeriod(t *testing.T) {
	p, out := start(t, 8)
	p.Upsert(taskRead, time.Hour, 0)
	p.Upsert(taskRead, 15*time.Millisecond, 0)
	select {
	case r := <-out:
		if r.Every != 15*time.Millisecond {
			t.Fatalf("every = %v", r.Every)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("rescheduled job did not pick up the shorter interval")
	}
}

func TestPoller_SlowReaderSkipsFires(t *testing.T) {
	p, out := start(t, 1)
	p.Upsert(taskRead, 5*time.Millisecond, 0)
	time.Sleep(60 * time.Millisecond)
	if n := len(out); n != 1 {
		t.Fatalf("queued %d, want 1", n)
	}
	// Still firing after the skipped ones.
	<-out
	select {
	case <-out:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("poller stalled on a full channel")
	}
}

func TestPoller_BumpAfterDelaysNextFire(t *testing.T) {
	p, out := start(t, 8)
	p.Upsert(taskRead, 80*time.Millisecond, 0)
	time.Sleep(40 * time.Millisecond)
	p.BumpAfter(taskRead, time.Now())

	select {
	case <-out:
		t.Fatal("fired before bumped deadline")
	case <-time.After(60 * time.Millisecond):
	}
	select {
	case <-out:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("no fire after bumped deadline")
	}
}

func TestPoller_BumpAfterPastFiresNow(t *testing.T) {
	p, out := start(t, 8)
	p.Upsert(taskSweep, time.Hour, 0)
	p.BumpAfter(taskSweep, time.Now().Add(-2*time.Hour))
	select {
	case r := <-out:
		if r.Key != taskSweep {
			t.Fatalf("key = %v", r.Key)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("overdue job did not fire")
	}
}

func TestPeriod_JitterBounds(t *testing.T) {
	p := New[task](make(chan Req[task]))
	j := &job[task]{every: 10 * time.Millisecond, jitter: 5 * time.Millisecond}
	for i := 0; i < 200; i++ {
		if d := p.period(j); d < j.every || d > j.every+j.jitter {
			t.Fatalf("period %v outside [%v, %v]", d, j.every, j.every+j.jitter)
		}
	}
}
