// Package poller fires periodic jobs from a single goroutine. Jobs are kept
// in a deadline heap keyed by a caller-chosen comparable type; a fired job is
// offered to the output channel and skipped if the reader is behind.
package poller

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"
)

// Req is one firing of the job Key, which runs every Every.
type Req[K comparable] struct {
	Key   K
	Every time.Duration
}

type job[K comparable] struct {
	key    K
	due    time.Time
	every  time.Duration
	jitter time.Duration
	pos    int
}

// deadlines is a min-heap on due.
type deadlines[K comparable] []*job[K]

func (d deadlines[K]) Len() int           { return len(d) }
func (d deadlines[K]) Less(i, j int) bool { return d[i].due.Before(d[j].due) }
func (d deadlines[K]) Swap(i, j int) {
	d[i], d[j] = d[j], d[i]
	d[i].pos, d[j].pos = i, j
}
func (d *deadlines[K]) Push(x any) {
	j := x.(*job[K])
	j.pos = len(*d)
	*d = append(*d, j)
}
func (d *deadlines[K]) Pop() any {
	old := *d
	j := old[len(old)-1]
	j.pos = -1
	*d = old[:len(old)-1]
	return j
}

type Poller[K comparable] struct {
	mu   sync.Mutex
	jobs map[K]*job[K]
	q    deadlines[K]
	rnd  *rand.Rand
	kick chan struct{}
	out  chan<- Req[K]
}

func New[K comparable](out chan<- Req[K]) *Poller[K] {
	return &Poller[K]{
		jobs: make(map[K]*job[K]),
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
		kick: make(chan struct{}, 1),
		out:  out,
	}
}

// Upsert schedules key every interval, each period stretched by a random
// amount in [0, jitter]. Rescheduling an existing key restarts its period.
// A non-positive interval is ignored.
func (p *Poller[K]) Upsert(key K, interval, jitter time.Duration) {
	if interval <= 0 {
		return
	}
	jitter = max(jitter, 0)
	p.mu.Lock()
	j, ok := p.jobs[key]
	if !ok {
		j = &job[K]{key: key, pos: -1}
		p.jobs[key] = j
	}
	j.every, j.jitter = interval, jitter
	j.due = time.Now().Add(p.period(j))
	if ok {
		heap.Fix(&p.q, j.pos)
	} else {
		heap.Push(&p.q, j)
	}
	p.mu.Unlock()
	p.wake()
}

func (p *Poller[K]) Stop(key K) {
	p.mu.Lock()
	if j, ok := p.jobs[key]; ok {
		heap.Remove(&p.q, j.pos)
		delete(p.jobs, key)
	}
	p.mu.Unlock()
	p.wake()
}

// BumpAfter pushes key's next firing to one interval after last, or now if
// that has passed. Call it after running the job out of band.
func (p *Poller[K]) BumpAfter(key K, last time.Time) {
	p.mu.Lock()
	if j, ok := p.jobs[key]; ok {
		j.due = later(last.Add(j.every), time.Now())
		heap.Fix(&p.q, j.pos)
	}
	p.mu.Unlock()
	p.wake()
}

func (p *Poller[K]) Scheduled(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.jobs[key]
	return ok
}

// Run fires jobs until ctx is done.
func (p *Poller[K]) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, r := range p.takeDue(time.Now()) {
			select {
			case p.out <- r:
			default:
			}
		}

		var tick <-chan time.Time
		if d, ok := p.untilNext(time.Now()); ok {
			timer.Reset(d)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
		case <-tick:
		}
	}
}

// takeDue re-arms every job due at now and returns their requests.
func (p *Poller[K]) takeDue(now time.Time) []Req[K] {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fired []Req[K]
	for len(p.q) > 0 && !p.q[0].due.After(now) {
		j := p.q[0]
		fired = append(fired, Req[K]{Key: j.key, Every: j.every})
		j.due = now.Add(p.period(j))
		heap.Fix(&p.q, 0)
	}
	return fired
}

func (p *Poller[K]) untilNext(now time.Time) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.q) == 0 {
		return 0, false
	}
	return max(p.q[0].due.Sub(now), 0), true
}

func (p *Poller[K]) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// period is called with mu held; rnd is not safe for concurrent use.
func (p *Poller[K]) period(j *job[K]) time.Duration {
	if j.jitter == 0 {
		return j.every
	}
	return j.every + time.Duration(p.rnd.Int63n(int64(j.jitter)+1))
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
