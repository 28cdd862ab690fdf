package device

import (
	"math/rand"
	"sync"
	"time"
)

// Scheduler owns the duty-cycle timer. It computes the next delay as the
// base interval plus a uniform jitter in [0, jitter) and arms a one-shot
// timer whose firing is delivered on C(). Re-arming replaces the armed
// timer; Stop is idempotent.
type Scheduler struct {
	base   time.Duration
	jitter time.Duration

	mu    sync.Mutex
	timer *time.Timer
	next  time.Time
	armed bool

	fires chan struct{}
}

// NewScheduler creates a stopped scheduler
func NewScheduler(base, jitter time.Duration) *Scheduler {
	return &Scheduler{
		base:   base,
		jitter: jitter,
		fires:  make(chan struct{}, 1),
	}
}

// NextDelay computes the next duty-cycle delay
func (s *Scheduler) NextDelay() time.Duration {
	delay := s.base
	if s.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(s.jitter)))
	}
	return delay
}

// Schedule arms the one-shot timer, replacing any armed timer
func (s *Scheduler) Schedule(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	// 丢弃尚未消费的旧触发
	select {
	case <-s.fires:
	default:
	}

	s.timer = time.AfterFunc(delay, s.fire)
	s.next = time.Now().Add(delay)
	s.armed = true
}

// Stop disarms the timer. A firing already delivered on C() stays there.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = false
}

// C returns the firing channel
func (s *Scheduler) C() <-chan struct{} {
	return s.fires
}

// NextFireAt reports when the armed timer fires
func (s *Scheduler) NextFireAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.armed
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.armed = false
	s.mu.Unlock()

	select {
	case s.fires <- struct{}{}:
	default:
	}
}
