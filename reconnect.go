package genmqtt

import (
	"time"

	"github.com/mprymek/gen-mqtt/internal/wallclock"
)

// reconnectScheduler arms at most one pending reconnect attempt at a time,
// firing after a fixed interval. It is owned by the event loop; only the
// timer goroutine it spawns runs concurrently, and that goroutine does
// nothing but post a tick back to the mailbox.
type reconnectScheduler struct {
	interval time.Duration
	gen      int
	cancelC  chan struct{}
	attempts int
}

func newReconnectScheduler(interval time.Duration) *reconnectScheduler {
	return &reconnectScheduler{interval: interval}
}

// configured reports whether automatic reconnection is enabled.
func (s *reconnectScheduler) configured() bool {
	return s.interval > 0
}

func (s *reconnectScheduler) armed() bool {
	return s.cancelC != nil
}

// arm schedules a single reconnect attempt after the fixed interval. It is a
// no-op when reconnection is not configured or an attempt is already
// scheduled, so concurrent retries cannot pile up.
func (s *reconnectScheduler) arm(post func(msg any)) {
	if !s.configured() || s.armed() {
		return
	}

	s.gen++
	s.attempts++
	cancelC := make(chan struct{})
	s.cancelC = cancelC
	gen := s.gen

	go func() {
		t := wallclock.Instance.NewTimer(s.interval)
		defer t.Stop()
		select {
		case <-t.C():
			post(&reconnectTick{gen: gen})
		case <-cancelC:
		}
	}()
}

// fired consumes a tick, reporting whether it belongs to the currently armed
// attempt. Stale ticks from canceled attempts are discarded.
func (s *reconnectScheduler) fired(tick *reconnectTick) bool {
	if !s.armed() || tick.gen != s.gen {
		return false
	}
	s.cancelC = nil
	return true
}

// cancel discards the armed attempt, if any. Used on successful connection
// and on stop.
func (s *reconnectScheduler) cancel() {
	if !s.armed() {
		return
	}
	close(s.cancelC)
	s.cancelC = nil
	s.gen++
}

// reset clears the attempt counter after a successful connection.
func (s *reconnectScheduler) reset() {
	s.attempts = 0
}
