package monitor

import "time"

// ring is a fixed-capacity FIFO of events; pushing onto a full ring evicts the oldest.
type ring struct {
	buf   []ErrorEvent
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]ErrorEvent, capacity)}
}

func (r *ring) capacity() int { return len(r.buf) }

func (r *ring) len() int { return r.n }

func (r *ring) push(ev ErrorEvent) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// each visits events oldest first.
func (r *ring) each(fn func(ErrorEvent)) {
	for i := 0; i < r.n; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}

// dropBefore removes leading events older than cutoff and returns how many went.
// Events are pushed in time order, so the scan stops at the first keeper.
func (r *ring) dropBefore(cutoff time.Time) int {
	dropped := 0
	for r.n > 0 && r.buf[r.start].At.Before(cutoff) {
		r.buf[r.start] = ErrorEvent{}
		r.start = (r.start + 1) % len(r.buf)
		r.n--
		dropped++
	}
	return dropped
}
