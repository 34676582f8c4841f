package session

import "time"

// Direction tells whether progress is for an outgoing or incoming file.
type Direction int

const (
	Sending Direction = iota
	Receiving
)

func (d Direction) String() string {
	if d == Receiving {
		return "receiving"
	}
	return "sending"
}

// Progress is a snapshot of the file currently in flight.
type Progress struct {
	Direction Direction
	Percent   int
	// Index is zero-based; Total is the batch size.
	Index int
	Total int
	Name  string
	Bytes int64
	Size  int64
}

func percent(done, size int64) int {
	if size <= 0 || done >= size {
		return 100
	}
	return int(done * 100 / size)
}

// throttle lets at most one update through per interval, and always the
// final one.
type throttle struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval, now: time.Now}
}

func (t *throttle) allow(final bool) bool {
	now := t.now()
	if final || t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.last = now
		return true
	}
	return false
}

func (t *throttle) reset() {
	t.last = time.Time{}
}
