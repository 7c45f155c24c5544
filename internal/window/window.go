package window

import (
	"errors"
	"math"
	"time"
)

// ErrOutOfOrder rejects a sample whose timestamp does not advance the window.
// The push leaves the window untouched; callers drop the sample and continue
// with newer ones.
var ErrOutOfOrder = errors.New("out-of-order sample")

// Stats is the derived view of a window at some instant.
type Stats struct {
	Mean     float64
	Variance float64
	StdDev   float64
	Rate     float64
	Samples  int
}

type entry struct {
	ts    time.Time
	value float64
}

// Window is a fixed-capacity, time-span-bounded buffer of samples for one
// (host, metric) key. Mean and variance are maintained incrementally so a
// push costs O(1) amortized. Not safe for concurrent use; each key is owned
// by exactly one pipeline shard.
type Window struct {
	entries []entry
	head    int
	count   int
	span    time.Duration

	mean float64
	m2   float64
}

// New returns a window holding up to capacity samples no older than span
// relative to the newest sample. A zero span disables age eviction.
func New(capacity int, span time.Duration) *Window {
	if capacity <= 0 {
		capacity = 60
	}
	return &Window{
		entries: make([]entry, capacity),
		span:    span,
	}
}

// Push appends a sample, evicting entries that fall outside the span or the
// capacity. Timestamps must strictly increase; a stale timestamp returns
// ErrOutOfOrder and changes nothing.
func (w *Window) Push(ts time.Time, value float64) error {
	if w.count > 0 && !ts.After(w.newest().ts) {
		return ErrOutOfOrder
	}

	if w.span > 0 {
		for w.count > 0 && ts.Sub(w.oldest().ts) > w.span {
			w.removeOldest()
		}
	}
	if w.count == len(w.entries) {
		w.removeOldest()
	}

	w.entries[(w.head+w.count)%len(w.entries)] = entry{ts: ts, value: value}
	w.count++

	// Welford update.
	delta := value - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (value - w.mean)

	return nil
}

// Stats returns the current statistics. The second return is false while the
// window holds fewer than 2 samples: not a fault, just no signal yet.
func (w *Window) Stats() (Stats, bool) {
	if w.count < 2 {
		return Stats{Samples: w.count}, false
	}

	variance := w.m2 / float64(w.count)
	if variance < 0 {
		variance = 0
	}

	newest := w.newest()
	prev := w.at(w.count - 2)
	dt := newest.ts.Sub(prev.ts).Seconds()
	rate := 0.0
	if dt > 0 {
		rate = (newest.value - prev.value) / dt
	}

	return Stats{
		Mean:     w.mean,
		Variance: variance,
		StdDev:   math.Sqrt(variance),
		Rate:     rate,
		Samples:  w.count,
	}, true
}

// Values returns the buffered values ordered oldest to newest.
func (w *Window) Values() []float64 {
	out := make([]float64, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.at(i).value
	}
	return out
}

// Rates returns up to k of the most recent successive inter-sample rates,
// ordered oldest to newest.
func (w *Window) Rates(k int) []float64 {
	if w.count < 2 || k <= 0 {
		return nil
	}
	if k > w.count-1 {
		k = w.count - 1
	}
	out := make([]float64, 0, k)
	for i := w.count - 1 - k; i < w.count-1; i++ {
		a, b := w.at(i), w.at(i+1)
		dt := b.ts.Sub(a.ts).Seconds()
		if dt <= 0 {
			continue
		}
		out = append(out, (b.value-a.value)/dt)
	}
	return out
}

// Delta returns newest-minus-oldest value over the current window. Used for
// counter metrics where the in-window count is the quantity of interest.
func (w *Window) Delta() float64 {
	if w.count < 2 {
		return 0
	}
	return w.newest().value - w.oldest().value
}

// Span returns the time covered by the buffered samples, newest minus
// oldest. Zero while the window holds fewer than 2 samples.
func (w *Window) Span() time.Duration {
	if w.count < 2 {
		return 0
	}
	return w.newest().ts.Sub(w.oldest().ts)
}

// Len returns the number of buffered samples.
func (w *Window) Len() int { return w.count }

// Last returns the newest sample, if any.
func (w *Window) Last() (time.Time, float64, bool) {
	if w.count == 0 {
		return time.Time{}, 0, false
	}
	n := w.newest()
	return n.ts, n.value, true
}

func (w *Window) at(i int) entry {
	return w.entries[(w.head+i)%len(w.entries)]
}

func (w *Window) oldest() entry { return w.at(0) }
func (w *Window) newest() entry { return w.at(w.count - 1) }

// removeOldest reverses the Welford update for the evicted value.
func (w *Window) removeOldest() {
	x := w.oldest().value
	n := float64(w.count)

	if w.count == 1 {
		w.mean = 0
		w.m2 = 0
	} else {
		newMean := (n*w.mean - x) / (n - 1)
		w.m2 -= (x - w.mean) * (x - newMean)
		if w.m2 < 0 {
			w.m2 = 0
		}
		w.mean = newMean
	}

	w.head = (w.head + 1) % len(w.entries)
	w.count--
}
