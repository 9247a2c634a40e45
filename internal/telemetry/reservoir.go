// SPDX-License-Identifier: MIT

package telemetry

import (
	"sort"
	"time"
)

// reservoir keeps the most recent capacity duration samples in a ring.
// Percentile queries copy and sort; the ring is small enough (1000) that
// this stays off any hot path.
type reservoir struct {
	buf  []time.Duration
	next int
	full bool
}

func newReservoir(capacity int) *reservoir {
	if capacity <= 0 {
		capacity = 1000
	}
	return &reservoir{buf: make([]time.Duration, capacity)}
}

func (r *reservoir) add(d time.Duration) {
	r.buf[r.next] = d
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *reservoir) size() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// sorted returns the held samples in ascending order.
func (r *reservoir) sorted() []time.Duration {
	n := r.size()
	out := make([]time.Duration, n)
	copy(out, r.buf[:n])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// percentile returns the p-th percentile in milliseconds (nearest-rank).
func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return float64(sorted[rank]) / float64(time.Millisecond)
}

func summarize(sorted []time.Duration) LatencySummary {
	if len(sorted) == 0 {
		return LatencySummary{}
	}
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return LatencySummary{
		Min:    ms(sorted[0]),
		Avg:    ms(sum) / float64(len(sorted)),
		Median: percentile(sorted, 50),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
		Max:    ms(sorted[len(sorted)-1]),
	}
}
