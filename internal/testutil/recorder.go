// Package testutil provides helpers for concurrency tests: a logical-clock
// interval recorder, blocking gates and deterministic id generators.
package testutil

import (
	"fmt"
	"sort"
	"sync"
)

// Interval is the span a named task held a resource, in logical ticks.
type Interval struct {
	Name  string
	Start int64
	End   int64 // 0 while still open
}

// Recorder stamps Enter/Exit events with a monotonic logical clock.
//
// Tests call Enter at the top of a task and Exit before it returns, then
// assert that no two intervals overlap (mutual exclusion) and that tasks
// started in the expected order (FIFO).
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Recorder struct {
	mu        sync.Mutex
	seq       int64
	intervals []Interval
	open      map[string]int
}

// NewRecorder creates an empty recorder. The first tick is 1.
func NewRecorder() *Recorder {
	return &Recorder{open: make(map[string]int)}
}

// Enter opens an interval for name.
func (r *Recorder) Enter(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.open[name] = len(r.intervals)
	r.intervals = append(r.intervals, Interval{Name: name, Start: r.seq})
}

// Exit closes the open interval for name.
// Panics if name has no open interval; that is a broken test.
func (r *Recorder) Exit(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.open[name]
	if !ok {
		panic(fmt.Sprintf("Recorder: Exit(%q) without Enter", name))
	}
	delete(r.open, name)
	r.seq++
	r.intervals[idx].End = r.seq
}

// Intervals returns a copy of all recorded intervals in Enter order.
func (r *Recorder) Intervals() []Interval {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Interval, len(r.intervals))
	copy(out, r.intervals)
	return out
}

// Order returns the names in the order they entered.
func (r *Recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.intervals))
	for i, iv := range r.intervals {
		names[i] = iv.Name
	}
	return names
}

// Overlaps returns every pair of intervals that were open at the same time.
// An interval still open is treated as extending to infinity.
func (r *Recorder) Overlaps() [][2]string {
	ivs := r.Intervals()
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })

	var out [][2]string
	for i := 0; i < len(ivs); i++ {
		end := ivs[i].End
		for j := i + 1; j < len(ivs); j++ {
			if end != 0 && ivs[j].Start > end {
				break
			}
			out = append(out, [2]string{ivs[i].Name, ivs[j].Name})
		}
	}
	return out
}
