package orchestrator

import (
	"strings"
	"sync"
)

const (
	// maxAccumulatorBytes bounds the per-thread agent-message accumulator.
	maxAccumulatorBytes = 1 << 20
	// maxDiffBytes bounds the per-thread diff buffer.
	maxDiffBytes = 5 << 20
	// maxResultBytes bounds any string persisted as an execution result.
	maxResultBytes = 1 << 20

	diffTruncatedMarker = "\n[DIFF TRUNCATED]"
)

// accumulator collects streamed message deltas and the latest diff for one
// thread.
type accumulator struct {
	chunks []string
	total  int
	diff   string
}

// accumulatorSet is the thread-keyed accumulator table.
type accumulatorSet struct {
	mu sync.Mutex
	m  map[string]*accumulator
}

func newAccumulatorSet() *accumulatorSet {
	return &accumulatorSet{m: make(map[string]*accumulator)}
}

// Init creates an empty accumulator for a thread.
func (s *accumulatorSet) Init(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[threadID] = &accumulator{}
}

// AppendDelta appends a message delta, bounded by maxAccumulatorBytes in
// total. Returns false when the delta was dropped (over cap or unknown
// thread).
func (s *accumulatorSet) AppendDelta(threadID, delta string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.m[threadID]
	if !ok {
		return false
	}
	if acc.total+len(delta) > maxAccumulatorBytes {
		return false
	}
	acc.chunks = append(acc.chunks, delta)
	acc.total += len(delta)
	return true
}

// SetDiff replaces the thread's diff buffer; last writer wins. Oversized
// diffs are truncated with an explicit marker.
func (s *accumulatorSet) SetDiff(threadID, diff string) {
	if len(diff) > maxDiffBytes {
		diff = diff[:maxDiffBytes-len(diffTruncatedMarker)] + diffTruncatedMarker
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.m[threadID]; ok {
		acc.diff = diff
	}
}

// Join concatenates all accumulated deltas.
func (s *accumulatorSet) Join(threadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.m[threadID]
	if !ok {
		return ""
	}
	return strings.Join(acc.chunks, "")
}

// Diff returns the thread's current diff buffer.
func (s *accumulatorSet) Diff(threadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.m[threadID]; ok {
		return acc.diff
	}
	return ""
}

// Remove releases a thread's accumulator state.
func (s *accumulatorSet) Remove(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, threadID)
}

// Has reports whether a thread has accumulator state.
func (s *accumulatorSet) Has(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[threadID]
	return ok
}

// truncateResult caps a string persisted as a result or error.
func truncateResult(s string) string {
	if len(s) > maxResultBytes {
		return s[:maxResultBytes]
	}
	return s
}
