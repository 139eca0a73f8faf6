package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccumulatorAppendAndJoin(t *testing.T) {
	s := newAccumulatorSet()
	s.Init("th1")

	assert.True(t, s.AppendDelta("th1", "Hello "))
	assert.True(t, s.AppendDelta("th1", "world"))
	assert.Equal(t, "Hello world", s.Join("th1"))

	// Unknown threads are a silent miss.
	assert.False(t, s.AppendDelta("th-unknown", "x"))
	assert.Empty(t, s.Join("th-unknown"))
}

func TestAccumulatorBound(t *testing.T) {
	s := newAccumulatorSet()
	s.Init("th1")

	chunk := strings.Repeat("a", 256*1024)
	for i := 0; i < 4; i++ {
		assert.True(t, s.AppendDelta("th1", chunk))
	}
	// The accumulator is exactly full; any further delta is dropped.
	assert.False(t, s.AppendDelta("th1", "x"))
	assert.Len(t, s.Join("th1"), maxAccumulatorBytes)
}

func TestDiffLastWriterWins(t *testing.T) {
	s := newAccumulatorSet()
	s.Init("th1")

	s.SetDiff("th1", "first")
	s.SetDiff("th1", "second")
	assert.Equal(t, "second", s.Diff("th1"))
}

func TestDiffTruncation(t *testing.T) {
	s := newAccumulatorSet()
	s.Init("th1")

	s.SetDiff("th1", strings.Repeat("d", maxDiffBytes+100))
	diff := s.Diff("th1")
	assert.Len(t, diff, maxDiffBytes)
	assert.True(t, strings.HasSuffix(diff, "[DIFF TRUNCATED]"))

	// At or under the cap nothing is touched.
	exact := strings.Repeat("d", maxDiffBytes)
	s.SetDiff("th1", exact)
	assert.Equal(t, exact, s.Diff("th1"))
}

func TestAccumulatorRemove(t *testing.T) {
	s := newAccumulatorSet()
	s.Init("th1")
	assert.True(t, s.Has("th1"))

	s.Remove("th1")
	assert.False(t, s.Has("th1"))
	assert.False(t, s.AppendDelta("th1", "x"))
}

func TestTruncateResult(t *testing.T) {
	assert.Equal(t, "short", truncateResult("short"))
	long := strings.Repeat("r", maxResultBytes+5)
	assert.Len(t, truncateResult(long), maxResultBytes)
}
