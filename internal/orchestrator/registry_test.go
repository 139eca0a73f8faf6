package orchestrator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservePromoteRelease(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.TryReserveForChat("e1", "c1"))
	assert.Equal(t, 1, r.Size())
	assert.Equal(t, 1, r.CountByChatID("c1"))

	// Duplicate reservation is refused.
	assert.False(t, r.TryReserveForChat("e1", "c1"))

	r.Set(&Execution{ID: "e1", ChatID: "c1", ThreadID: "th1"})
	assert.Equal(t, 1, r.Size())
	assert.Equal(t, 1, r.CountByChatID("c1"))

	exec, ok := r.GetByThreadID("th1")
	require.True(t, ok)
	assert.Equal(t, "e1", exec.ID)

	chatID, ok := r.ChatIDForThread("th1")
	require.True(t, ok)
	assert.Equal(t, "c1", chatID)

	r.Delete("e1")
	assert.Zero(t, r.Size())
	_, ok = r.GetByThreadID("th1")
	assert.False(t, ok)
	assert.Zero(t, r.CountByChatID("c1"))
}

func TestReleaseUnusedReservation(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.TryReserveForChat("e1", "c1"))
	r.ReleaseReservation("e1")
	assert.Zero(t, r.Size())
	assert.Zero(t, r.CountByChatID("c1"))

	// Releasing twice is harmless.
	r.ReleaseReservation("e1")
	assert.Zero(t, r.Size())
}

func TestPerChatCap(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxPerChatExecutions; i++ {
		require.True(t, r.TryReserveForChat(fmt.Sprintf("e%d", i), "c1"))
	}
	assert.False(t, r.TryReserveForChat("overflow", "c1"))
	// A different chat is unaffected.
	assert.True(t, r.TryReserveForChat("other", "c2"))
}

func TestGlobalCap(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxGlobalExecutions; i++ {
		chat := fmt.Sprintf("c%d", i/MaxPerChatExecutions)
		require.True(t, r.TryReserveForChat(fmt.Sprintf("e%d", i), chat))
	}
	assert.False(t, r.TryReserveForChat("overflow", "c-fresh"))
}

func TestReserveBatchAllOrNothing(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.TryReserveBatch([]string{"a1", "a2", "a3"}, "c1"))
	assert.Equal(t, 3, r.CountByChatID("c1"))

	// A batch that would overflow the per-chat cap reserves nothing.
	big := make([]string, MaxPerChatExecutions)
	for i := range big {
		big[i] = fmt.Sprintf("b%d", i)
	}
	assert.False(t, r.TryReserveBatch(big, "c1"))
	assert.Equal(t, 3, r.CountByChatID("c1"))
}

func TestConcurrentReservationsRespectCap(t *testing.T) {
	r := NewRegistry()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.TryReserveForChat(fmt.Sprintf("e%d", i), "c1") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, MaxPerChatExecutions, admitted)
	assert.Equal(t, MaxPerChatExecutions, r.CountByChatID("c1"))
}

func TestGetAllByChatID(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("e%d", i)
		require.True(t, r.TryReserveForChat(id, "c1"))
		r.Set(&Execution{ID: id, ChatID: "c1", ThreadID: "th" + id})
	}
	require.True(t, r.TryReserveForChat("other", "c2"))
	r.Set(&Execution{ID: "other", ChatID: "c2", ThreadID: "th-other"})

	assert.Len(t, r.GetAllByChatID("c1"), 3)
	assert.Len(t, r.GetAllByChatID("c2"), 1)
	assert.Len(t, r.Values(), 4)

	r.Clear()
	assert.Zero(t, r.Size())
	assert.Empty(t, r.Values())
}
