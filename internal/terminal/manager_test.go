package terminal

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/events/bus"
	"github.com/forksd/forksd/internal/models"
)

// fakePty is an in-memory PtyHandle driven by the test.
type fakePty struct {
	mu       sync.Mutex
	out      chan []byte
	input    bytes.Buffer
	code     int
	exitOnce sync.Once
	done     chan struct{}
	killed   bool
	termed   bool
	obeyTerm bool
	cols     uint16
	rows     uint16
}

func newFakePty() *fakePty {
	return &fakePty{out: make(chan []byte, 64), done: make(chan struct{}), obeyTerm: true}
}

func (f *fakePty) emit(data string) { f.out <- []byte(data) }

func (f *fakePty) exit(code int) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.code = code
		f.mu.Unlock()
		close(f.out)
		close(f.done)
	})
}

func (f *fakePty) Read(p []byte) (int, error) {
	data, ok := <-f.out
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (f *fakePty) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input.Write(p)
}

func (f *fakePty) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols, f.rows = cols, rows
	return nil
}

func (f *fakePty) Terminate() error {
	f.mu.Lock()
	f.termed = true
	obey := f.obeyTerm
	f.mu.Unlock()
	if obey {
		f.exit(0)
	}
	return nil
}

func (f *fakePty) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.exit(137)
	return nil
}

func (f *fakePty) Wait() (int, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, nil
}

func (f *fakePty) Close() error { return nil }

// fakeSub records frames and reports a settable buffer depth.
type fakeSub struct {
	id string

	mu       sync.Mutex
	outputs  [][]byte
	exits    []int
	buffered int
}

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) SendOutput(sessionID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.outputs = append(s.outputs, cp)
}

func (s *fakeSub) SendExit(sessionID string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits = append(s.exits, code)
}

func (s *fakeSub) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

func (s *fakeSub) setBuffered(n int) {
	s.mu.Lock()
	s.buffered = n
	s.mu.Unlock()
}

func (s *fakeSub) combinedOutput() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, o := range s.outputs {
		out = append(out, o...)
	}
	return out
}

func (s *fakeSub) outputCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outputs)
}

func (s *fakeSub) exitCodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.exits...)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	b := bus.NewMemoryBus(logger.Default())
	m := NewManager(logger.Default(), b)
	t.Cleanup(func() {
		m.ShutdownAll()
		b.Close()
	})
	return m
}

func registerFake(t *testing.T, m *Manager, id string) *fakePty {
	t.Helper()
	f := newFakePty()
	_, err := m.Register(id, f, "/tmp", StartOptions{Owner: models.OwnerUser})
	require.NoError(t, err)
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWriteSizeBound(t *testing.T) {
	m := newTestManager(t)
	f := registerFake(t, m, "t1")

	err := m.Write("t1", make([]byte, maxInputBytes+1))
	assert.ErrorIs(t, err, ErrInputTooLarge)

	require.NoError(t, m.Write("t1", []byte("ls\r")))
	f.mu.Lock()
	assert.Equal(t, "ls\r", f.input.String())
	f.mu.Unlock()
}

func TestResizeBounds(t *testing.T) {
	m := newTestManager(t)
	f := registerFake(t, m, "t1")

	for _, bad := range [][2]int{{0, 24}, {501, 24}, {80, 0}, {80, 201}} {
		assert.ErrorIs(t, m.Resize("t1", bad[0], bad[1]), ErrInvalidDimensions)
	}

	require.NoError(t, m.Resize("t1", 120, 40))
	f.mu.Lock()
	assert.Equal(t, uint16(120), f.cols)
	assert.Equal(t, uint16(40), f.rows)
	f.mu.Unlock()

	assert.ErrorIs(t, m.Resize("missing", 80, 24), ErrSessionNotFound)
}

func TestAttachReplaysHistory(t *testing.T) {
	m := newTestManager(t)
	f := registerFake(t, m, "t1")

	f.emit("early output\r\n")
	waitFor(t, func() bool {
		h, err := m.GetHistory("t1")
		return err == nil && len(h) > 0
	})

	sub := &fakeSub{id: "s1"}
	require.NoError(t, m.Attach("t1", sub))

	waitFor(t, func() bool { return sub.outputCount() >= 1 })
	assert.Equal(t, "early output\r\n", string(sub.combinedOutput()))
}

func TestOutputBatchingCoalesces(t *testing.T) {
	m := newTestManager(t)
	f := registerFake(t, m, "t1")

	sub := &fakeSub{id: "s1"}
	require.NoError(t, m.Attach("t1", sub))

	f.emit("a")
	f.emit("b")
	f.emit("c")

	waitFor(t, func() bool { return string(sub.combinedOutput()) == "abc" })
	// Chunks arriving inside one batch window fan out as a single frame.
	assert.LessOrEqual(t, sub.outputCount(), 2)
}

func TestHistoryBounded(t *testing.T) {
	m := newTestManager(t)
	f := registerFake(t, m, "t1")

	chunk := string(bytes.Repeat([]byte("x"), 4096))
	total := (historyLimit / len(chunk)) + 8
	for i := 0; i < total; i++ {
		f.emit(chunk)
	}

	waitFor(t, func() bool {
		h, _ := m.GetHistory("t1")
		return len(h) == historyLimit
	})
}

func TestBackpressureSkipsOutputNotExit(t *testing.T) {
	m := newTestManager(t)
	f := registerFake(t, m, "t1")

	slow := &fakeSub{id: "slow"}
	slow.setBuffered(subscriberPauseBytes + 1)
	fast := &fakeSub{id: "fast"}
	require.NoError(t, m.Attach("t1", slow))
	require.NoError(t, m.Attach("t1", fast))

	f.emit("dropped for slow\r\n")
	waitFor(t, func() bool { return fast.outputCount() >= 1 })
	assert.Zero(t, slow.outputCount())

	f.exit(0)
	waitFor(t, func() bool { return len(slow.exitCodes()) == 1 })
	assert.Equal(t, []int{0}, slow.exitCodes())
	waitFor(t, func() bool { return len(fast.exitCodes()) == 1 })

	// History still holds what the slow subscriber missed.
	h, err := m.GetHistory("t1")
	require.NoError(t, err)
	assert.Contains(t, string(h), "dropped for slow")
}

func TestSetVisiblePromotesOwnership(t *testing.T) {
	m := newTestManager(t)
	f := newFakePty()
	_, err := m.Register("t1", f, "/tmp", StartOptions{Owner: models.OwnerAgent, Visible: false})
	require.NoError(t, err)

	require.NoError(t, m.SetVisible("t1", true))
	meta, err := m.GetMetadata("t1")
	require.NoError(t, err)
	assert.True(t, meta.Visible)
	assert.Equal(t, models.OwnerUser, meta.Owner)
}

func TestExitCodeReported(t *testing.T) {
	m := newTestManager(t)
	f := registerFake(t, m, "t1")

	code, err := m.GetExitCode("t1")
	require.NoError(t, err)
	assert.Nil(t, code)

	f.exit(3)
	waitFor(t, func() bool {
		c, _ := m.GetExitCode("t1")
		return c != nil && *c == 3
	})
}

func TestDetachAll(t *testing.T) {
	m := newTestManager(t)
	f1 := registerFake(t, m, "t1")
	f2 := registerFake(t, m, "t2")

	sub := &fakeSub{id: "s1"}
	require.NoError(t, m.Attach("t1", sub))
	require.NoError(t, m.Attach("t2", sub))

	m.DetachAll("s1")
	f1.emit("one")
	f2.emit("two")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sub.outputCount())
}

func TestShutdownAllGracefulThenKill(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	defer b.Close()
	m := NewManager(logger.Default(), b)

	polite := newFakePty()
	stubborn := newFakePty()
	stubborn.obeyTerm = false
	_, err := m.Register("polite", polite, "/tmp", StartOptions{Owner: models.OwnerUser})
	require.NoError(t, err)
	_, err = m.Register("stubborn", stubborn, "/tmp", StartOptions{Owner: models.OwnerUser})
	require.NoError(t, err)

	m.ShutdownAll()

	polite.mu.Lock()
	assert.True(t, polite.termed)
	assert.False(t, polite.killed)
	polite.mu.Unlock()

	stubborn.mu.Lock()
	assert.True(t, stubborn.termed)
	assert.True(t, stubborn.killed)
	stubborn.mu.Unlock()
}
