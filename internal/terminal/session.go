// Package terminal owns PTY session lifecycles: output batching, ring-buffer
// history, subscriber fan-out with backpressure, and inactivity reaping.
package terminal

import (
	"sync"
	"time"

	"github.com/forksd/forksd/internal/models"
)

const (
	// historyLimit bounds the per-session output ring buffer.
	historyLimit = 256 * 1024
	// batchBytes and batchDelay bound output coalescing before fan-out.
	batchBytes = 8 * 1024
	batchDelay = 16 * time.Millisecond
	// subscriberPauseBytes marks a subscriber as backpressured; output frames
	// are skipped for it while above this level. Exit frames always go out.
	subscriberPauseBytes = 64 * 1024
	readBufSize          = 4 * 1024
)

// Subscriber receives batched session output. Implementations must not block:
// sends go to a bounded queue and BufferedBytes reports its depth.
type Subscriber interface {
	ID() string
	SendOutput(sessionID string, data []byte)
	SendExit(sessionID string, exitCode int)
	BufferedBytes() int
}

// Session wraps one PTY with history and subscriber fan-out.
type Session struct {
	id        string
	cwd       string
	command   string
	createdAt time.Time

	pty PtyHandle

	mu           sync.Mutex
	owner        models.TerminalOwner
	visible      bool
	history      []byte
	pending      []byte
	flushTimer   *time.Timer
	subscribers  map[string]Subscriber
	lastActivity time.Time
	exitCode     *int
	exited       bool

	onClose func(s *Session)
}

func newSession(id, cwd, command string, owner models.TerminalOwner, visible bool, pty PtyHandle, onClose func(*Session)) *Session {
	return &Session{
		id:           id,
		cwd:          cwd,
		command:      command,
		createdAt:    time.Now().UTC(),
		pty:          pty,
		owner:        owner,
		visible:      visible,
		subscribers:  make(map[string]Subscriber),
		lastActivity: time.Now(),
		onClose:      onClose,
	}
}

// readLoop pumps PTY output into history and the batcher until the PTY
// closes, then reaps the exit code and notifies every subscriber.
func (s *Session) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.handleOutput(buf[:n])
		}
		if err != nil {
			break
		}
	}

	code, _ := s.pty.Wait()
	s.finish(code)
}

func (s *Session) handleOutput(data []byte) {
	s.mu.Lock()
	s.lastActivity = time.Now()

	s.history = append(s.history, data...)
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = s.history[over:]
	}

	s.pending = append(s.pending, data...)
	if len(s.pending) >= batchBytes {
		s.flushLocked()
	} else if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(batchDelay, s.flushPending)
	}
	s.mu.Unlock()
}

func (s *Session) flushPending() {
	s.mu.Lock()
	s.flushLocked()
	s.mu.Unlock()
}

// flushLocked fans the coalesced batch out once. Backpressured subscribers
// are skipped; history already holds the bytes they miss.
func (s *Session) flushLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.pending) == 0 {
		return
	}
	payload := make([]byte, len(s.pending))
	copy(payload, s.pending)
	s.pending = s.pending[:0]

	for _, sub := range s.subscribers {
		if sub.BufferedBytes() > subscriberPauseBytes {
			continue
		}
		sub.SendOutput(s.id, payload)
	}
}

func (s *Session) finish(code int) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	s.exited = true
	s.exitCode = &code
	s.flushLocked()
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.SendExit(s.id, code)
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}

// attach registers a subscriber and replays history. If the session already
// exited, the subscriber immediately receives the exit frame.
func (s *Session) attach(sub Subscriber) {
	s.mu.Lock()
	s.subscribers[sub.ID()] = sub
	history := make([]byte, len(s.history))
	copy(history, s.history)
	exited := s.exited
	var code int
	if s.exitCode != nil {
		code = *s.exitCode
	}
	s.mu.Unlock()

	if len(history) > 0 {
		sub.SendOutput(s.id, history)
	}
	if exited {
		sub.SendExit(s.id, code)
	}
}

func (s *Session) detach(subscriberID string) {
	s.mu.Lock()
	delete(s.subscribers, subscriberID)
	s.mu.Unlock()
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	_, err := s.pty.Write(data)
	return err
}

// setVisible updates visibility. Promoting an agent-owned session to visible
// transfers ownership to the user; the agent loses kill authority.
func (s *Session) setVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	if visible && s.owner == models.OwnerAgent {
		s.owner = models.OwnerUser
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// idleSince reports whether the session qualifies for inactivity reaping:
// agent-owned, not visible, silent past the cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner == models.OwnerAgent && !s.visible && !s.exited && s.lastActivity.Before(cutoff)
}

func (s *Session) metadata() models.TerminalMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.TerminalMetadata{
		ID:        s.id,
		Cwd:       s.cwd,
		Owner:     s.owner,
		Visible:   s.visible,
		Command:   s.command,
		ExitCode:  s.exitCode,
		CreatedAt: s.createdAt,
	}
}

func (s *Session) historySnapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) getExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *Session) isExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}
