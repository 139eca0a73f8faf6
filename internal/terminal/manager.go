package terminal

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/events"
	"github.com/forksd/forksd/internal/events/bus"
	"github.com/forksd/forksd/internal/models"
)

const (
	// maxInputBytes bounds a single write into a PTY.
	maxInputBytes = 64 * 1024
	maxCols       = 500
	maxRows       = 200
	// inactivityTimeout reaps agent-owned hidden sessions after silence.
	inactivityTimeout = 5 * time.Minute
	reaperInterval    = 30 * time.Second
	// shutdownGrace is how long ShutdownAll waits between the graceful exit
	// request and the force kill.
	shutdownGrace = 1 * time.Second
)

var (
	ErrSessionNotFound   = errors.New("terminal session not found")
	ErrInputTooLarge     = errors.New("terminal input exceeds limit")
	ErrInvalidDimensions = errors.New("invalid terminal dimensions")
)

// Manager owns all live terminal sessions.
type Manager struct {
	spawn  SpawnFunc
	logger *logger.Logger
	bus    bus.Bus

	mu       sync.RWMutex
	sessions map[string]*Session

	stopReaper chan struct{}
	reaperOnce sync.Once
}

// NewManager builds a Manager and starts the inactivity reaper.
func NewManager(log *logger.Logger, eventBus bus.Bus) *Manager {
	m := &Manager{
		spawn:      Spawn,
		logger:     log,
		bus:        eventBus,
		sessions:   make(map[string]*Session),
		stopReaper: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// SetSpawnFunc overrides the PTY factory. Intended for tests.
func (m *Manager) SetSpawnFunc(fn SpawnFunc) { m.spawn = fn }

// StartOptions parameterizes Start.
type StartOptions struct {
	Cwd     string
	Command string
	Owner   models.TerminalOwner
	Visible bool
	Cols    uint16
	Rows    uint16
}

// Start spawns a shell with a filtered environment and registers it.
func (m *Manager) Start(id string, opts StartOptions) (models.TerminalMetadata, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	pty, err := m.spawn(SpawnOptions{
		Command: opts.Command,
		Cwd:     opts.Cwd,
		Env:     FilterEnv(os.Environ()),
		Cols:    cols,
		Rows:    rows,
	})
	if err != nil {
		return models.TerminalMetadata{}, fmt.Errorf("failed to spawn terminal: %w", err)
	}
	return m.Register(id, pty, opts.Cwd, opts)
}

// Register adopts an externally created PTY under the manager's lifecycle.
func (m *Manager) Register(id string, pty PtyHandle, cwd string, opts StartOptions) (models.TerminalMetadata, error) {
	owner := opts.Owner
	if owner == "" {
		owner = models.OwnerUser
	}
	s := newSession(id, cwd, opts.Command, owner, opts.Visible, pty, m.onSessionClose)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		_ = pty.Kill()
		_ = pty.Close()
		return models.TerminalMetadata{}, fmt.Errorf("terminal session %q already registered", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	go s.readLoop()

	meta := s.metadata()
	m.emit(events.EventCreated, meta)
	m.logger.Info("terminal session registered",
		zap.String("terminal_id", id),
		zap.String("owner", string(owner)))
	return meta, nil
}

func (m *Manager) onSessionClose(s *Session) {
	meta := s.metadata()
	m.emit(events.EventUpdated, meta)
	m.logger.Info("terminal session exited",
		zap.String("terminal_id", s.id),
		zap.Intp("exit_code", meta.ExitCode))
}

func (m *Manager) emit(verb string, meta models.TerminalMetadata) {
	if m.bus != nil {
		m.bus.Publish(events.ChannelAgent, events.TerminalEvent(verb, &meta))
	}
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Attach subscribes to a session's output, replaying history first.
func (m *Manager) Attach(id string, sub Subscriber) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.attach(sub)
	return nil
}

// Detach unsubscribes from one session.
func (m *Manager) Detach(id, subscriberID string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.detach(subscriberID)
	return nil
}

// DetachAll unsubscribes a subscriber from every session.
func (m *Manager) DetachAll(subscriberID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.detach(subscriberID)
	}
}

// Write feeds input into a session's PTY.
func (m *Manager) Write(id string, data []byte) error {
	if len(data) > maxInputBytes {
		return ErrInputTooLarge
	}
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.write(data)
}

// Resize changes the PTY dimensions.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols < 1 || cols > maxCols || rows < 1 || rows > maxRows {
		return ErrInvalidDimensions
	}
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.pty.Resize(uint16(cols), uint16(rows))
}

// SetVisible updates a session's visibility; see Session.setVisible for the
// ownership transfer rule.
func (m *Manager) SetVisible(id string, visible bool) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.setVisible(visible)
	m.emit(events.EventUpdated, s.metadata())
	return nil
}

// Has reports whether a session exists.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// List returns all session ids.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// GetMetadata returns a session's metadata.
func (m *Manager) GetMetadata(id string) (models.TerminalMetadata, error) {
	s, err := m.get(id)
	if err != nil {
		return models.TerminalMetadata{}, err
	}
	return s.metadata(), nil
}

// ListWithMetadata returns metadata for every session.
func (m *Manager) ListWithMetadata() []models.TerminalMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TerminalMetadata, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.metadata())
	}
	return out
}

// GetHistory returns a copy of a session's ring-buffered output.
func (m *Manager) GetHistory(id string) ([]byte, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.historySnapshot(), nil
}

// GetExitCode returns the exit code, nil while still running.
func (m *Manager) GetExitCode(id string) (*int, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.getExitCode(), nil
}

// Close force-terminates one session and forgets it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if !s.isExited() {
		_ = s.pty.Kill()
	}
	_ = s.pty.Close()
	m.emit(events.EventDeleted, s.metadata())
	return nil
}

// ShutdownAll requests a graceful exit on every session, waits the grace
// period, then force-kills stragglers. The manager is unusable afterwards.
func (m *Manager) ShutdownAll() {
	m.reaperOnce.Do(func() { close(m.stopReaper) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if !s.isExited() {
			if err := s.pty.Terminate(); err != nil {
				m.logger.Debug("terminal terminate failed",
					zap.String("terminal_id", s.id),
					zap.Error(err))
			}
		}
	}

	deadline := time.After(shutdownGrace)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-deadline:
			break wait
		case <-ticker.C:
			alive := false
			for _, s := range sessions {
				if !s.isExited() {
					alive = true
					break
				}
			}
			if !alive {
				break wait
			}
		}
	}

	for _, s := range sessions {
		if !s.isExited() {
			_ = s.pty.Kill()
		}
		_ = s.pty.Close()
	}
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopReaper:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-inactivityTimeout)
	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if s.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.logger.Info("reaping idle terminal session", zap.String("terminal_id", id))
		_ = m.Close(id)
	}
}
