package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Loopback is an in-process Adapter used when no agent backend is
// configured. Every turn completes immediately with an echo of the prompt,
// which keeps the daemon fully operable for development and tests.
type Loopback struct {
	mu        sync.Mutex
	nextSub   uint64
	events    map[uint64]EventHandler
	approvals map[uint64]ApprovalHandler
	cancelled map[string]bool
	seq       atomic.Uint64
}

// NewLoopback builds an idle loopback adapter.
func NewLoopback() *Loopback {
	return &Loopback{
		events:    make(map[uint64]EventHandler),
		approvals: make(map[uint64]ApprovalHandler),
		cancelled: make(map[string]bool),
	}
}

func (l *Loopback) StartThread(ctx context.Context) (string, error) {
	return "thread-" + uuid.NewString(), nil
}

func (l *Loopback) ForkThread(ctx context.Context, parentThreadID string, opts ForkOptions) (string, error) {
	return fmt.Sprintf("%s-fork-%d", parentThreadID, l.seq.Add(1)), nil
}

func (l *Loopback) SendTurn(ctx context.Context, threadID, prompt string, opts TurnOptions) (string, error) {
	runID := "run-" + uuid.NewString()
	go func() {
		l.emit(Event{Type: EventAgentMessageDelta, ThreadID: threadID, Delta: "Echo: " + prompt})
		l.mu.Lock()
		skip := l.cancelled[runID]
		l.mu.Unlock()
		if skip {
			return
		}
		l.emit(Event{Type: EventTurnCompleted, ThreadID: threadID})
	}()
	return runID, nil
}

func (l *Loopback) Cancel(ctx context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled[runID] = true
	return nil
}

func (l *Loopback) RespondToApproval(ctx context.Context, token string, decision Decision) (bool, error) {
	return true, nil
}

func (l *Loopback) OnEvent(handler EventHandler) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.events[id] = handler
	return NewSubscription(id, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.events, id)
	})
}

func (l *Loopback) OnApprovalRequest(handler ApprovalHandler) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.approvals[id] = handler
	return NewSubscription(id, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.approvals, id)
	})
}

func (l *Loopback) emit(ev Event) {
	l.mu.Lock()
	handlers := make([]EventHandler, 0, len(l.events))
	for _, h := range l.events {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

var _ Adapter = (*Loopback)(nil)
