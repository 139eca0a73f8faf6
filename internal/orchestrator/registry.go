package orchestrator

import (
	"context"
	"sync"
)

// Admission caps. Size counts reservations plus live contexts.
const (
	MaxGlobalExecutions  = 1000
	MaxPerChatExecutions = 10
)

// ExecutionType discriminates the two execution flavors.
type ExecutionType string

const (
	ExecSubagent ExecutionType = "subagent"
	ExecAttempt  ExecutionType = "attempt"
)

// Execution is the in-memory context of one live agent execution. Ctx is the
// execution's cancellation token: Cancel ends it, and every wait bound to the
// execution observes it.
type Execution struct {
	ID       string
	ChatID   string
	Type     ExecutionType
	ThreadID string
	RunID    string
	Cwd      string
	Ctx      context.Context
	Cancel   context.CancelFunc
}

// Registry indexes live executions by id, thread, and chat, and implements
// reservation-based admission control. Reservations close the TOCTOU window
// between the capacity check and the registration that follows the adapter's
// asynchronous startThread/sendTurn calls.
type Registry struct {
	mu              sync.Mutex
	contexts        map[string]*Execution
	byThread        map[string]*Execution
	byChat          map[string]map[string]*Execution
	reserved        map[string]string
	reservedPerChat map[string]int
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		contexts:        make(map[string]*Execution),
		byThread:        make(map[string]*Execution),
		byChat:          make(map[string]map[string]*Execution),
		reserved:        make(map[string]string),
		reservedPerChat: make(map[string]int),
	}
}

func (r *Registry) sizeLocked() int {
	return len(r.contexts) + len(r.reserved)
}

func (r *Registry) chatCountLocked(chatID string) int {
	return len(r.byChat[chatID]) + r.reservedPerChat[chatID]
}

// TryReserveForChat atomically admits one pending execution against both
// caps. The reservation must be promoted with Set or returned with
// ReleaseReservation on every path.
func (r *Registry) TryReserveForChat(contextID, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.reserved[contextID]; dup {
		return false
	}
	if _, dup := r.contexts[contextID]; dup {
		return false
	}
	if r.sizeLocked()+1 > MaxGlobalExecutions || r.chatCountLocked(chatID)+1 > MaxPerChatExecutions {
		return false
	}
	r.reserved[contextID] = chatID
	r.reservedPerChat[chatID]++
	return true
}

// TryReserveBatch admits a whole batch against the same chat, all or
// nothing.
func (r *Registry) TryReserveBatch(contextIDs []string, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range contextIDs {
		if _, dup := r.reserved[id]; dup {
			return false
		}
		if _, dup := r.contexts[id]; dup {
			return false
		}
	}
	n := len(contextIDs)
	if r.sizeLocked()+n > MaxGlobalExecutions || r.chatCountLocked(chatID)+n > MaxPerChatExecutions {
		return false
	}
	for _, id := range contextIDs {
		r.reserved[id] = chatID
	}
	r.reservedPerChat[chatID] += n
	return true
}

// ReleaseReservation returns an unused reservation.
func (r *Registry) ReleaseReservation(contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseReservationLocked(contextID)
}

func (r *Registry) releaseReservationLocked(contextID string) {
	chatID, ok := r.reserved[contextID]
	if !ok {
		return
	}
	delete(r.reserved, contextID)
	if r.reservedPerChat[chatID] <= 1 {
		delete(r.reservedPerChat, chatID)
	} else {
		r.reservedPerChat[chatID]--
	}
}

// Set promotes a reservation to a live context and builds the thread and
// chat indices.
func (r *Registry) Set(exec *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseReservationLocked(exec.ID)
	r.contexts[exec.ID] = exec
	if exec.ThreadID != "" {
		r.byThread[exec.ThreadID] = exec
	}
	chatMap, ok := r.byChat[exec.ChatID]
	if !ok {
		chatMap = make(map[string]*Execution)
		r.byChat[exec.ChatID] = chatMap
	}
	chatMap[exec.ID] = exec
}

// Delete removes a live context (or an unused reservation) from every index.
func (r *Registry) Delete(contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseReservationLocked(contextID)
	exec, ok := r.contexts[contextID]
	if !ok {
		return
	}
	delete(r.contexts, contextID)
	if exec.ThreadID != "" {
		delete(r.byThread, exec.ThreadID)
	}
	if chatMap := r.byChat[exec.ChatID]; chatMap != nil {
		delete(chatMap, contextID)
		if len(chatMap) == 0 {
			delete(r.byChat, exec.ChatID)
		}
	}
}

// Get returns a live context by id.
func (r *Registry) Get(contextID string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.contexts[contextID]
	return exec, ok
}

// GetByThreadID returns the live context owning a thread.
func (r *Registry) GetByThreadID(threadID string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.byThread[threadID]
	return exec, ok
}

// ChatIDForThread resolves a thread to its owning chat.
func (r *Registry) ChatIDForThread(threadID string) (string, bool) {
	exec, ok := r.GetByThreadID(threadID)
	if !ok {
		return "", false
	}
	return exec.ChatID, true
}

// GetAllByChatID returns every live context under a chat.
func (r *Registry) GetAllByChatID(chatID string) []*Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Execution, 0, len(r.byChat[chatID]))
	for _, exec := range r.byChat[chatID] {
		out = append(out, exec)
	}
	return out
}

// CountByChatID counts live contexts plus reservations for a chat.
func (r *Registry) CountByChatID(chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatCountLocked(chatID)
}

// Values returns every live context.
func (r *Registry) Values() []*Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Execution, 0, len(r.contexts))
	for _, exec := range r.contexts {
		out = append(out, exec)
	}
	return out
}

// Size counts live contexts plus reservations.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sizeLocked()
}

// Clear drops everything.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts = make(map[string]*Execution)
	r.byThread = make(map[string]*Execution)
	r.byChat = make(map[string]map[string]*Execution)
	r.reserved = make(map[string]string)
	r.reservedPerChat = make(map[string]int)
}
