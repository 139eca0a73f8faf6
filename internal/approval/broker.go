// Package approval brokers the synchronous "ask the user" pattern over the
// asynchronous event system: it persists pending approvals, parks the agent's
// request until the user answers, and caches accept-for-session grants.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forksd/forksd/internal/adapter"
	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/models"
	"github.com/forksd/forksd/internal/store"
)

// DefaultTimeout bounds how long a request waits for the user.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrTokenNotFound reports an unknown approval token.
	ErrTokenNotFound = errors.New("approval token not found")
	// ErrNotPending reports a response to an already-resolved approval.
	ErrNotPending = errors.New("approval is not pending")
)

// Decision is the user's answer to an approval request.
type Decision string

const (
	DecisionAccept Decision = "accept"
	// DecisionAcceptForSession accepts and grants all future identical
	// invocations for the process lifetime.
	DecisionAcceptForSession Decision = "acceptForSession"
	DecisionDecline Decision = "decline"
)

// ChatResolver maps a live adapter thread to its owning chat.
type ChatResolver interface {
	ChatIDForThread(threadID string) (string, bool)
}

// sessionKey identifies an invocation for the accept-for-session cache.
// Deliberately excludes token and threadId so grants span threads.
type sessionKey struct {
	approvalType string
	command      string
	cwd          string
}

type waiter struct {
	ch chan Decision
}

// Broker persists approval requests and multiplexes user decisions back to
// the blocked adapter call.
type Broker struct {
	store    store.Store
	resolver ChatResolver
	logger   *logger.Logger
	timeout  time.Duration

	mu       sync.Mutex
	waiters  map[string]*waiter
	session  map[sessionKey]struct{}
	stopping bool
}

// NewBroker builds a Broker with the default timeout.
func NewBroker(st store.Store, resolver ChatResolver, log *logger.Logger) *Broker {
	return &Broker{
		store:    st,
		resolver: resolver,
		logger:   log,
		timeout:  DefaultTimeout,
		waiters:  make(map[string]*waiter),
		session:  make(map[sessionKey]struct{}),
	}
}

// SetTimeout overrides the wait bound. Intended for tests.
func (b *Broker) SetTimeout(d time.Duration) { b.timeout = d }

// HandleRequest processes one adapter approval request end to end and
// returns the decision to relay. Blocks until the user answers, the wait
// times out, or ctx is cancelled.
func (b *Broker) HandleRequest(ctx context.Context, req adapter.ApprovalRequest) adapter.Decision {
	key := sessionKey{
		approvalType: req.Type,
		command:      req.Params.Command,
		cwd:          req.Params.Cwd,
	}

	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return adapter.DecisionDecline
	}
	if _, granted := b.session[key]; granted {
		b.mu.Unlock()
		b.logger.Debug("approval auto-accepted from session cache",
			zap.String("command", req.Params.Command))
		return adapter.DecisionAccept
	}
	b.mu.Unlock()

	chatID, ok := b.resolver.ChatIDForThread(req.Params.ThreadID)
	if !ok {
		b.logger.Warn("approval request for unknown thread",
			zap.String("thread_id", req.Params.ThreadID))
		return adapter.DecisionDecline
	}

	// The adapter's token is used only if it already has the canonical
	// shape; anything else is replaced with a daemon-minted token.
	token := req.Token
	if !ValidTokenShape(token) {
		fresh, err := NewToken()
		if err != nil {
			b.logger.Error("failed to mint approval token, declining", zap.Error(err))
			return adapter.DecisionDecline
		}
		token = fresh
	}

	row := &models.Approval{
		ID:           uuid.NewString(),
		ChatID:       chatID,
		Token:        token,
		ApprovalType: models.ApprovalType(req.Type),
		ThreadID:     req.Params.ThreadID,
		TurnID:       req.Params.TurnID,
		ItemID:       req.Params.ItemID,
		Command:      req.Params.Command,
		Cwd:          req.Params.Cwd,
		Reason:       req.Params.Reason,
	}
	if err := b.store.CreateApproval(ctx, row); err != nil {
		b.logger.Error("failed to persist approval, declining",
			zap.String("chat_id", chatID),
			zap.Error(err))
		return adapter.DecisionDecline
	}

	w := &waiter{ch: make(chan Decision, 1)}
	b.mu.Lock()
	b.waiters[token] = w
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, token)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case decision := <-w.ch:
		if decision == DecisionAcceptForSession {
			b.mu.Lock()
			b.session[key] = struct{}{}
			b.mu.Unlock()
			return adapter.DecisionAccept
		}
		if decision == DecisionAccept {
			return adapter.DecisionAccept
		}
		return adapter.DecisionDecline

	case <-timer.C:
		return b.resolveTimeout(ctx, row.ID)

	case <-ctx.Done():
		if _, err := b.store.CancelApproval(context.Background(), row.ID); err != nil {
			b.logger.Warn("failed to cancel approval", zap.Error(err))
		}
		return adapter.DecisionDecline
	}
}

// resolveTimeout re-reads the row: if a response landed out-of-band it is
// honored, otherwise the approval is cancelled and declined.
func (b *Broker) resolveTimeout(ctx context.Context, approvalID string) adapter.Decision {
	row, err := b.store.GetApproval(ctx, approvalID)
	if err == nil && row.Status == models.ApprovalAccepted {
		return adapter.DecisionAccept
	}
	if err == nil && row.Status == models.ApprovalPending {
		if _, cancelErr := b.store.CancelApproval(ctx, approvalID); cancelErr != nil {
			b.logger.Warn("failed to cancel timed-out approval", zap.Error(cancelErr))
		}
		b.logger.Info("approval timed out", zap.String("approval_id", approvalID))
	}
	return adapter.DecisionDecline
}

// NotifyApprovalResponse resolves a pending approval by token with the
// user's decision. Returns ErrTokenNotFound for unknown tokens and
// ErrNotPending when the approval was already resolved.
func (b *Broker) NotifyApprovalResponse(ctx context.Context, token string, decision Decision) error {
	if !ValidTokenShape(token) {
		return ErrTokenNotFound
	}
	row, err := b.store.GetApprovalByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTokenNotFound
		}
		return err
	}
	if !TokensEqual(row.Token, token) {
		return ErrTokenNotFound
	}

	accepted := decision == DecisionAccept || decision == DecisionAcceptForSession
	resolved, err := b.store.RespondToApproval(ctx, row.ID, accepted)
	if err != nil {
		return err
	}
	if resolved == nil {
		return ErrNotPending
	}

	if w := b.waiterFor(token); w != nil {
		select {
		case w.ch <- decision:
		default:
		}
	}
	return nil
}

// CancelThread declines every pending approval bound to a thread. Called
// when an execution is cancelled or its thread dies.
func (b *Broker) CancelThread(ctx context.Context, threadID string) {
	pending, err := b.store.ListPendingApprovalsByThread(ctx, threadID)
	if err != nil {
		b.logger.Warn("failed to list pending approvals",
			zap.String("thread_id", threadID),
			zap.Error(err))
		return
	}
	for _, row := range pending {
		if _, err := b.store.CancelApproval(ctx, row.ID); err != nil {
			b.logger.Warn("failed to cancel approval",
				zap.String("approval_id", row.ID),
				zap.Error(err))
		}
		if w := b.waiterFor(row.Token); w != nil {
			select {
			case w.ch <- DecisionDecline:
			default:
			}
		}
	}
}

// waiterFor finds the parked request for a token, comparing in constant time.
func (b *Broker) waiterFor(token string) *waiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, w := range b.waiters {
		if TokensEqual(t, token) {
			return w
		}
	}
	return nil
}

// Shutdown declines all in-flight waits and clears the session cache. The
// broker refuses new requests afterwards.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.stopping = true
	waiters := make([]*waiter, 0, len(b.waiters))
	for _, w := range b.waiters {
		waiters = append(waiters, w)
	}
	b.session = make(map[sessionKey]struct{})
	b.mu.Unlock()

	for _, w := range waiters {
		select {
		case w.ch <- DecisionDecline:
		default:
		}
	}
}
