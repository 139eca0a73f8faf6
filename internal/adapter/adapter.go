// Package adapter defines the contract with the downstream AI-process
// adapter. The adapter owns threads and runs; forksd drives it and consumes
// its event and approval streams.
package adapter

import "context"

// Event types emitted by the adapter.
const (
	EventThreadStarted     = "thread/started"
	EventTurnCompleted     = "turn/completed"
	EventItemStarted       = "item/started"
	EventItemCompleted     = "item/completed"
	EventAgentMessageDelta = "item/agentMessage/delta"
	EventTurnDiffUpdated   = "turn/diff/updated"
	EventError             = "error"
	EventAttemptPick       = "attempt_pick"
)

// Event is a single adapter notification. ThreadID routes the event to the
// owning execution; unknown thread ids are ignored by the orchestrator.
type Event struct {
	Type      string         `json:"type"`
	ThreadID  string         `json:"threadId,omitempty"`
	TurnID    string         `json:"turnId,omitempty"`
	ItemID    string         `json:"itemId,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	Diff      string         `json:"diff,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	AttemptID string         `json:"attemptId,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
}

// ApprovalParams carries the context of a tool call awaiting approval.
type ApprovalParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Command  string `json:"command,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalRequest is emitted when the agent needs a side-effectful tool call
// approved. Token is the adapter-side handle used to answer the request.
type ApprovalRequest struct {
	Token  string         `json:"token"`
	Type   string         `json:"type"`
	Params ApprovalParams `json:"params"`
}

// Decision is the answer to an approval request.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// TurnOptions parameterizes SendTurn.
type TurnOptions struct {
	Cwd string
}

// ForkOptions parameterizes ForkThread.
type ForkOptions struct {
	Cwd string
}

// EventHandler consumes adapter events. Handlers should be non-blocking;
// long work queues onto a worker.
type EventHandler func(Event)

// ApprovalHandler consumes approval requests.
type ApprovalHandler func(ApprovalRequest)

// Subscription is a value-typed handle for a registered handler. It can be
// stored, compared, and disposed.
type Subscription struct {
	id     uint64
	cancel func()
}

// NewSubscription builds a subscription handle. Intended for adapter
// implementations.
func NewSubscription(id uint64, cancel func()) Subscription {
	return Subscription{id: id, cancel: cancel}
}

// ID returns the registration id.
func (s Subscription) ID() uint64 { return s.id }

// Unsubscribe disposes the registration. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Adapter is the downstream collaborator contract.
type Adapter interface {
	// StartThread creates a fresh conversation thread and returns its id.
	StartThread(ctx context.Context) (string, error)

	// ForkThread branches an existing thread, optionally rooted at a new
	// working directory, and returns the new thread id.
	ForkThread(ctx context.Context, parentThreadID string, opts ForkOptions) (string, error)

	// SendTurn submits a prompt on a thread and returns the run id used for
	// cancellation.
	SendTurn(ctx context.Context, threadID, prompt string, opts TurnOptions) (string, error)

	// Cancel aborts a run. Best-effort; errors are advisory.
	Cancel(ctx context.Context, runID string) error

	// RespondToApproval answers an approval request by token. The bool
	// reports whether the token was found; the call is idempotent.
	RespondToApproval(ctx context.Context, token string, decision Decision) (bool, error)

	// OnEvent registers an event handler and returns its subscription.
	OnEvent(handler EventHandler) Subscription

	// OnApprovalRequest registers an approval handler and returns its
	// subscription.
	OnApprovalRequest(handler ApprovalHandler) Subscription
}
