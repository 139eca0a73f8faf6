// Package events defines the domain events carried on the "agent" channel
// and the wire envelope streamed to WebSocket clients.
package events

import "github.com/forksd/forksd/internal/models"

// ChannelAgent is the single logical channel carrying all domain events.
const ChannelAgent = "agent"

// Entity kinds for the AgentEvent tagged union.
const (
	KindChat         = "chat"
	KindAttempt      = "attempt"
	KindAttemptBatch = "attempt_batch"
	KindSubagent     = "subagent"
	KindTask         = "task"
	KindPlan         = "plan"
	KindQuestion     = "question"
	KindTerminal     = "terminal"
	KindApproval     = "approval"
	KindGraphite     = "graphite"
)

// Event verbs.
const (
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventDeleted   = "deleted"
	EventRequested = "requested"
	EventAccepted  = "accepted"
	EventDeclined  = "declined"
	EventCancelled = "cancelled"
	EventAnswered  = "answered"
	EventPicked    = "picked"

	// Streaming verbs. Events carrying these may be dropped for paused
	// connections; see IsDelta.
	EventAgentMessageDelta = "agent_message_delta"
	EventToolCallDelta     = "tool_call_delta"
)

// AgentEvent is the tagged union of domain events. Type names the entity
// kind; Event names the verb. Exactly one entity field is set.
type AgentEvent struct {
	Type  string `json:"type"`
	Event string `json:"event"`

	Chat     *models.Chat             `json:"chat,omitempty"`
	Attempt  *models.Attempt          `json:"attempt,omitempty"`
	Attempts []*models.Attempt        `json:"attempts,omitempty"`
	Subagent *models.Subagent         `json:"subagent,omitempty"`
	Task     *models.Task             `json:"task,omitempty"`
	Plan     *models.Plan             `json:"plan,omitempty"`
	Question *models.Question         `json:"question,omitempty"`
	Terminal *models.TerminalMetadata `json:"terminal,omitempty"`
	Approval *models.Approval         `json:"approval,omitempty"`
	Graphite map[string]any           `json:"graphite,omitempty"`

	// Streaming payload, set only for delta events.
	ThreadID string `json:"threadId,omitempty"`
	Delta    string `json:"delta,omitempty"`
}

// Envelope is the single JSON frame sent to WebSocket clients for agent
// events: {"type":"agent","event":<AgentEvent>}.
type Envelope struct {
	Type  string     `json:"type"`
	Event AgentEvent `json:"event"`
}

// NewEnvelope wraps an AgentEvent in the wire envelope.
func NewEnvelope(ev AgentEvent) Envelope {
	return Envelope{Type: ChannelAgent, Event: ev}
}

// IsDelta reports whether an event may be dropped for a paused (backpressured)
// WebSocket connection. Only agent-message and tool-call delta events are
// droppable; everything else must be delivered.
func (e AgentEvent) IsDelta() bool {
	switch e.Event {
	case EventAgentMessageDelta, EventToolCallDelta:
		return true
	}
	return false
}

// StreamDeltaEvent builds a droppable streaming event for a live thread.
func StreamDeltaEvent(kind, verb, threadID, delta string) AgentEvent {
	return AgentEvent{Type: kind, Event: verb, ThreadID: threadID, Delta: delta}
}

// SubagentEvent builds a subagent AgentEvent.
func SubagentEvent(verb string, s *models.Subagent) AgentEvent {
	return AgentEvent{Type: KindSubagent, Event: verb, Subagent: s}
}

// AttemptEvent builds an attempt AgentEvent.
func AttemptEvent(verb string, a *models.Attempt) AgentEvent {
	return AgentEvent{Type: KindAttempt, Event: verb, Attempt: a}
}

// AttemptBatchEvent builds an attempt_batch AgentEvent.
func AttemptBatchEvent(verb string, attempts []*models.Attempt) AgentEvent {
	return AgentEvent{Type: KindAttemptBatch, Event: verb, Attempts: attempts}
}

// TaskEvent builds a task AgentEvent.
func TaskEvent(verb string, t *models.Task) AgentEvent {
	return AgentEvent{Type: KindTask, Event: verb, Task: t}
}

// PlanEvent builds a plan AgentEvent.
func PlanEvent(verb string, p *models.Plan) AgentEvent {
	return AgentEvent{Type: KindPlan, Event: verb, Plan: p}
}

// QuestionEvent builds a question AgentEvent.
func QuestionEvent(verb string, q *models.Question) AgentEvent {
	return AgentEvent{Type: KindQuestion, Event: verb, Question: q}
}

// ApprovalEvent builds an approval AgentEvent.
func ApprovalEvent(verb string, a *models.Approval) AgentEvent {
	return AgentEvent{Type: KindApproval, Event: verb, Approval: a}
}

// ChatEvent builds a chat AgentEvent.
func ChatEvent(verb string, c *models.Chat) AgentEvent {
	return AgentEvent{Type: KindChat, Event: verb, Chat: c}
}

// TerminalEvent builds a terminal AgentEvent.
func TerminalEvent(verb string, t *models.TerminalMetadata) AgentEvent {
	return AgentEvent{Type: KindTerminal, Event: verb, Terminal: t}
}
