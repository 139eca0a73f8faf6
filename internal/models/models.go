// Package models defines the persisted entities of forksd.
package models

import "time"

// WorkspaceStatus enumerates workspace lifecycle states.
type WorkspaceStatus string

const (
	WorkspaceActive   WorkspaceStatus = "active"
	WorkspaceArchived WorkspaceStatus = "archived"
)

// AttemptStatus enumerates attempt lifecycle states.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptPicked    AttemptStatus = "picked"
	AttemptDiscarded AttemptStatus = "discarded"
)

// SubagentStatus enumerates subagent lifecycle states.
type SubagentStatus string

const (
	SubagentRunning     SubagentStatus = "running"
	SubagentCompleted   SubagentStatus = "completed"
	SubagentCancelled   SubagentStatus = "cancelled"
	SubagentFailed      SubagentStatus = "failed"
	SubagentInterrupted SubagentStatus = "interrupted"
)

// PlanStatus enumerates plan decision states.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanApproved  PlanStatus = "approved"
	PlanRejected  PlanStatus = "rejected"
	PlanCancelled PlanStatus = "cancelled"
)

// QuestionStatus enumerates question states.
type QuestionStatus string

const (
	QuestionPending   QuestionStatus = "pending"
	QuestionAnswered  QuestionStatus = "answered"
	QuestionCancelled QuestionStatus = "cancelled"
)

// TaskStatus enumerates coordination task states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ApprovalStatus enumerates approval states.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalAccepted  ApprovalStatus = "accepted"
	ApprovalDeclined  ApprovalStatus = "declined"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// ApprovalType enumerates the kinds of tool calls that require approval.
type ApprovalType string

const (
	ApprovalCommandExecution ApprovalType = "commandExecution"
	ApprovalFileChange       ApprovalType = "fileChange"
)

// CollaborationMode controls how a chat drives the agent.
type CollaborationMode string

const (
	ModePlan    CollaborationMode = "plan"
	ModeExecute CollaborationMode = "execute"
)

// Project is a tracked git repository root.
type Project struct {
	ID            string    `db:"id" json:"id"`
	Path          string    `db:"path" json:"path"`
	Name          string    `db:"name" json:"name"`
	DefaultBranch string    `db:"default_branch" json:"defaultBranch"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// Workspace is a long-lived git worktree off a project.
type Workspace struct {
	ID             string          `db:"id" json:"id"`
	ProjectID      string          `db:"project_id" json:"projectId"`
	Path           string          `db:"path" json:"path"`
	Branch         string          `db:"branch" json:"branch"`
	Name           string          `db:"name" json:"name"`
	Status         WorkspaceStatus `db:"status" json:"status"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	LastAccessedAt time.Time       `db:"last_accessed_at" json:"lastAccessedAt"`
}

// Chat is a persisted agent conversation bound to a workspace.
type Chat struct {
	ID                string            `db:"id" json:"id"`
	WorkspaceID       string            `db:"workspace_id" json:"workspaceId"`
	AdapterThreadID   string            `db:"adapter_thread_id" json:"adapterThreadId,omitempty"`
	Title             string            `db:"title" json:"title,omitempty"`
	Status            string            `db:"status" json:"status"`
	CollaborationMode CollaborationMode `db:"collaboration_mode" json:"collaborationMode,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updatedAt"`
}

// Attempt is one branch of a poly-iteration over a chat. At most one attempt
// per chat may hold status picked.
type Attempt struct {
	ID              string        `db:"id" json:"id"`
	ChatID          string        `db:"chat_id" json:"chatId"`
	AdapterThreadID string        `db:"adapter_thread_id" json:"adapterThreadId,omitempty"`
	WorktreePath    string        `db:"worktree_path" json:"worktreePath,omitempty"`
	Branch          string        `db:"branch" json:"branch,omitempty"`
	Status          AttemptStatus `db:"status" json:"status"`
	Result          string        `db:"result" json:"result,omitempty"`
	Error           string        `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
}

// Subagent is a spawned streamed task under a chat.
type Subagent struct {
	ID              string         `db:"id" json:"id"`
	ParentChatID    string         `db:"parent_chat_id" json:"parentChatId"`
	ParentAttemptID string         `db:"parent_attempt_id" json:"parentAttemptId,omitempty"`
	Task            string         `db:"task" json:"task"`
	Status          SubagentStatus `db:"status" json:"status"`
	Result          string         `db:"result" json:"result,omitempty"`
	Error           string         `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// Plan is an agent-proposed implementation plan awaiting user decision.
type Plan struct {
	ID          string     `db:"id" json:"id"`
	ProjectID   string     `db:"project_id" json:"projectId"`
	ChatID      string     `db:"chat_id" json:"chatId"`
	AgentID     string     `db:"agent_id" json:"agentId"`
	Title       string     `db:"title" json:"title"`
	Content     string     `db:"content" json:"content"`
	Status      PlanStatus `db:"status" json:"status"`
	Feedback    string     `db:"feedback" json:"feedback,omitempty"`
	RespondedAt *time.Time `db:"responded_at" json:"respondedAt,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
}

// Question is a single-shot question to the user.
type Question struct {
	ID        string         `db:"id" json:"id"`
	ChatID    string         `db:"chat_id" json:"chatId"`
	AgentID   string         `db:"agent_id" json:"agentId"`
	Content   string         `db:"content" json:"content"`
	Answer    string         `db:"answer" json:"answer,omitempty"`
	Status    QuestionStatus `db:"status" json:"status"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}

// Task is a coordination work item. ClaimedBy is non-empty iff status is
// claimed, completed, or failed. A pending task carrying a result or
// unclaim reason was previously unclaimed (handoff context).
type Task struct {
	ID            string     `db:"id" json:"id"`
	ChatID        string     `db:"chat_id" json:"chatId"`
	PlanID        string     `db:"plan_id" json:"planId,omitempty"`
	Description   string     `db:"description" json:"description"`
	ClaimedBy     string     `db:"claimed_by" json:"claimedBy,omitempty"`
	Status        TaskStatus `db:"status" json:"status"`
	Result        string     `db:"result" json:"result,omitempty"`
	UnclaimReason string     `db:"unclaim_reason" json:"unclaimReason,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// Approval is a pending agent tool invocation awaiting user decision. Token
// is the only externally addressable handle and is bound to exactly one
// approval for its lifetime.
type Approval struct {
	ID           string         `db:"id" json:"id"`
	ChatID       string         `db:"chat_id" json:"chatId"`
	Token        string         `db:"token" json:"token"`
	ApprovalType ApprovalType   `db:"approval_type" json:"approvalType"`
	ThreadID     string         `db:"thread_id" json:"threadId"`
	TurnID       string         `db:"turn_id" json:"turnId"`
	ItemID       string         `db:"item_id" json:"itemId"`
	Command      string         `db:"command" json:"command,omitempty"`
	Cwd          string         `db:"cwd" json:"cwd,omitempty"`
	Reason       string         `db:"reason" json:"reason,omitempty"`
	Data         string         `db:"data" json:"data,omitempty"`
	Status       ApprovalStatus `db:"status" json:"status"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
	RespondedAt  *time.Time     `db:"responded_at" json:"respondedAt,omitempty"`
}

// SubagentStatusCounts aggregates subagent statuses for a chat.
type SubagentStatusCounts struct {
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Cancelled   int `json:"cancelled"`
	Failed      int `json:"failed"`
	Interrupted int `json:"interrupted"`
}

// TerminalOwner identifies who controls a terminal session.
type TerminalOwner string

const (
	OwnerUser  TerminalOwner = "user"
	OwnerAgent TerminalOwner = "agent"
)

// TerminalMetadata describes a live PTY session. Terminal sessions are
// in-memory only; this is the read-accessor view.
type TerminalMetadata struct {
	ID        string        `json:"id"`
	Cwd       string        `json:"cwd"`
	Owner     TerminalOwner `json:"owner"`
	Visible   bool          `json:"visible"`
	Command   string        `json:"command,omitempty"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}
