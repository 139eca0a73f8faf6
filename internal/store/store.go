// Package store persists forksd entities and publishes a domain event for
// every mutation.
package store

import (
	"context"
	"errors"

	"github.com/forksd/forksd/internal/events/bus"
	"github.com/forksd/forksd/internal/models"
)

// Sentinel errors for expected failure modes. Anything else returned by a
// Store method is an internal error.
var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a unique violation or a lost race.
	ErrConflict = errors.New("conflict")
	// ErrNoPlanTasks reports a plan approval without any associated task.
	ErrNoPlanTasks = errors.New("plan has no tasks")
)

// Store is the repository interface used by the core. Compound operations
// (PickAttempt, ClaimTask, RespondToApproval, ...) are single transactions;
// a nil entity with a nil error means the state-machine precondition did not
// hold (the "fails silently" contract).
type Store interface {
	// Emitter exposes the event bus on which the store publishes a domain
	// event for every mutation.
	Emitter() bus.Bus

	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Workspaces
	CreateWorkspace(ctx context.Context, w *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	ListWorkspacesByProject(ctx context.Context, projectID string) ([]*models.Workspace, error)
	TouchWorkspace(ctx context.Context, id string) error
	UpdateWorkspaceStatus(ctx context.Context, id string, status models.WorkspaceStatus) error
	DeleteWorkspace(ctx context.Context, id string) error

	// Chats
	CreateChat(ctx context.Context, c *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	UpdateChatThreadID(ctx context.Context, id, threadID string) error
	UpdateChatStatus(ctx context.Context, id, status string) error

	// Attempts
	CreateAttempt(ctx context.Context, a *models.Attempt) error
	GetAttempt(ctx context.Context, id string) (*models.Attempt, error)
	ListAttemptsByChat(ctx context.Context, chatID string) ([]*models.Attempt, error)
	UpdateAttemptWorktree(ctx context.Context, id, worktreePath, branch string) error
	UpdateAttemptThread(ctx context.Context, id, threadID string) error
	CompleteAttempt(ctx context.Context, id, result, errMsg string) error
	UpdateAttemptStatus(ctx context.Context, id string, status models.AttemptStatus) error
	// PickAttempt transitions one attempt from completed to picked. Exactly
	// one of N concurrent calls on the same attempt succeeds.
	PickAttempt(ctx context.Context, id string) (*models.Attempt, error)
	// DiscardOtherAttempts batch-discards every sibling of the picked attempt.
	DiscardOtherAttempts(ctx context.Context, chatID, pickedID string) ([]*models.Attempt, error)

	// Subagents
	CreateSubagent(ctx context.Context, s *models.Subagent) error
	GetSubagent(ctx context.Context, id string) (*models.Subagent, error)
	UpdateSubagent(ctx context.Context, id string, status models.SubagentStatus, result, errMsg string) error
	GetSubagentStatusCountsByChat(ctx context.Context, chatID string) (*models.SubagentStatusCounts, error)
	CountRunningSubagentsByChat(ctx context.Context, chatID string) (int, error)

	// Plans
	CreatePlan(ctx context.Context, p *models.Plan) error
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	// RespondToPlan resolves a pending plan. Approval fails with
	// ErrNoPlanTasks unless at least one task references the plan.
	RespondToPlan(ctx context.Context, id string, approved bool, feedback string) (*models.Plan, error)

	// Questions
	CreateQuestion(ctx context.Context, q *models.Question) error
	GetQuestion(ctx context.Context, id string) (*models.Question, error)
	AnswerQuestion(ctx context.Context, id, answer string) (*models.Question, error)
	CancelQuestion(ctx context.Context, id string) (*models.Question, error)

	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksByChat(ctx context.Context, chatID string) ([]*models.Task, error)
	ClaimTask(ctx context.Context, id, agentID string) (*models.Task, error)
	UnclaimTask(ctx context.Context, id, agentID, reason string) (*models.Task, error)
	CompleteTask(ctx context.Context, id, agentID, result string) (*models.Task, error)
	FailTask(ctx context.Context, id, agentID, result string) (*models.Task, error)

	// Approvals
	CreateApproval(ctx context.Context, a *models.Approval) error
	GetApproval(ctx context.Context, id string) (*models.Approval, error)
	GetApprovalByToken(ctx context.Context, token string) (*models.Approval, error)
	ListPendingApprovalsByThread(ctx context.Context, threadID string) ([]*models.Approval, error)
	// RespondToApproval resolves a pending approval as accepted or declined.
	RespondToApproval(ctx context.Context, id string, accepted bool) (*models.Approval, error)
	// CancelApproval transitions a pending approval to cancelled.
	CancelApproval(ctx context.Context, id string) (*models.Approval, error)

	Close() error
}
