package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/forksd/forksd/internal/events"
	"github.com/forksd/forksd/internal/events/bus"
	"github.com/forksd/forksd/internal/models"
)

// SQLiteStore provides SQLite-backed storage. SQLite supports a single
// writer, so the pool is capped at one connection; every compound operation
// runs in one transaction.
type SQLiteStore struct {
	db  *sqlx.DB
	bus bus.Bus
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, eventBus bus.Bus) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, bus: eventBus}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT 'main',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		last_accessed_at DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		adapter_thread_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		collaboration_mode TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		adapter_thread_id TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS subagents (
		id TEXT PRIMARY KEY,
		parent_chat_id TEXT NOT NULL,
		parent_attempt_id TEXT NOT NULL DEFAULT '',
		task TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (parent_chat_id) REFERENCES chats(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		chat_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		feedback TEXT NOT NULL DEFAULT '',
		responded_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		answer TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		plan_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		claimed_by TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT NOT NULL DEFAULT '',
		unclaim_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		approval_type TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		turn_id TEXT NOT NULL DEFAULT '',
		item_id TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		responded_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_workspaces_project_id ON workspaces(project_id);
	CREATE INDEX IF NOT EXISTS idx_chats_workspace_id ON chats(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_chat_id ON attempts(chat_id);
	CREATE INDEX IF NOT EXISTS idx_subagents_chat_id ON subagents(parent_chat_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_chat_id ON tasks(chat_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_plan_id ON tasks(plan_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_thread_id ON approvals(thread_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_token ON approvals(token);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Emitter returns the event bus the store publishes on.
func (s *SQLiteStore) Emitter() bus.Bus { return s.bus }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) emit(ev events.AgentEvent) {
	if s.bus != nil {
		s.bus.Publish(events.ChannelAgent, ev)
	}
}

func now() time.Time { return time.Now().UTC() }

// mapGetErr converts sql.ErrNoRows to ErrNotFound.
func mapGetErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO projects (id, path, name, default_branch, created_at)
		VALUES (:id, :path, :name, :default_branch, :created_at)`, p)
	return err
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	return &p, nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Workspaces ---

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, w *models.Workspace) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now()
	}
	if w.LastAccessedAt.IsZero() {
		w.LastAccessedAt = w.CreatedAt
	}
	if w.Status == "" {
		w.Status = models.WorkspaceActive
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workspaces (id, project_id, path, branch, name, status, created_at, last_accessed_at)
		VALUES (:id, :project_id, :path, :branch, :name, :status, :created_at, :last_accessed_at)`, w)
	return err
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	var w models.Workspace
	if err := s.db.GetContext(ctx, &w, `SELECT * FROM workspaces WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	return &w, nil
}

func (s *SQLiteStore) ListWorkspacesByProject(ctx context.Context, projectID string) ([]*models.Workspace, error) {
	var ws []*models.Workspace
	err := s.db.SelectContext(ctx, &ws, `
		SELECT * FROM workspaces WHERE project_id = ? ORDER BY created_at`, projectID)
	return ws, err
}

func (s *SQLiteStore) TouchWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET last_accessed_at = ? WHERE id = ?`, now(), id)
	return err
}

func (s *SQLiteStore) UpdateWorkspaceStatus(ctx context.Context, id string, status models.WorkspaceStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Chats ---

func (s *SQLiteStore) CreateChat(ctx context.Context, c *models.Chat) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	c.UpdatedAt = c.CreatedAt
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO chats (id, workspace_id, adapter_thread_id, title, status, collaboration_mode, created_at, updated_at)
		VALUES (:id, :workspace_id, :adapter_thread_id, :title, :status, :collaboration_mode, :created_at, :updated_at)`, c)
	if err != nil {
		return err
	}
	s.emit(events.ChatEvent(events.EventCreated, c))
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	var c models.Chat
	if err := s.db.GetContext(ctx, &c, `SELECT * FROM chats WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	return &c, nil
}

func (s *SQLiteStore) updateChat(ctx context.Context, id, column string, value any) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE chats SET %s = ?, updated_at = ? WHERE id = ?`, column),
		value, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if c, err := s.GetChat(ctx, id); err == nil {
		s.emit(events.ChatEvent(events.EventUpdated, c))
	}
	return nil
}

func (s *SQLiteStore) UpdateChatThreadID(ctx context.Context, id, threadID string) error {
	return s.updateChat(ctx, id, "adapter_thread_id", threadID)
}

func (s *SQLiteStore) UpdateChatStatus(ctx context.Context, id, status string) error {
	return s.updateChat(ctx, id, "status", status)
}

// --- Attempts ---

func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *models.Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = models.AttemptRunning
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO attempts (id, chat_id, adapter_thread_id, worktree_path, branch, status, result, error, created_at, updated_at)
		VALUES (:id, :chat_id, :adapter_thread_id, :worktree_path, :branch, :status, :result, :error, :created_at, :updated_at)`, a)
	if err != nil {
		return err
	}
	s.emit(events.AttemptEvent(events.EventCreated, a))
	return nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*models.Attempt, error) {
	var a models.Attempt
	if err := s.db.GetContext(ctx, &a, `SELECT * FROM attempts WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAttemptsByChat(ctx context.Context, chatID string) ([]*models.Attempt, error) {
	var as []*models.Attempt
	err := s.db.SelectContext(ctx, &as, `
		SELECT * FROM attempts WHERE chat_id = ? ORDER BY created_at`, chatID)
	return as, err
}

func (s *SQLiteStore) emitAttemptUpdated(ctx context.Context, id string) {
	if a, err := s.GetAttempt(ctx, id); err == nil {
		s.emit(events.AttemptEvent(events.EventUpdated, a))
	}
}

func (s *SQLiteStore) UpdateAttemptWorktree(ctx context.Context, id, worktreePath, branch string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET worktree_path = ?, branch = ?, status = ?, updated_at = ? WHERE id = ?`,
		worktreePath, branch, models.AttemptRunning, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.emitAttemptUpdated(ctx, id)
	return nil
}

func (s *SQLiteStore) UpdateAttemptThread(ctx context.Context, id, threadID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET adapter_thread_id = ?, updated_at = ? WHERE id = ?`,
		threadID, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.emitAttemptUpdated(ctx, id)
	return nil
}

func (s *SQLiteStore) CompleteAttempt(ctx context.Context, id, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		models.AttemptCompleted, result, errMsg, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.emitAttemptUpdated(ctx, id)
	return nil
}

func (s *SQLiteStore) UpdateAttemptStatus(ctx context.Context, id string, status models.AttemptStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET status = ?, updated_at = ? WHERE id = ?`,
		status, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.emitAttemptUpdated(ctx, id)
	return nil
}

// PickAttempt transitions completed -> picked in a single transaction. The
// conditional UPDATE is the linearization point: under concurrent picks
// exactly one caller observes a row change.
func (s *SQLiteStore) PickAttempt(ctx context.Context, id string) (*models.Attempt, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE attempts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.AttemptPicked, now(), id, models.AttemptCompleted)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	var a models.Attempt
	if err := tx.GetContext(ctx, &a, `SELECT * FROM attempts WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.emit(events.AttemptEvent(events.EventPicked, &a))
	return &a, nil
}

func (s *SQLiteStore) DiscardOtherAttempts(ctx context.Context, chatID, pickedID string) ([]*models.Attempt, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE attempts SET status = ?, updated_at = ?
		WHERE chat_id = ? AND id != ? AND status IN (?, ?)`,
		models.AttemptDiscarded, now(), chatID, pickedID,
		models.AttemptRunning, models.AttemptCompleted)
	if err != nil {
		return nil, err
	}

	var siblings []*models.Attempt
	if err := tx.SelectContext(ctx, &siblings, `
		SELECT * FROM attempts WHERE chat_id = ? AND id != ?`, chatID, pickedID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.emit(events.AttemptBatchEvent(events.EventUpdated, siblings))
	return siblings, nil
}

// --- Subagents ---

func (s *SQLiteStore) CreateSubagent(ctx context.Context, sub *models.Subagent) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}
	sub.UpdatedAt = sub.CreatedAt
	if sub.Status == "" {
		sub.Status = models.SubagentRunning
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO subagents (id, parent_chat_id, parent_attempt_id, task, status, result, error, created_at, updated_at)
		VALUES (:id, :parent_chat_id, :parent_attempt_id, :task, :status, :result, :error, :created_at, :updated_at)`, sub)
	if err != nil {
		return err
	}
	s.emit(events.SubagentEvent(events.EventCreated, sub))
	return nil
}

func (s *SQLiteStore) GetSubagent(ctx context.Context, id string) (*models.Subagent, error) {
	var sub models.Subagent
	if err := s.db.GetContext(ctx, &sub, `SELECT * FROM subagents WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	return &sub, nil
}

func (s *SQLiteStore) UpdateSubagent(ctx context.Context, id string, status models.SubagentStatus, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagents SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, result, errMsg, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if sub, err := s.GetSubagent(ctx, id); err == nil {
		s.emit(events.SubagentEvent(events.EventUpdated, sub))
	}
	return nil
}

func (s *SQLiteStore) GetSubagentStatusCountsByChat(ctx context.Context, chatID string) (*models.SubagentStatusCounts, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT status, COUNT(*) FROM subagents WHERE parent_chat_id = ? GROUP BY status`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := &models.SubagentStatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch models.SubagentStatus(status) {
		case models.SubagentRunning:
			counts.Running = n
		case models.SubagentCompleted:
			counts.Completed = n
		case models.SubagentCancelled:
			counts.Cancelled = n
		case models.SubagentFailed:
			counts.Failed = n
		case models.SubagentInterrupted:
			counts.Interrupted = n
		}
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) CountRunningSubagentsByChat(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM subagents WHERE parent_chat_id = ? AND status = ?`,
		chatID, models.SubagentRunning)
	return n, err
}

// --- Plans ---

func (s *SQLiteStore) CreatePlan(ctx context.Context, p *models.Plan) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	if p.Status == "" {
		p.Status = models.PlanPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO plans (id, project_id, chat_id, agent_id, title, content, status, feedback, responded_at, created_at)
		VALUES (:id, :project_id, :chat_id, :agent_id, :title, :content, :status, :feedback, :responded_at, :created_at)`, p)
	if err != nil {
		return err
	}
	s.emit(events.PlanEvent(events.EventCreated, p))
	return nil
}

func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var p models.Plan
	if err := s.db.GetContext(ctx, &p, `SELECT * FROM plans WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	return &p, nil
}

func (s *SQLiteStore) RespondToPlan(ctx context.Context, id string, approved bool, feedback string) (*models.Plan, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if approved {
		var taskCount int
		if err := tx.GetContext(ctx, &taskCount, `
			SELECT COUNT(*) FROM tasks WHERE plan_id = ?`, id); err != nil {
			return nil, err
		}
		if taskCount == 0 {
			return nil, ErrNoPlanTasks
		}
	}

	status := models.PlanRejected
	if approved {
		status = models.PlanApproved
	}
	respondedAt := now()
	res, err := tx.ExecContext(ctx, `
		UPDATE plans SET status = ?, feedback = ?, responded_at = ? WHERE id = ? AND status = ?`,
		status, feedback, respondedAt, id, models.PlanPending)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	var p models.Plan
	if err := tx.GetContext(ctx, &p, `SELECT * FROM plans WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.emit(events.PlanEvent(events.EventUpdated, &p))
	return &p, nil
}

// --- Questions ---

func (s *SQLiteStore) CreateQuestion(ctx context.Context, q *models.Question) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now()
	}
	if q.Status == "" {
		q.Status = models.QuestionPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO questions (id, chat_id, agent_id, content, answer, status, created_at)
		VALUES (:id, :chat_id, :agent_id, :content, :answer, :status, :created_at)`, q)
	if err != nil {
		return err
	}
	s.emit(events.QuestionEvent(events.EventCreated, q))
	return nil
}

func (s *SQLiteStore) GetQuestion(ctx context.Context, id string) (*models.Question, error) {
	var q models.Question
	if err := s.db.GetContext(ctx, &q, `SELECT * FROM questions WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	return &q, nil
}

func (s *SQLiteStore) resolveQuestion(ctx context.Context, id, answer string, status models.QuestionStatus, verb string) (*models.Question, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE questions SET answer = ?, status = ? WHERE id = ? AND status = ?`,
		answer, status, id, models.QuestionPending)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	q, err := s.GetQuestion(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emit(events.QuestionEvent(verb, q))
	return q, nil
}

func (s *SQLiteStore) AnswerQuestion(ctx context.Context, id, answer string) (*models.Question, error) {
	return s.resolveQuestion(ctx, id, answer, models.QuestionAnswered, events.EventAnswered)
}

func (s *SQLiteStore) CancelQuestion(ctx context.Context, id string) (*models.Question, error) {
	return s.resolveQuestion(ctx, id, "", models.QuestionCancelled, events.EventCancelled)
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, chat_id, plan_id, description, claimed_by, status, result, unclaim_reason, created_at, updated_at)
		VALUES (:id, :chat_id, :plan_id, :description, :claimed_by, :status, :result, :unclaim_reason, :created_at, :updated_at)`, t)
	if err != nil {
		return err
	}
	s.emit(events.TaskEvent(events.EventCreated, t))
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTasksByChat(ctx context.Context, chatID string) ([]*models.Task, error) {
	var ts []*models.Task
	err := s.db.SelectContext(ctx, &ts, `
		SELECT * FROM tasks WHERE chat_id = ? ORDER BY created_at`, chatID)
	return ts, err
}

// ClaimTask transitions pending -> claimed. The conditional UPDATE makes the
// claim atomic: one of N concurrent claimants wins.
func (s *SQLiteStore) ClaimTask(ctx context.Context, id, agentID string) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskClaimed, agentID, now(), id, models.TaskPending)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emit(events.TaskEvent(events.EventUpdated, t))
	return t, nil
}

func (s *SQLiteStore) UnclaimTask(ctx context.Context, id, agentID, reason string) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = '', unclaim_reason = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		models.TaskPending, reason, now(), id, models.TaskClaimed, agentID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emit(events.TaskEvent(events.EventUpdated, t))
	return t, nil
}

func (s *SQLiteStore) finishTask(ctx context.Context, id, agentID, result string, status models.TaskStatus) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		status, result, now(), id, models.TaskClaimed, agentID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emit(events.TaskEvent(events.EventUpdated, t))
	return t, nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id, agentID, result string) (*models.Task, error) {
	return s.finishTask(ctx, id, agentID, result, models.TaskCompleted)
}

func (s *SQLiteStore) FailTask(ctx context.Context, id, agentID, result string) (*models.Task, error) {
	return s.finishTask(ctx, id, agentID, result, models.TaskFailed)
}

// --- Approvals ---

func (s *SQLiteStore) CreateApproval(ctx context.Context, a *models.Approval) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	if a.Status == "" {
		a.Status = models.ApprovalPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO approvals (id, chat_id, token, approval_type, thread_id, turn_id, item_id, command, cwd, reason, data, status, created_at, responded_at)
		VALUES (:id, :chat_id, :token, :approval_type, :thread_id, :turn_id, :item_id, :command, :cwd, :reason, :data, :status, :created_at, :responded_at)`, a)
	if err != nil {
		return err
	}
	// The row exists before the requested event is emitted, so listeners can
	// safely look it up by token.
	s.emit(events.ApprovalEvent(events.EventRequested, a))
	return nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	var a models.Approval
	if err := s.db.GetContext(ctx, &a, `SELECT * FROM approvals WHERE id = ?`, id); err != nil {
		return nil, mapGetErr(err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetApprovalByToken(ctx context.Context, token string) (*models.Approval, error) {
	var a models.Approval
	if err := s.db.GetContext(ctx, &a, `SELECT * FROM approvals WHERE token = ?`, token); err != nil {
		return nil, mapGetErr(err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListPendingApprovalsByThread(ctx context.Context, threadID string) ([]*models.Approval, error) {
	var as []*models.Approval
	err := s.db.SelectContext(ctx, &as, `
		SELECT * FROM approvals WHERE thread_id = ? AND status = ?`,
		threadID, models.ApprovalPending)
	return as, err
}

func (s *SQLiteStore) resolveApproval(ctx context.Context, id string, status models.ApprovalStatus, verb string) (*models.Approval, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, responded_at = ? WHERE id = ? AND status = ?`,
		status, now(), id, models.ApprovalPending)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	a, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emit(events.ApprovalEvent(verb, a))
	return a, nil
}

func (s *SQLiteStore) RespondToApproval(ctx context.Context, id string, accepted bool) (*models.Approval, error) {
	if accepted {
		return s.resolveApproval(ctx, id, models.ApprovalAccepted, events.EventAccepted)
	}
	return s.resolveApproval(ctx, id, models.ApprovalDeclined, events.EventDeclined)
}

func (s *SQLiteStore) CancelApproval(ctx context.Context, id string) (*models.Approval, error) {
	return s.resolveApproval(ctx, id, models.ApprovalCancelled, events.EventCancelled)
}
