package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forksd/forksd/internal/adapter"
	"github.com/forksd/forksd/internal/approval"
	"github.com/forksd/forksd/internal/common/config"
	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/events/bus"
	"github.com/forksd/forksd/internal/models"
	"github.com/forksd/forksd/internal/store"
	"github.com/forksd/forksd/internal/worktree"
)

type turnRecord struct {
	ThreadID string
	Prompt   string
	Cwd      string
}

// fakeAdapter is an in-memory Adapter the tests drive directly.
type fakeAdapter struct {
	mu               sync.Mutex
	threadSeq        int
	runSeq           int
	failSendTurn     bool
	turns            []turnRecord
	cancelled        []string
	responded        map[string]adapter.Decision
	subSeq           uint64
	eventHandlers    map[uint64]adapter.EventHandler
	approvalHandlers map[uint64]adapter.ApprovalHandler
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		responded:        make(map[string]adapter.Decision),
		eventHandlers:    make(map[uint64]adapter.EventHandler),
		approvalHandlers: make(map[uint64]adapter.ApprovalHandler),
	}
}

func (f *fakeAdapter) StartThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadSeq++
	return fmt.Sprintf("th-%d", f.threadSeq), nil
}

func (f *fakeAdapter) ForkThread(ctx context.Context, parent string, opts adapter.ForkOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadSeq++
	return fmt.Sprintf("fork-%d", f.threadSeq), nil
}

func (f *fakeAdapter) SendTurn(ctx context.Context, threadID, prompt string, opts adapter.TurnOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSendTurn {
		return "", fmt.Errorf("send turn refused")
	}
	f.runSeq++
	f.turns = append(f.turns, turnRecord{ThreadID: threadID, Prompt: prompt, Cwd: opts.Cwd})
	return fmt.Sprintf("run-%d", f.runSeq), nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeAdapter) RespondToApproval(ctx context.Context, token string, decision adapter.Decision) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded[token] = decision
	return true, nil
}

func (f *fakeAdapter) OnEvent(handler adapter.EventHandler) adapter.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subSeq++
	id := f.subSeq
	f.eventHandlers[id] = handler
	return adapter.NewSubscription(id, func() {
		f.mu.Lock()
		delete(f.eventHandlers, id)
		f.mu.Unlock()
	})
}

func (f *fakeAdapter) OnApprovalRequest(handler adapter.ApprovalHandler) adapter.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subSeq++
	id := f.subSeq
	f.approvalHandlers[id] = handler
	return adapter.NewSubscription(id, func() {
		f.mu.Lock()
		delete(f.approvalHandlers, id)
		f.mu.Unlock()
	})
}

func (f *fakeAdapter) emit(ev adapter.Event) {
	f.mu.Lock()
	handlers := make([]adapter.EventHandler, 0, len(f.eventHandlers))
	for _, h := range f.eventHandlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeAdapter) emitApproval(req adapter.ApprovalRequest) {
	f.mu.Lock()
	handlers := make([]adapter.ApprovalHandler, 0, len(f.approvalHandlers))
	for _, h := range f.approvalHandlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(req)
	}
}

func (f *fakeAdapter) lastTurn(t *testing.T) turnRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.turns)
	return f.turns[len(f.turns)-1]
}

type testEnv struct {
	store   *store.SQLiteStore
	adapter *fakeAdapter
	reg     *Registry
	wt      *worktree.Manager
	broker  *approval.Broker
	runner  *Runner
	repo    string
}

// newTestEnv seeds project p1, workspace w1, and chat c1. The project path
// doubles as the git repository when repo is non-empty.
func newTestEnv(t *testing.T, repo string) *testEnv {
	t.Helper()
	b := bus.NewMemoryBus(logger.Default())
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "forksd.db"), b)
	require.NoError(t, err)

	wt, err := worktree.NewManager(config.WorktreeConfig{
		WorkspacesRoot: filepath.Join(t.TempDir(), "workspaces"),
		AttemptsRoot:   filepath.Join(t.TempDir(), "attempts"),
	}, logger.Default())
	require.NoError(t, err)

	projectPath := repo
	if projectPath == "" {
		projectPath = t.TempDir()
	}

	ctx := context.Background()
	require.NoError(t, st.CreateProject(ctx, &models.Project{ID: "p1", Path: projectPath, Name: "repo", DefaultBranch: "main"}))
	require.NoError(t, st.CreateWorkspace(ctx, &models.Workspace{ID: "w1", ProjectID: "p1", Path: projectPath, Branch: "main"}))
	require.NoError(t, st.CreateChat(ctx, &models.Chat{ID: "c1", WorkspaceID: "w1", AdapterThreadID: "parent-th"}))

	ad := newFakeAdapter()
	reg := NewRegistry()
	br := approval.NewBroker(st, reg, logger.Default())
	runner := NewRunner(st, ad, reg, wt, br, logger.Default())

	t.Cleanup(func() {
		br.Shutdown()
		_ = st.Close()
		b.Close()
	})
	return &testEnv{store: st, adapter: ad, reg: reg, wt: wt, broker: br, runner: runner, repo: projectPath}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func (e *testEnv) newSubagent(t *testing.T, id, task string) *models.Subagent {
	t.Helper()
	sub := &models.Subagent{ID: id, ParentChatID: "c1", Task: task, Status: models.SubagentRunning}
	require.NoError(t, e.store.CreateSubagent(context.Background(), sub))
	return sub
}

func TestSubagentHappyPath(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := context.Background()
	sub := e.newSubagent(t, "s1", "summarize the repo")

	require.NoError(t, e.runner.ExecuteSubagent(ctx, sub))

	turn := e.adapter.lastTurn(t)
	assert.Equal(t, "summarize the repo", turn.Prompt)
	assert.Equal(t, e.repo, turn.Cwd)
	assert.Equal(t, 1, e.reg.Size())

	e.adapter.emit(adapter.Event{Type: adapter.EventAgentMessageDelta, ThreadID: turn.ThreadID, Delta: "Hello "})
	e.adapter.emit(adapter.Event{Type: adapter.EventAgentMessageDelta, ThreadID: turn.ThreadID, Delta: "world"})
	e.adapter.emit(adapter.Event{Type: adapter.EventTurnCompleted, ThreadID: turn.ThreadID})

	waitFor(t, func() bool {
		got, err := e.store.GetSubagent(ctx, "s1")
		return err == nil && got.Status == models.SubagentCompleted
	})
	got, err := e.store.GetSubagent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got.Result)
	assert.Empty(t, got.Error)
	assert.Zero(t, e.reg.Size())
}

func TestSubagentDeltaOrderPreserved(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := context.Background()
	sub := e.newSubagent(t, "s1", "task")
	require.NoError(t, e.runner.ExecuteSubagent(ctx, sub))
	turn := e.adapter.lastTurn(t)

	var want strings.Builder
	for i := 0; i < 40; i++ {
		delta := fmt.Sprintf("<%d>", i)
		want.WriteString(delta)
		e.adapter.emit(adapter.Event{Type: adapter.EventAgentMessageDelta, ThreadID: turn.ThreadID, Delta: delta})
	}
	e.adapter.emit(adapter.Event{Type: adapter.EventTurnCompleted, ThreadID: turn.ThreadID})

	waitFor(t, func() bool {
		got, err := e.store.GetSubagent(ctx, "s1")
		return err == nil && got.Status == models.SubagentCompleted
	})
	got, err := e.store.GetSubagent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, want.String(), got.Result)
}

func TestMissingParentReported(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := context.Background()

	sub := &models.Subagent{ID: "sx", ParentChatID: "ghost", Task: "task"}
	assert.ErrorIs(t, e.runner.ExecuteSubagent(ctx, sub), ErrParentNotFound)

	attempts := []*models.Attempt{{ID: "ax", ChatID: "ghost"}}
	assert.ErrorIs(t, e.runner.ExecuteAttemptBatch(ctx, attempts, "task", ""), ErrParentNotFound)
}

func TestSubagentTaskTooLarge(t *testing.T) {
	e := newTestEnv(t, "")
	sub := e.newSubagent(t, "s1", strings.Repeat("x", maxTaskBytes+1))

	err := e.runner.ExecuteSubagent(context.Background(), sub)
	require.Error(t, err)

	got, err := e.store.GetSubagent(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SubagentFailed, got.Status)
	assert.Zero(t, e.reg.Size())
}

func TestSubagentCapacityLimit(t *testing.T) {
	e := newTestEnv(t, "")
	for i := 0; i < MaxPerChatExecutions; i++ {
		require.True(t, e.reg.TryReserveForChat(fmt.Sprintf("filler-%d", i), "c1"))
	}

	sub := e.newSubagent(t, "s1", "task")
	err := e.runner.ExecuteSubagent(context.Background(), sub)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	got, err := e.store.GetSubagent(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SubagentFailed, got.Status)
	assert.Contains(t, got.Error, "limit exceeded")
	assert.Equal(t, MaxPerChatExecutions, e.reg.Size())
}

func TestSendTurnFailureReleasesReservation(t *testing.T) {
	e := newTestEnv(t, "")
	e.adapter.failSendTurn = true

	sub := e.newSubagent(t, "s1", "task")
	err := e.runner.ExecuteSubagent(context.Background(), sub)
	require.Error(t, err)

	assert.Zero(t, e.reg.Size())
	got, err := e.store.GetSubagent(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SubagentFailed, got.Status)

	// The slot is usable again.
	e.adapter.failSendTurn = false
	sub2 := e.newSubagent(t, "s2", "task")
	require.NoError(t, e.runner.ExecuteSubagent(context.Background(), sub2))
	assert.Equal(t, 1, e.reg.Size())
}

func TestUnknownThreadEventsIgnored(t *testing.T) {
	e := newTestEnv(t, "")
	sub := e.newSubagent(t, "s1", "task")
	require.NoError(t, e.runner.ExecuteSubagent(context.Background(), sub))

	e.adapter.emit(adapter.Event{Type: adapter.EventTurnCompleted, ThreadID: "peer-thread"})
	time.Sleep(100 * time.Millisecond)

	got, err := e.store.GetSubagent(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SubagentRunning, got.Status)
	assert.Equal(t, 1, e.reg.Size())
}

func TestErrorEventFailsExecution(t *testing.T) {
	e := newTestEnv(t, "")
	sub := e.newSubagent(t, "s1", "task")
	require.NoError(t, e.runner.ExecuteSubagent(context.Background(), sub))
	turn := e.adapter.lastTurn(t)

	e.adapter.emit(adapter.Event{Type: adapter.EventError, ThreadID: turn.ThreadID, Error: "model exploded"})

	waitFor(t, func() bool {
		got, err := e.store.GetSubagent(context.Background(), "s1")
		return err == nil && got.Status == models.SubagentFailed
	})
	got, _ := e.store.GetSubagent(context.Background(), "s1")
	assert.Equal(t, "model exploded", got.Error)
	assert.Zero(t, e.reg.Size())
}

func TestCancelSubagent(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := context.Background()
	sub := e.newSubagent(t, "s1", "task")
	require.NoError(t, e.runner.ExecuteSubagent(ctx, sub))

	require.NoError(t, e.runner.Cancel(ctx, "s1"))

	got, err := e.store.GetSubagent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SubagentCancelled, got.Status)
	assert.Zero(t, e.reg.Size())

	e.adapter.mu.Lock()
	assert.Len(t, e.adapter.cancelled, 1)
	e.adapter.mu.Unlock()

	assert.ErrorIs(t, e.runner.Cancel(ctx, "s1"), ErrExecutionMissing)
}

func TestCancelSignalsExecutionContext(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := context.Background()
	sub := e.newSubagent(t, "s1", "task")
	require.NoError(t, e.runner.ExecuteSubagent(ctx, sub))

	exec, ok := e.reg.Get("s1")
	require.True(t, ok)
	require.NotNil(t, exec.Ctx)
	require.NoError(t, exec.Ctx.Err())

	require.NoError(t, e.runner.Cancel(ctx, "s1"))
	assert.ErrorIs(t, exec.Ctx.Err(), context.Canceled)
}

func TestApprovalRoundTrip(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := context.Background()
	sub := e.newSubagent(t, "s1", "task")
	require.NoError(t, e.runner.ExecuteSubagent(ctx, sub))
	turn := e.adapter.lastTurn(t)

	token, err := approval.NewToken()
	require.NoError(t, err)
	e.adapter.emitApproval(adapter.ApprovalRequest{
		Token: token,
		Type:  string(models.ApprovalCommandExecution),
		Params: adapter.ApprovalParams{
			ThreadID: turn.ThreadID,
			Command:  "make test",
			Cwd:      e.repo,
		},
	})

	waitFor(t, func() bool {
		_, err := e.store.GetApprovalByToken(ctx, token)
		return err == nil
	})
	require.NoError(t, e.broker.NotifyApprovalResponse(ctx, token, approval.DecisionAccept))

	waitFor(t, func() bool {
		e.adapter.mu.Lock()
		defer e.adapter.mu.Unlock()
		return e.adapter.responded[token] == adapter.DecisionAccept
	})
}

func TestStopCancelsLiveExecutions(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := context.Background()
	for _, id := range []string{"s1", "s2"} {
		sub := e.newSubagent(t, id, "task")
		require.NoError(t, e.runner.ExecuteSubagent(ctx, sub))
	}
	require.Equal(t, 2, e.reg.Size())

	e.runner.SetStopDrain(50 * time.Millisecond)
	e.runner.Stop(ctx)

	assert.Zero(t, e.reg.Size())
	for _, id := range []string{"s1", "s2"} {
		got, err := e.store.GetSubagent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SubagentCancelled, got.Status)
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	e := newTestEnv(t, "")
	e.runner.Stop(context.Background())

	sub := e.newSubagent(t, "s1", "task")
	err := e.runner.ExecuteSubagent(context.Background(), sub)
	require.Error(t, err)

	got, _ := e.store.GetSubagent(context.Background(), "s1")
	assert.Equal(t, models.SubagentFailed, got.Status)
}

// initTestRepo builds a repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return repo
}

func TestAttemptBatchAndPick(t *testing.T) {
	repo := initTestRepo(t)
	e := newTestEnv(t, repo)
	ctx := context.Background()

	attempts := []*models.Attempt{
		{ID: "a1", ChatID: "c1", Status: models.AttemptRunning},
		{ID: "a2", ChatID: "c1", Status: models.AttemptRunning},
	}
	for _, a := range attempts {
		require.NoError(t, e.store.CreateAttempt(ctx, a))
	}

	require.NoError(t, e.runner.ExecuteAttemptBatch(ctx, attempts, "fix the bug", "we discussed the parser"))
	assert.Equal(t, 2, e.reg.Size())

	e.adapter.mu.Lock()
	require.Len(t, e.adapter.turns, 2)
	for _, turn := range e.adapter.turns {
		assert.Contains(t, turn.Prompt, "Context from parent conversation:\nwe discussed the parser")
		assert.Contains(t, turn.Prompt, "Task:\nfix the bug")
	}
	e.adapter.mu.Unlock()

	a1, err := e.store.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "attempt/a1", a1.Branch)
	assert.NotEmpty(t, a1.WorktreePath)
	assert.NotEmpty(t, a1.AdapterThreadID)

	// Finish attempt a1 with a diff and a summary.
	e.adapter.emit(adapter.Event{Type: adapter.EventTurnDiffUpdated, ThreadID: a1.AdapterThreadID, Diff: "--- a/main.go"})
	e.adapter.emit(adapter.Event{Type: adapter.EventAgentMessageDelta, ThreadID: a1.AdapterThreadID, Delta: "done"})
	e.adapter.emit(adapter.Event{Type: adapter.EventTurnCompleted, ThreadID: a1.AdapterThreadID})

	waitFor(t, func() bool {
		got, err := e.store.GetAttempt(ctx, "a1")
		return err == nil && got.Status == models.AttemptCompleted
	})
	a1, _ = e.store.GetAttempt(ctx, "a1")
	var res attemptResult
	require.NoError(t, json.Unmarshal([]byte(a1.Result), &res))
	assert.Equal(t, "done", res.Summary)
	assert.Equal(t, "--- a/main.go", res.UnifiedDiff)

	picked, err := e.runner.PickAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptPicked, picked.Status)

	a2, err := e.store.GetAttempt(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptDiscarded, a2.Status)
	assert.Zero(t, e.reg.Size())

	// Worktrees for both attempts are reclaimed in the background.
	waitFor(t, func() bool {
		_, err1 := os.Stat(a1.WorktreePath)
		_, err2 := os.Stat(a2.WorktreePath)
		return os.IsNotExist(err1) && os.IsNotExist(err2)
	})

	// A second pick on the same attempt is refused.
	_, err = e.runner.PickAttempt(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotPickable)
}

func TestAttemptBatchCapacityFailsAll(t *testing.T) {
	e := newTestEnv(t, "")
	ctx := context.Background()

	for i := 0; i < MaxPerChatExecutions-1; i++ {
		require.True(t, e.reg.TryReserveForChat(fmt.Sprintf("filler-%d", i), "c1"))
	}

	attempts := []*models.Attempt{
		{ID: "a1", ChatID: "c1", Status: models.AttemptRunning},
		{ID: "a2", ChatID: "c1", Status: models.AttemptRunning},
	}
	for _, a := range attempts {
		require.NoError(t, e.store.CreateAttempt(ctx, a))
	}

	err := e.runner.ExecuteAttemptBatch(ctx, attempts, "task", "")
	assert.ErrorIs(t, err, ErrLimitExceeded)

	for _, id := range []string{"a1", "a2"} {
		got, err := e.store.GetAttempt(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.AttemptCompleted, got.Status)
		assert.Contains(t, got.Error, "limit exceeded")
	}
	assert.Equal(t, MaxPerChatExecutions-1, e.reg.Size())
}
