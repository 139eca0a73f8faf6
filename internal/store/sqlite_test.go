package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/events"
	"github.com/forksd/forksd/internal/events/bus"
	"github.com/forksd/forksd/internal/models"
)

func newTestStore(t *testing.T) (*SQLiteStore, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus(logger.Default())
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "forksd.db"), b)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		b.Close()
	})
	return s, b
}

func seedChat(t *testing.T, s *SQLiteStore, chatID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p1", Path: "/tmp/repo", Name: "repo"}))
	require.NoError(t, s.CreateWorkspace(ctx, &models.Workspace{ID: "w1", ProjectID: "p1", Path: "/tmp/ws", Branch: "main"}))
	require.NoError(t, s.CreateChat(ctx, &models.Chat{ID: chatID, WorkspaceID: "w1"}))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetChat(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetApprovalByToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentPickSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreateAttempt(ctx, &models.Attempt{ID: "a1", ChatID: "c1", Status: models.AttemptCompleted}))

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := s.PickAttempt(ctx, "a1")
			require.NoError(t, err)
			if a != nil {
				mu.Lock()
				winners++
				mu.Unlock()
				assert.Equal(t, models.AttemptPicked, a.Status)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)

	got, err := s.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptPicked, got.Status)
}

func TestPickRequiresCompleted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreateAttempt(ctx, &models.Attempt{ID: "a1", ChatID: "c1", Status: models.AttemptRunning}))

	a, err := s.PickAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, a)

	got, err := s.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptRunning, got.Status)
}

func TestDiscardOtherAttempts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreateAttempt(ctx, &models.Attempt{ID: "a1", ChatID: "c1", Status: models.AttemptCompleted}))
	require.NoError(t, s.CreateAttempt(ctx, &models.Attempt{ID: "a2", ChatID: "c1", Status: models.AttemptCompleted}))
	require.NoError(t, s.CreateAttempt(ctx, &models.Attempt{ID: "a3", ChatID: "c1", Status: models.AttemptRunning}))

	picked, err := s.PickAttempt(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, picked)

	siblings, err := s.DiscardOtherAttempts(ctx, "c1", "a1")
	require.NoError(t, err)
	require.Len(t, siblings, 2)
	for _, sib := range siblings {
		assert.Equal(t, models.AttemptDiscarded, sib.Status)
	}

	got, err := s.GetAttempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptPicked, got.Status)
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreateTask(ctx, &models.Task{ID: "t1", ChatID: "c1", Description: "do the thing"}))

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimants := []string{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		agent := string(rune('a' + i))
		go func() {
			defer wg.Done()
			tk, err := s.ClaimTask(ctx, "t1", agent)
			require.NoError(t, err)
			if tk != nil {
				mu.Lock()
				claimants = append(claimants, tk.ClaimedBy)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimants, 1)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskClaimed, got.Status)
	assert.Equal(t, claimants[0], got.ClaimedBy)
}

func TestTaskClaimantOnlyTransitions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreateTask(ctx, &models.Task{ID: "t1", ChatID: "c1", Description: "d"}))
	tk, err := s.ClaimTask(ctx, "t1", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, tk)

	// Another agent may not complete, fail, or unclaim a task it does not hold.
	res, err := s.CompleteTask(ctx, "t1", "agent-2", "done")
	require.NoError(t, err)
	assert.Nil(t, res)
	res, err = s.UnclaimTask(ctx, "t1", "agent-2", "giving up")
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = s.CompleteTask(ctx, "t1", "agent-1", "done")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.TaskCompleted, res.Status)
	assert.Equal(t, "done", res.Result)
}

func TestUnclaimKeepsHandoffContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreateTask(ctx, &models.Task{ID: "t1", ChatID: "c1", Description: "d"}))
	_, err := s.ClaimTask(ctx, "t1", "agent-1")
	require.NoError(t, err)

	tk, err := s.UnclaimTask(ctx, "t1", "agent-1", "blocked on review")
	require.NoError(t, err)
	require.NotNil(t, tk)
	assert.Equal(t, models.TaskPending, tk.Status)
	assert.Empty(t, tk.ClaimedBy)
	assert.Equal(t, "blocked on review", tk.UnclaimReason)

	// Task is claimable again after an unclaim.
	tk, err = s.ClaimTask(ctx, "t1", "agent-2")
	require.NoError(t, err)
	require.NotNil(t, tk)
	assert.Equal(t, "agent-2", tk.ClaimedBy)
}

func TestApprovalResolvedAtMostOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreateApproval(ctx, &models.Approval{
		ID:           "ap1",
		ChatID:       "c1",
		Token:        "tok-1",
		ApprovalType: models.ApprovalCommandExecution,
		ThreadID:     "th-1",
		Command:      "rm -rf build",
	}))

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	resolved := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		accept := i%2 == 0
		go func() {
			defer wg.Done()
			a, err := s.RespondToApproval(ctx, "ap1", accept)
			require.NoError(t, err)
			if a != nil {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, resolved)

	got, err := s.GetApproval(ctx, "ap1")
	require.NoError(t, err)
	assert.NotEqual(t, models.ApprovalPending, got.Status)
	assert.NotNil(t, got.RespondedAt)

	// Already resolved: cancel is a silent no-op.
	a, err := s.CancelApproval(ctx, "ap1")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestApprovalTokenLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreateApproval(ctx, &models.Approval{
		ID: "ap1", ChatID: "c1", Token: "tok-1",
		ApprovalType: models.ApprovalFileChange, ThreadID: "th-1",
	}))
	require.NoError(t, s.CreateApproval(ctx, &models.Approval{
		ID: "ap2", ChatID: "c1", Token: "tok-2",
		ApprovalType: models.ApprovalCommandExecution, ThreadID: "th-1",
	}))

	a, err := s.GetApprovalByToken(ctx, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "ap2", a.ID)

	pending, err := s.ListPendingApprovalsByThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = s.RespondToApproval(ctx, "ap1", true)
	require.NoError(t, err)
	pending, err = s.ListPendingApprovalsByThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPlanApprovalRequiresTasks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreatePlan(ctx, &models.Plan{ID: "pl1", ChatID: "c1", Title: "refactor", Content: "..."}))

	_, err := s.RespondToPlan(ctx, "pl1", true, "")
	assert.ErrorIs(t, err, ErrNoPlanTasks)

	// Rejection needs no tasks.
	p, err := s.RespondToPlan(ctx, "pl1", false, "not now")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.PlanRejected, p.Status)
	assert.Equal(t, "not now", p.Feedback)
	require.NotNil(t, p.RespondedAt)

	// Resolved plans fail silently on a second response.
	p, err = s.RespondToPlan(ctx, "pl1", false, "")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPlanApprovalWithTasks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreatePlan(ctx, &models.Plan{ID: "pl1", ChatID: "c1", Title: "refactor"}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{ID: "t1", ChatID: "c1", PlanID: "pl1", Description: "step 1"}))

	p, err := s.RespondToPlan(ctx, "pl1", true, "ship it")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.PlanApproved, p.Status)
}

func TestQuestionLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	require.NoError(t, s.CreateQuestion(ctx, &models.Question{ID: "q1", ChatID: "c1", Content: "tabs or spaces?"}))

	q, err := s.AnswerQuestion(ctx, "q1", "spaces")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, models.QuestionAnswered, q.Status)
	assert.Equal(t, "spaces", q.Answer)

	// Already answered: cancel fails silently.
	q, err = s.CancelQuestion(ctx, "q1")
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestSubagentStatusCounts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedChat(t, s, "c1")

	for i, st := range []models.SubagentStatus{
		models.SubagentRunning, models.SubagentRunning,
		models.SubagentCompleted, models.SubagentFailed,
	} {
		require.NoError(t, s.CreateSubagent(ctx, &models.Subagent{
			ID: string(rune('a' + i)), ParentChatID: "c1", Task: "t", Status: st,
		}))
	}

	counts, err := s.GetSubagentStatusCountsByChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Running)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 1, counts.Failed)

	n, err := s.CountRunningSubagentsByChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMutationsEmitEvents(t *testing.T) {
	s, b := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []events.AgentEvent
	_, err := b.Subscribe(events.ChannelAgent, func(ev events.AgentEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	seedChat(t, s, "c1")
	require.NoError(t, s.CreateAttempt(ctx, &models.Attempt{ID: "a1", ChatID: "c1", Status: models.AttemptCompleted}))
	_, err = s.PickAttempt(ctx, "a1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)

	kinds := map[string]bool{}
	for _, ev := range got {
		kinds[ev.Type+"/"+ev.Event] = true
	}
	assert.True(t, kinds["chat/created"])
	assert.True(t, kinds["attempt/created"])
	assert.True(t, kinds["attempt/picked"])
}
