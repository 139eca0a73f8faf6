// Package orchestrator drives the agent adapter: it admits executions
// against resource caps, translates adapter events into store updates, and
// coordinates attempt picking.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forksd/forksd/internal/adapter"
	"github.com/forksd/forksd/internal/approval"
	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/events"
	"github.com/forksd/forksd/internal/models"
	"github.com/forksd/forksd/internal/store"
	"github.com/forksd/forksd/internal/worktree"
)

const (
	// maxTaskBytes bounds an inbound task prompt.
	maxTaskBytes = 100 * 1024
	// stopDrain is how long Stop waits for live executions to finish.
	stopDrain = 5 * time.Second

	limitExceededMsg = "Registry or concurrency limit exceeded"
)

var (
	ErrStopping         = errors.New("runner is stopping")
	ErrTaskTooLarge     = errors.New("task exceeds size limit")
	ErrParentNotFound   = errors.New("parent resource not found")
	ErrLimitExceeded    = errors.New("registry or concurrency limit exceeded")
	ErrAdapterFailure   = errors.New("adapter request failed")
	ErrExecutionMissing = errors.New("execution not found")
	ErrNotPickable      = errors.New("attempt is not in a pickable state")
)

// attemptResult is the structured result persisted for a successful attempt.
type attemptResult struct {
	Summary     string `json:"summary"`
	UnifiedDiff string `json:"unifiedDiff"`
}

// Runner is the orchestrator. One instance per process.
type Runner struct {
	store     store.Store
	adapter   adapter.Adapter
	registry  *Registry
	worktrees *worktree.Manager
	broker    *approval.Broker
	logger    *logger.Logger
	tracer    trace.Tracer
	accSet    *accumulatorSet
	drain     time.Duration

	mu       sync.Mutex
	stopping bool

	qmu    sync.Mutex
	queues map[string]*threadQueue

	eventSub    adapter.Subscription
	approvalSub adapter.Subscription
}

// threadQueue serializes the events of one adapter thread so they reach the
// store in emission order. Guarded by Runner.qmu.
type threadQueue struct {
	pending []adapter.Event
	running bool
}

// NewRunner wires a Runner to the adapter's event and approval streams.
func NewRunner(st store.Store, ad adapter.Adapter, reg *Registry, wt *worktree.Manager, br *approval.Broker, log *logger.Logger) *Runner {
	r := &Runner{
		store:     st,
		adapter:   ad,
		registry:  reg,
		worktrees: wt,
		broker:    br,
		logger:    log,
		tracer:    otel.Tracer("forksd/orchestrator"),
		accSet:    newAccumulatorSet(),
		drain:     stopDrain,
		queues:    make(map[string]*threadQueue),
	}
	r.eventSub = ad.OnEvent(r.dispatchEvent)
	r.approvalSub = ad.OnApprovalRequest(func(req adapter.ApprovalRequest) {
		go r.handleApprovalRequest(req)
	})
	return r
}

// dispatchEvent appends the event to its thread's queue and starts a drain
// goroutine if one is not already running. Threads proceed in parallel; within
// a thread, events are handled strictly in emission order.
func (r *Runner) dispatchEvent(ev adapter.Event) {
	r.qmu.Lock()
	q, ok := r.queues[ev.ThreadID]
	if !ok {
		q = &threadQueue{}
		r.queues[ev.ThreadID] = q
	}
	q.pending = append(q.pending, ev)
	start := !q.running
	q.running = true
	r.qmu.Unlock()

	if start {
		go r.drainThread(ev.ThreadID, q)
	}
}

func (r *Runner) drainThread(threadID string, q *threadQueue) {
	for {
		r.qmu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(r.queues, threadID)
			r.qmu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		r.qmu.Unlock()

		r.handleEvent(ev)
	}
}

// SetStopDrain overrides the stop drain window. Intended for tests.
func (r *Runner) SetStopDrain(d time.Duration) { r.drain = d }

func (r *Runner) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// ExecuteSubagent starts a streamed subagent execution under a chat. The
// subagent row must already exist with status running; failures are written
// back to it.
func (r *Runner) ExecuteSubagent(ctx context.Context, sub *models.Subagent) error {
	ctx, span := r.tracer.Start(ctx, "ExecuteSubagent",
		trace.WithAttributes(attribute.String("subagent.id", sub.ID)))
	defer span.End()

	if r.isStopping() {
		return r.failSubagent(ctx, sub.ID, ErrStopping.Error(), ErrStopping)
	}
	if len(sub.Task) > maxTaskBytes {
		return r.failSubagent(ctx, sub.ID, ErrTaskTooLarge.Error(), ErrTaskTooLarge)
	}

	chat, err := r.store.GetChat(ctx, sub.ParentChatID)
	if err != nil {
		return r.failSubagent(ctx, sub.ID, fmt.Sprintf("parent chat not found: %s", sub.ParentChatID), ErrParentNotFound)
	}

	if !r.registry.TryReserveForChat(sub.ID, chat.ID) {
		return r.failSubagent(ctx, sub.ID, limitExceededMsg, ErrLimitExceeded)
	}

	ws, err := r.store.GetWorkspace(ctx, chat.WorkspaceID)
	if err != nil {
		r.registry.ReleaseReservation(sub.ID)
		return r.failSubagent(ctx, sub.ID, "workspace not found", ErrParentNotFound)
	}

	threadID, err := r.adapter.StartThread(ctx)
	if err != nil || threadID == "" {
		r.registry.ReleaseReservation(sub.ID)
		return r.failSubagent(ctx, sub.ID, "failed to start agent thread", ErrAdapterFailure)
	}

	// Send before registering so no event can observe a context without a
	// runId.
	runID, err := r.adapter.SendTurn(ctx, threadID, sub.Task, adapter.TurnOptions{Cwd: ws.Path})
	if err != nil {
		r.registry.ReleaseReservation(sub.ID)
		return r.failSubagent(ctx, sub.ID, fmt.Sprintf("failed to send turn: %v", err), ErrAdapterFailure)
	}

	execCtx, cancel := context.WithCancel(context.Background())
	r.registry.Set(&Execution{
		ID:       sub.ID,
		ChatID:   chat.ID,
		Type:     ExecSubagent,
		ThreadID: threadID,
		RunID:    runID,
		Cwd:      ws.Path,
		Ctx:      execCtx,
		Cancel:   cancel,
	})
	r.accumulators().Init(threadID)
	return nil
}

func (r *Runner) failSubagent(ctx context.Context, id, msg string, cause error) error {
	if err := r.store.UpdateSubagent(ctx, id, models.SubagentFailed, "", truncateResult(msg)); err != nil {
		r.logger.Error("failed to mark subagent failed",
			zap.String("subagent_id", id),
			zap.Error(err))
	}
	return fmt.Errorf("subagent %s failed: %s: %w", id, msg, cause)
}

// ExecuteAttemptBatch starts one isolated attempt per entry, all under the
// same chat, forking the chat's adapter thread into per-attempt worktrees.
func (r *Runner) ExecuteAttemptBatch(ctx context.Context, attempts []*models.Attempt, task, parentSummary string) error {
	if len(attempts) == 0 {
		return nil
	}
	ctx, span := r.tracer.Start(ctx, "ExecuteAttemptBatch",
		trace.WithAttributes(attribute.Int("attempts", len(attempts))))
	defer span.End()

	chatID := attempts[0].ChatID
	if r.isStopping() {
		r.failAttempts(ctx, attempts, ErrStopping.Error())
		return ErrStopping
	}
	if len(task) > maxTaskBytes {
		r.failAttempts(ctx, attempts, ErrTaskTooLarge.Error())
		return ErrTaskTooLarge
	}

	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		r.failAttempts(ctx, attempts, "chat not found")
		return fmt.Errorf("%w: chat %s", ErrParentNotFound, chatID)
	}
	ws, err := r.store.GetWorkspace(ctx, chat.WorkspaceID)
	if err != nil {
		r.failAttempts(ctx, attempts, "workspace not found")
		return fmt.Errorf("%w: workspace %s", ErrParentNotFound, chat.WorkspaceID)
	}
	project, err := r.store.GetProject(ctx, ws.ProjectID)
	if err != nil {
		r.failAttempts(ctx, attempts, "project not found")
		return fmt.Errorf("%w: project %s", ErrParentNotFound, ws.ProjectID)
	}

	ids := make([]string, len(attempts))
	for i, a := range attempts {
		ids[i] = a.ID
	}
	if !r.registry.TryReserveBatch(ids, chatID) {
		r.failAttempts(ctx, attempts, limitExceededMsg)
		return ErrLimitExceeded
	}

	prompt := task
	if parentSummary != "" {
		prompt = fmt.Sprintf("Context from parent conversation:\n%s\n\nTask:\n%s", parentSummary, task)
	}

	var wg sync.WaitGroup
	for _, a := range attempts {
		wg.Add(1)
		go func(a *models.Attempt) {
			defer wg.Done()
			if err := r.setupAttempt(ctx, a, chat, ws, project, prompt); err != nil {
				r.logger.Warn("attempt setup failed",
					zap.String("attempt_id", a.ID),
					zap.Error(err))
			}
		}(a)
	}
	wg.Wait()
	return nil
}

func (r *Runner) setupAttempt(ctx context.Context, a *models.Attempt, chat *models.Chat, ws *models.Workspace, project *models.Project, prompt string) error {
	fail := func(stage string, err error, wt *worktree.Worktree) error {
		msg := fmt.Sprintf("%s: %v", stage, err)
		if updErr := r.store.CompleteAttempt(ctx, a.ID, "", truncateResult(msg)); updErr != nil {
			r.logger.Error("failed to record attempt failure", zap.Error(updErr))
		}
		if wt != nil {
			if cleanErr := r.worktrees.Cleanup(ctx, project.Path, wt.Path, wt.Branch); cleanErr != nil {
				r.logger.Warn("partial worktree cleanup failed", zap.Error(cleanErr))
			}
		}
		r.registry.ReleaseReservation(a.ID)
		r.registry.Delete(a.ID)
		return fmt.Errorf("%s: %w", stage, err)
	}

	wt, err := r.worktrees.CreateAttempt(ctx, project.Path, ws.ID, a.ID, ws.Branch)
	if err != nil {
		return fail("worktree creation failed", err, nil)
	}
	if err := r.store.UpdateAttemptWorktree(ctx, a.ID, wt.Path, wt.Branch); err != nil {
		return fail("failed to record worktree", err, wt)
	}

	threadID, err := r.adapter.ForkThread(ctx, chat.AdapterThreadID, adapter.ForkOptions{Cwd: wt.Path})
	if err != nil || threadID == "" {
		if err == nil {
			err = errors.New("adapter returned empty thread id")
		}
		return fail("thread fork failed", err, wt)
	}
	if err := r.store.UpdateAttemptThread(ctx, a.ID, threadID); err != nil {
		return fail("failed to record thread", err, wt)
	}

	runID, err := r.adapter.SendTurn(ctx, threadID, prompt, adapter.TurnOptions{Cwd: wt.Path})
	if err != nil {
		return fail("failed to send turn", err, wt)
	}

	execCtx, cancel := context.WithCancel(context.Background())
	r.registry.Set(&Execution{
		ID:       a.ID,
		ChatID:   chat.ID,
		Type:     ExecAttempt,
		ThreadID: threadID,
		RunID:    runID,
		Cwd:      wt.Path,
		Ctx:      execCtx,
		Cancel:   cancel,
	})
	r.accumulators().Init(threadID)
	return nil
}

func (r *Runner) failAttempts(ctx context.Context, attempts []*models.Attempt, msg string) {
	for _, a := range attempts {
		if err := r.store.CompleteAttempt(ctx, a.ID, "", truncateResult(msg)); err != nil {
			r.logger.Error("failed to record attempt failure",
				zap.String("attempt_id", a.ID),
				zap.Error(err))
		}
	}
}

func (r *Runner) accumulators() *accumulatorSet {
	return r.accSet
}

// handleEvent processes one adapter event. Events for unknown threads are
// ignored; a panic while processing is contained to this event.
func (r *Runner) handleEvent(ev adapter.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic processing adapter event",
				zap.String("event_type", ev.Type),
				zap.Any("panic", rec))
			r.recoverEvent(ev)
		}
	}()

	ctx := context.Background()
	exec, ok := r.registry.GetByThreadID(ev.ThreadID)
	if !ok {
		return
	}
	if exec.Ctx != nil && exec.Ctx.Err() != nil {
		// The execution was cancelled; late events are dropped.
		return
	}

	switch ev.Type {
	case adapter.EventAgentMessageDelta:
		if !r.accumulators().AppendDelta(ev.ThreadID, ev.Delta) {
			r.logger.Warn("message delta dropped",
				zap.String("thread_id", ev.ThreadID),
				zap.Int("delta_len", len(ev.Delta)))
			return
		}
		kind := events.KindSubagent
		if exec.Type == ExecAttempt {
			kind = events.KindAttempt
		}
		r.store.Emitter().Publish(events.ChannelAgent,
			events.StreamDeltaEvent(kind, events.EventAgentMessageDelta, ev.ThreadID, ev.Delta))

	case adapter.EventTurnDiffUpdated:
		r.accumulators().SetDiff(ev.ThreadID, ev.Diff)

	case adapter.EventTurnCompleted:
		r.completeExecution(ctx, exec, true, r.accumulators().Join(ev.ThreadID))

	case adapter.EventError:
		msg := ev.Error
		if msg == "" {
			msg = ev.Message
		}
		r.completeExecution(ctx, exec, false, msg)

	case adapter.EventAttemptPick:
		if ev.AttemptID != "" {
			if _, err := r.PickAttempt(ctx, ev.AttemptID); err != nil {
				r.logger.Warn("in-band attempt pick failed",
					zap.String("attempt_id", ev.AttemptID),
					zap.Error(err))
			}
		}
	}
}

// recoverEvent is the fallback after a panic: try to fail the execution,
// then fall back to dropping its state.
func (r *Runner) recoverEvent(ev adapter.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("state-only cleanup after double panic", zap.Any("panic", rec))
			if exec, ok := r.registry.GetByThreadID(ev.ThreadID); ok {
				r.accumulators().Remove(exec.ThreadID)
				r.registry.Delete(exec.ID)
			}
		}
	}()
	if exec, ok := r.registry.GetByThreadID(ev.ThreadID); ok {
		r.completeExecution(context.Background(), exec, false, "Internal runner error")
	}
}

// completeExecution writes terminal state and releases every per-execution
// resource.
func (r *Runner) completeExecution(ctx context.Context, exec *Execution, success bool, message string) {
	message = truncateResult(message)

	switch exec.Type {
	case ExecSubagent:
		status := models.SubagentCompleted
		errMsg := ""
		if !success {
			status = models.SubagentFailed
			errMsg = message
		}
		if err := r.store.UpdateSubagent(ctx, exec.ID, status, message, errMsg); err != nil {
			r.logger.Error("failed to finalize subagent",
				zap.String("subagent_id", exec.ID),
				zap.Error(err))
		}

	case ExecAttempt:
		var result, errMsg string
		if success {
			payload, err := json.Marshal(attemptResult{
				Summary:     message,
				UnifiedDiff: r.accumulators().Diff(exec.ThreadID),
			})
			if err == nil {
				result = truncateResult(string(payload))
			}
		} else {
			result = truncateResult("[FAILED] " + message)
			errMsg = message
		}
		if err := r.store.CompleteAttempt(ctx, exec.ID, result, errMsg); err != nil {
			r.logger.Error("failed to finalize attempt",
				zap.String("attempt_id", exec.ID),
				zap.Error(err))
		}
	}

	r.accumulators().Remove(exec.ThreadID)
	r.registry.Delete(exec.ID)
	r.broker.CancelThread(ctx, exec.ThreadID)
}

// handleApprovalRequest runs the broker flow and relays the decision back to
// the adapter. The wait is bound to the owning execution's cancellation token
// so a cancelled execution unblocks its pending approvals.
func (r *Runner) handleApprovalRequest(req adapter.ApprovalRequest) {
	ctx := context.Background()
	if exec, ok := r.registry.GetByThreadID(req.Params.ThreadID); ok && exec.Ctx != nil {
		ctx = exec.Ctx
	}
	decision := r.broker.HandleRequest(ctx, req)
	if _, err := r.adapter.RespondToApproval(context.Background(), req.Token, decision); err != nil {
		r.logger.Warn("failed to respond to adapter approval",
			zap.String("token", req.Token),
			zap.Error(err))
	}
}

// Cancel aborts a live execution: cancels its run on the adapter, writes the
// terminal status, and releases resources.
func (r *Runner) Cancel(ctx context.Context, contextID string) error {
	exec, ok := r.registry.Get(contextID)
	if !ok {
		return ErrExecutionMissing
	}

	if exec.Cancel != nil {
		exec.Cancel()
	}
	if err := r.adapter.Cancel(ctx, exec.RunID); err != nil {
		r.logger.Warn("adapter cancel failed",
			zap.String("run_id", exec.RunID),
			zap.Error(err))
	}

	switch exec.Type {
	case ExecSubagent:
		if err := r.store.UpdateSubagent(ctx, exec.ID, models.SubagentCancelled, "", ""); err != nil {
			r.logger.Error("failed to mark subagent cancelled", zap.Error(err))
		}
	case ExecAttempt:
		if err := r.store.UpdateAttemptStatus(ctx, exec.ID, models.AttemptDiscarded); err != nil {
			r.logger.Error("failed to mark attempt discarded", zap.Error(err))
		}
		r.cleanupAttemptWorktree(ctx, exec)
	}

	r.accumulators().Remove(exec.ThreadID)
	r.registry.Delete(exec.ID)
	r.broker.CancelThread(ctx, exec.ThreadID)
	return nil
}

func (r *Runner) cleanupAttemptWorktree(ctx context.Context, exec *Execution) {
	a, err := r.store.GetAttempt(ctx, exec.ID)
	if err != nil || a.WorktreePath == "" {
		return
	}
	chat, err := r.store.GetChat(ctx, a.ChatID)
	if err != nil {
		return
	}
	ws, err := r.store.GetWorkspace(ctx, chat.WorkspaceID)
	if err != nil {
		return
	}
	project, err := r.store.GetProject(ctx, ws.ProjectID)
	if err != nil {
		return
	}
	if err := r.worktrees.Cleanup(ctx, project.Path, a.WorktreePath, a.Branch); err != nil {
		r.logger.Warn("attempt worktree cleanup failed",
			zap.String("attempt_id", a.ID),
			zap.Error(err))
	}
}

// PickAttempt resolves a poly-iteration: the picked attempt's branch is
// merged into the workspace, siblings are discarded and their executions
// cancelled, and all attempt worktrees are reclaimed in the background.
func (r *Runner) PickAttempt(ctx context.Context, attemptID string) (*models.Attempt, error) {
	ctx, span := r.tracer.Start(ctx, "PickAttempt",
		trace.WithAttributes(attribute.String("attempt.id", attemptID)))
	defer span.End()

	picked, err := r.store.PickAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if picked == nil {
		return nil, ErrNotPickable
	}

	chat, err := r.store.GetChat(ctx, picked.ChatID)
	if err != nil {
		return nil, err
	}
	ws, err := r.store.GetWorkspace(ctx, chat.WorkspaceID)
	if err != nil {
		return nil, err
	}
	project, err := r.store.GetProject(ctx, ws.ProjectID)
	if err != nil {
		return nil, err
	}

	// Merge the win into the workspace before any worktree is reclaimed;
	// without this the user loses the picked changes.
	if picked.Branch != "" && r.worktrees.HasRef(ctx, project.Path, picked.Branch) {
		if err := r.worktrees.ResetHard(ctx, ws.Path, picked.Branch); err != nil {
			r.logger.Error("failed to reset workspace to picked branch",
				zap.String("branch", picked.Branch),
				zap.Error(err))
		}
	}

	_, err = r.store.DiscardOtherAttempts(ctx, picked.ChatID, picked.ID)
	if err != nil {
		r.logger.Error("failed to discard sibling attempts", zap.Error(err))
	}

	// Cancel still-live sibling executions on the same chat.
	for _, exec := range r.registry.GetAllByChatID(picked.ChatID) {
		if exec.Type == ExecAttempt && exec.ID != picked.ID {
			if err := r.Cancel(ctx, exec.ID); err != nil && !errors.Is(err, ErrExecutionMissing) {
				r.logger.Warn("failed to cancel sibling attempt", zap.Error(err))
			}
		}
	}
	if exec, ok := r.registry.Get(picked.ID); ok {
		r.accumulators().Remove(exec.ThreadID)
		r.registry.Delete(exec.ID)
		r.broker.CancelThread(ctx, exec.ThreadID)
	}

	// Reclaim every attempt worktree under the workspace, the picked one
	// included: its changes now live in the workspace. Attempts still running
	// for other chats on the same workspace survive as the keep-set.
	var keep []string
	for _, exec := range r.registry.Values() {
		if exec.Type == ExecAttempt {
			keep = append(keep, exec.ID)
		}
	}
	go func() {
		if err := r.worktrees.CleanupForWorkspace(context.Background(), project.Path, ws.ID, keep); err != nil {
			r.logger.Warn("attempt worktree reclamation failed",
				zap.String("workspace_id", ws.ID),
				zap.Error(err))
		}
	}()

	return picked, nil
}

// Stop drains live executions for up to stopDrain, then cancels stragglers
// and detaches from the adapter.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()

	deadline := time.Now().Add(r.drain)
	for time.Now().Before(deadline) && r.registry.Size() > 0 {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(50 * time.Millisecond):
		}
	}

	var g errgroup.Group
	for _, exec := range r.registry.Values() {
		exec := exec
		g.Go(func() error {
			if err := r.Cancel(ctx, exec.ID); err != nil && !errors.Is(err, ErrExecutionMissing) {
				r.logger.Warn("failed to cancel execution on stop",
					zap.String("context_id", exec.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	r.eventSub.Unsubscribe()
	r.approvalSub.Unsubscribe()
	r.registry.Clear()
}
