// Package httpapi is the thin HTTP gateway in front of the core: entity
// CRUD, orchestrator entry points, and the approval respond endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forksd/forksd/internal/approval"
	"github.com/forksd/forksd/internal/common/errs"
	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/models"
	"github.com/forksd/forksd/internal/orchestrator"
	"github.com/forksd/forksd/internal/store"
	"github.com/forksd/forksd/internal/terminal"
	"github.com/forksd/forksd/internal/worktree"
)

// Server bundles the HTTP routes over the core components.
type Server struct {
	store     store.Store
	runner    *orchestrator.Runner
	broker    *approval.Broker
	terminals *terminal.Manager
	worktrees *worktree.Manager
	logger    *logger.Logger
}

// NewServer builds the route handler set.
func NewServer(st store.Store, runner *orchestrator.Runner, br *approval.Broker, terms *terminal.Manager, wt *worktree.Manager, log *logger.Logger) *Server {
	return &Server{
		store:     st,
		runner:    runner,
		broker:    br,
		terminals: terms,
		worktrees: wt,
		logger:    log,
	}
}

// Register mounts every route on the router.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/health", s.health)
	r.POST("/approval/:token/respond", s.respondToApproval)

	api := r.Group("/api")
	{
		api.POST("/projects", s.createProject)
		api.GET("/projects/:id", s.getProject)
		api.DELETE("/projects/:id", s.deleteProject)
		api.POST("/projects/:id/workspaces", s.createWorkspace)
		api.GET("/projects/:id/workspaces", s.listWorkspaces)

		api.POST("/workspaces/:id/chats", s.createChat)
		api.GET("/chats/:id", s.getChat)
		api.POST("/chats/:id/subagents", s.spawnSubagent)
		api.GET("/chats/:id/subagents/counts", s.subagentCounts)
		api.POST("/chats/:id/attempts", s.spawnAttempts)
		api.GET("/chats/:id/attempts", s.listAttempts)
		api.GET("/chats/:id/tasks", s.listTasks)

		api.POST("/attempts/:id/pick", s.pickAttempt)
		api.POST("/executions/:id/cancel", s.cancelExecution)

		api.POST("/plans/:id/respond", s.respondToPlan)
		api.POST("/questions/:id/answer", s.answerQuestion)

		api.POST("/tasks", s.createTask)
		api.POST("/tasks/:id/claim", s.claimTask)
		api.POST("/tasks/:id/unclaim", s.unclaimTask)
		api.POST("/tasks/:id/complete", s.completeTask)
		api.POST("/tasks/:id/fail", s.failTask)

		api.GET("/terminals", s.listTerminals)
		api.POST("/terminals", s.createTerminal)
		api.GET("/terminals/:id/history", s.terminalHistory)
		api.POST("/terminals/:id/visibility", s.setTerminalVisibility)
		api.DELETE("/terminals/:id", s.closeTerminal)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail writes the taxonomy error for err.
func (s *Server) fail(c *gin.Context, status int, err error) {
	s.logger.Warn("request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(status, gin.H{"error": errs.External(err)})
}

func (s *Server) failNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": string(errs.CodeNotFound)})
}

func (s *Server) failBind(c *gin.Context, what string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(errs.Invalid(what).Code)})
}

// --- Projects & workspaces ---

type createProjectRequest struct {
	Path          string `json:"path" binding:"required"`
	Name          string `json:"name" binding:"required"`
	DefaultBranch string `json:"defaultBranch"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "project")
		return
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}
	p := &models.Project{
		ID:            uuid.NewString(),
		Path:          req.Path,
		Name:          req.Name,
		DefaultBranch: req.DefaultBranch,
	}
	if err := s.store.CreateProject(c.Request.Context(), p); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) getProject(c *gin.Context) {
	p, err := s.store.GetProject(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.failNotFound(c)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) deleteProject(c *gin.Context) {
	err := s.store.DeleteProject(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.failNotFound(c)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createWorkspaceRequest struct {
	Name   string `json:"name"`
	Branch string `json:"branch" binding:"required"`
}

func (s *Server) createWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "workspace")
		return
	}
	ctx := c.Request.Context()

	project, err := s.store.GetProject(ctx, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.failNotFound(c)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	wsID := uuid.NewString()
	wt, err := s.worktrees.CreateWorkspace(ctx, project.Path, project.Name, wsID, req.Branch, project.DefaultBranch)
	if err != nil {
		if errors.Is(err, worktree.ErrInvalidBranch) || errors.Is(err, worktree.ErrInvalidID) {
			s.fail(c, http.StatusBadRequest, errs.Invalid("branch"))
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	ws := &models.Workspace{
		ID:        wsID,
		ProjectID: project.ID,
		Path:      wt.Path,
		Branch:    wt.Branch,
		Name:      req.Name,
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		if cleanErr := s.worktrees.Cleanup(ctx, project.Path, wt.Path, wt.Branch); cleanErr != nil {
			s.logger.Warn("workspace rollback cleanup failed", zap.Error(cleanErr))
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

func (s *Server) listWorkspaces(c *gin.Context) {
	ws, err := s.store.ListWorkspacesByProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": ws})
}

// --- Chats & executions ---

type createChatRequest struct {
	Title             string                   `json:"title"`
	CollaborationMode models.CollaborationMode `json:"collaborationMode"`
}

func (s *Server) createChat(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "chat")
		return
	}
	ctx := c.Request.Context()
	wsID := c.Param("id")
	if _, err := s.store.GetWorkspace(ctx, wsID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.failNotFound(c)
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	chat := &models.Chat{
		ID:                uuid.NewString(),
		WorkspaceID:       wsID,
		Title:             req.Title,
		CollaborationMode: req.CollaborationMode,
	}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.TouchWorkspace(ctx, wsID); err != nil {
		s.logger.Warn("failed to touch workspace", zap.Error(err))
	}
	c.JSON(http.StatusCreated, chat)
}

func (s *Server) getChat(c *gin.Context) {
	chat, err := s.store.GetChat(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.failNotFound(c)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// failSpawn maps runner admission errors onto the error taxonomy.
func (s *Server) failSpawn(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTaskTooLarge):
		s.fail(c, http.StatusRequestEntityTooLarge, errs.New(errs.CodePayloadTooLarge, ""))
	case errors.Is(err, orchestrator.ErrParentNotFound):
		s.failNotFound(c)
	case errors.Is(err, orchestrator.ErrLimitExceeded), errors.Is(err, orchestrator.ErrStopping):
		s.fail(c, http.StatusConflict, errs.New(errs.CodeResourceExhausted, ""))
	default:
		s.fail(c, http.StatusInternalServerError, err)
	}
}

type spawnSubagentRequest struct {
	Task            string `json:"task" binding:"required"`
	ParentAttemptID string `json:"parentAttemptId"`
}

func (s *Server) spawnSubagent(c *gin.Context) {
	var req spawnSubagentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "task")
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.GetChat(ctx, c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.failNotFound(c)
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	sub := &models.Subagent{
		ID:              uuid.NewString(),
		ParentChatID:    c.Param("id"),
		ParentAttemptID: req.ParentAttemptID,
		Task:            req.Task,
	}
	if err := s.store.CreateSubagent(ctx, sub); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if err := s.runner.ExecuteSubagent(ctx, sub); err != nil {
		s.failSpawn(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sub)
}

func (s *Server) subagentCounts(c *gin.Context) {
	counts, err := s.store.GetSubagentStatusCountsByChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

type spawnAttemptsRequest struct {
	Count         int    `json:"count" binding:"required,min=1,max=10"`
	Task          string `json:"task" binding:"required"`
	ParentSummary string `json:"parentSummary"`
}

func (s *Server) spawnAttempts(c *gin.Context) {
	var req spawnAttemptsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "attempts")
		return
	}
	ctx := c.Request.Context()
	chatID := c.Param("id")
	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.failNotFound(c)
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	attempts := make([]*models.Attempt, req.Count)
	for i := range attempts {
		attempts[i] = &models.Attempt{ID: uuid.NewString(), ChatID: chatID}
		if err := s.store.CreateAttempt(ctx, attempts[i]); err != nil {
			s.fail(c, http.StatusInternalServerError, err)
			return
		}
	}
	if err := s.runner.ExecuteAttemptBatch(ctx, attempts, req.Task, req.ParentSummary); err != nil {
		s.failSpawn(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"attempts": attempts})
}

func (s *Server) listAttempts(c *gin.Context) {
	attempts, err := s.store.ListAttemptsByChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (s *Server) pickAttempt(c *gin.Context) {
	picked, err := s.runner.PickAttempt(c.Request.Context(), c.Param("id"))
	if errors.Is(err, orchestrator.ErrNotPickable) {
		s.fail(c, http.StatusConflict, errs.New(errs.CodeConflict, "attempt is not pickable"))
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, picked)
}

func (s *Server) cancelExecution(c *gin.Context) {
	err := s.runner.Cancel(c.Request.Context(), c.Param("id"))
	if errors.Is(err, orchestrator.ErrExecutionMissing) {
		s.failNotFound(c)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Approvals, plans, questions ---

type respondApprovalRequest struct {
	Decision string `json:"decision" binding:"required,oneof=accept acceptForSession decline"`
}

func (s *Server) respondToApproval(c *gin.Context) {
	token := c.Param("token")
	if !approval.ValidTokenShape(token) {
		s.fail(c, http.StatusBadRequest, errs.Invalid("approval_token"))
		return
	}
	var req respondApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "approval_response")
		return
	}

	err := s.broker.NotifyApprovalResponse(c.Request.Context(), token, approval.Decision(req.Decision))
	switch {
	case errors.Is(err, approval.ErrTokenNotFound):
		s.failNotFound(c)
	case errors.Is(err, approval.ErrNotPending):
		s.fail(c, http.StatusConflict, errs.New(errs.CodeNotPending, ""))
	case err != nil:
		s.fail(c, http.StatusInternalServerError, err)
	default:
		c.Status(http.StatusNoContent)
	}
}

type respondPlanRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
}

func (s *Server) respondToPlan(c *gin.Context) {
	var req respondPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "plan_response")
		return
	}
	plan, err := s.store.RespondToPlan(c.Request.Context(), c.Param("id"), req.Approved, req.Feedback)
	if errors.Is(err, store.ErrNoPlanTasks) {
		s.fail(c, http.StatusConflict, errs.New(errs.CodeConflict, "plan has no tasks"))
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if plan == nil {
		s.fail(c, http.StatusConflict, errs.New(errs.CodeNotPending, ""))
		return
	}
	c.JSON(http.StatusOK, plan)
}

type answerQuestionRequest struct {
	Answer string `json:"answer" binding:"required"`
}

func (s *Server) answerQuestion(c *gin.Context) {
	var req answerQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "answer")
		return
	}
	q, err := s.store.AnswerQuestion(c.Request.Context(), c.Param("id"), req.Answer)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if q == nil {
		s.fail(c, http.StatusConflict, errs.New(errs.CodeNotPending, ""))
		return
	}
	c.JSON(http.StatusOK, q)
}

// --- Tasks ---

type createTaskRequest struct {
	ChatID      string `json:"chatId" binding:"required"`
	PlanID      string `json:"planId"`
	Description string `json:"description" binding:"required"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "task")
		return
	}
	task := &models.Task{
		ID:          uuid.NewString(),
		ChatID:      req.ChatID,
		PlanID:      req.PlanID,
		Description: req.Description,
	}
	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

type taskAgentRequest struct {
	AgentID string `json:"agentId" binding:"required"`
	Result  string `json:"result"`
	Reason  string `json:"reason"`
}

func (s *Server) taskTransition(c *gin.Context, op func(ctx context.Context, id string, req taskAgentRequest) (*models.Task, error)) {
	var req taskAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "task_transition")
		return
	}
	task, err := op(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if task == nil {
		s.fail(c, http.StatusConflict, errs.New(errs.CodeNotClaimed, ""))
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) claimTask(c *gin.Context) {
	s.taskTransition(c, func(ctx context.Context, id string, req taskAgentRequest) (*models.Task, error) {
		return s.store.ClaimTask(ctx, id, req.AgentID)
	})
}

func (s *Server) unclaimTask(c *gin.Context) {
	s.taskTransition(c, func(ctx context.Context, id string, req taskAgentRequest) (*models.Task, error) {
		return s.store.UnclaimTask(ctx, id, req.AgentID, req.Reason)
	})
}

func (s *Server) completeTask(c *gin.Context) {
	s.taskTransition(c, func(ctx context.Context, id string, req taskAgentRequest) (*models.Task, error) {
		return s.store.CompleteTask(ctx, id, req.AgentID, req.Result)
	})
}

func (s *Server) failTask(c *gin.Context) {
	s.taskTransition(c, func(ctx context.Context, id string, req taskAgentRequest) (*models.Task, error) {
		return s.store.FailTask(ctx, id, req.AgentID, req.Result)
	})
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.store.ListTasksByChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// --- Terminals ---

func (s *Server) listTerminals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"terminals": s.terminals.ListWithMetadata()})
}

type createTerminalRequest struct {
	Cwd     string `json:"cwd" binding:"required"`
	Command string `json:"command"`
	Visible bool   `json:"visible"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
}

func (s *Server) createTerminal(c *gin.Context) {
	var req createTerminalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "terminal")
		return
	}
	meta, err := s.terminals.Start(uuid.NewString(), terminal.StartOptions{
		Cwd:     req.Cwd,
		Command: req.Command,
		Owner:   models.OwnerUser,
		Visible: req.Visible,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, meta)
}

func (s *Server) terminalHistory(c *gin.Context) {
	history, err := s.terminals.GetHistory(c.Param("id"))
	if errors.Is(err, terminal.ErrSessionNotFound) {
		s.failNotFound(c)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", history)
}

type terminalVisibilityRequest struct {
	Visible bool `json:"visible"`
}

func (s *Server) setTerminalVisibility(c *gin.Context) {
	var req terminalVisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, "visibility")
		return
	}
	err := s.terminals.SetVisible(c.Param("id"), req.Visible)
	if errors.Is(err, terminal.ErrSessionNotFound) {
		s.failNotFound(c)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) closeTerminal(c *gin.Context) {
	err := s.terminals.Close(c.Param("id"))
	if errors.Is(err, terminal.ErrSessionNotFound) {
		s.failNotFound(c)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}
