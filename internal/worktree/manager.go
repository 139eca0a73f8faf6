// Package worktree manages git worktrees under the two managed roots: one
// long-lived worktree per workspace and one throwaway worktree per attempt.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/forksd/forksd/internal/common/config"
	"github.com/forksd/forksd/internal/common/logger"
)

// cleanupParallelism bounds concurrent git invocations during batch cleanup.
const cleanupParallelism = 4

var (
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)
	slugPattern = regexp.MustCompile(`[^a-z0-9-]+`)
)

// ValidateID checks that an identifier is safe to use as a path segment.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ValidateBranch checks a branch name against git ref-name rules.
func ValidateBranch(branch string) error {
	if branch == "" || branch == "@" {
		return ErrInvalidBranch
	}
	if strings.HasPrefix(branch, "-") || strings.HasPrefix(branch, "/") ||
		strings.HasSuffix(branch, "/") || strings.HasSuffix(branch, ".") ||
		strings.HasSuffix(branch, ".lock") {
		return fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
	}
	if strings.Contains(branch, "..") || strings.Contains(branch, "//") ||
		strings.Contains(branch, "@{") || strings.Contains(branch, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
	}
	for _, r := range branch {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[", r) {
			return fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
		}
	}
	return nil
}

// Slugify lowercases a name and squeezes everything else to hyphens, for use
// as a directory segment.
func Slugify(name string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "project"
	}
	return s
}

// containedIn reports whether path resolves to a location strictly under
// root. The separator suffix defeats prefix collisions like /root-evil.
func containedIn(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(absPath, absRoot+string(filepath.Separator))
}

// Worktree describes a created worktree.
type Worktree struct {
	Path   string
	Branch string
}

// Manager creates and destroys git worktrees. Worktree mutations against the
// same repository serialize on a per-repo lock; git worktree metadata updates
// are not safe to run concurrently.
type Manager struct {
	workspacesRoot string
	attemptsRoot   string
	logger         *logger.Logger

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewManager builds a Manager rooted at the configured directories, creating
// them if needed.
func NewManager(cfg config.WorktreeConfig, log *logger.Logger) (*Manager, error) {
	wsRoot, err := cfg.ExpandedWorkspacesRoot()
	if err != nil {
		return nil, err
	}
	atRoot, err := cfg.ExpandedAttemptsRoot()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{wsRoot, atRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create worktree root: %w", err)
		}
	}
	return &Manager{
		workspacesRoot: wsRoot,
		attemptsRoot:   atRoot,
		logger:         log,
		repoLocks:      make(map[string]*sync.Mutex),
	}, nil
}

func (m *Manager) repoLock(repoPath string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.repoLocks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[repoPath] = lock
	}
	return lock
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// WorkspacePath computes the managed path for a workspace without touching
// the filesystem.
func (m *Manager) WorkspacePath(projectName, workspaceID string) (string, error) {
	if err := ValidateID(workspaceID); err != nil {
		return "", err
	}
	path := filepath.Join(m.workspacesRoot, Slugify(projectName), workspaceID)
	if !containedIn(m.workspacesRoot, path) {
		return "", ErrOutsideRoot
	}
	return path, nil
}

// AttemptPath computes the managed path for an attempt worktree.
func (m *Manager) AttemptPath(workspaceID, attemptID string) (string, error) {
	if err := ValidateID(workspaceID); err != nil {
		return "", err
	}
	if err := ValidateID(attemptID); err != nil {
		return "", err
	}
	path := filepath.Join(m.attemptsRoot, workspaceID, attemptID)
	if !containedIn(m.attemptsRoot, path) {
		return "", ErrOutsideRoot
	}
	return path, nil
}

// CreateWorkspace adds a long-lived worktree for a workspace on the given
// branch, created from baseRef.
func (m *Manager) CreateWorkspace(ctx context.Context, repoPath, projectName, workspaceID, branch, baseRef string) (*Worktree, error) {
	path, err := m.WorkspacePath(projectName, workspaceID)
	if err != nil {
		return nil, err
	}
	if err := ValidateBranch(branch); err != nil {
		return nil, err
	}
	return m.add(ctx, repoPath, path, branch, baseRef)
}

// CreateAttempt adds a throwaway worktree for an attempt, branched as
// attempt/<id> from the workspace branch.
func (m *Manager) CreateAttempt(ctx context.Context, repoPath, workspaceID, attemptID, baseRef string) (*Worktree, error) {
	path, err := m.AttemptPath(workspaceID, attemptID)
	if err != nil {
		return nil, err
	}
	branch := "attempt/" + attemptID
	if err := ValidateBranch(branch); err != nil {
		return nil, err
	}
	return m.add(ctx, repoPath, path, branch, baseRef)
}

func (m *Manager) add(ctx context.Context, repoPath, path, branch, baseRef string) (*Worktree, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	lock := m.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	args := []string{"worktree", "add", "-b", branch, path}
	if baseRef != "" {
		args = append(args, baseRef)
	}
	if _, err := m.git(ctx, repoPath, args...); err != nil {
		return nil, err
	}

	m.logger.Info("created worktree",
		zap.String("path", path),
		zap.String("branch", branch))
	return &Worktree{Path: path, Branch: branch}, nil
}

// Cleanup removes a worktree and deletes its branch. Removal is best-effort
// and escalates: git worktree remove --force, then a raw directory delete
// plus prune if git refused. Branch deletion failures are logged only.
func (m *Manager) Cleanup(ctx context.Context, repoPath, path, branch string) error {
	if !containedIn(m.workspacesRoot, path) && !containedIn(m.attemptsRoot, path) {
		return ErrOutsideRoot
	}

	lock := m.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.git(ctx, repoPath, "worktree", "remove", "--force", path); err != nil {
		m.logger.Warn("git worktree remove failed, deleting directory",
			zap.String("path", path),
			zap.Error(err))
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
		}
		if _, pruneErr := m.git(ctx, repoPath, "worktree", "prune"); pruneErr != nil {
			m.logger.Warn("git worktree prune failed", zap.Error(pruneErr))
		}
	}

	if branch != "" {
		if _, err := m.git(ctx, repoPath, "branch", "-D", branch); err != nil {
			m.logger.Debug("branch delete failed",
				zap.String("branch", branch),
				zap.Error(err))
		}
	}
	return nil
}

// CleanupAttempts removes the attempt worktrees named in ids, in parallel
// with bounded concurrency. Errors are logged per attempt; the batch always
// runs to completion.
func (m *Manager) CleanupAttempts(ctx context.Context, repoPath, workspaceID string, ids []string) {
	sem := semaphore.NewWeighted(cleanupParallelism)
	var wg sync.WaitGroup
	for _, id := range ids {
		path, err := m.AttemptPath(workspaceID, id)
		if err != nil {
			m.logger.Warn("skipping attempt cleanup", zap.String("attempt_id", id), zap.Error(err))
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(id, path string) {
			defer wg.Done()
			defer sem.Release(1)
			if err := m.Cleanup(ctx, repoPath, path, "attempt/"+id); err != nil {
				m.logger.Warn("attempt cleanup failed",
					zap.String("attempt_id", id),
					zap.Error(err))
			}
		}(id, path)
	}
	wg.Wait()
}

// CleanupForWorkspace removes every attempt worktree under a workspace that
// is not named in keepIDs, then removes the workspace's attempt directory if
// it is empty afterwards.
func (m *Manager) CleanupForWorkspace(ctx context.Context, repoPath, workspaceID string, keepIDs []string) error {
	if err := ValidateID(workspaceID); err != nil {
		return err
	}
	dir := filepath.Join(m.attemptsRoot, workspaceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to scan workspace attempts: %w", err)
	}

	keep := make(map[string]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}
	var remove []string
	for _, entry := range entries {
		if entry.IsDir() && !keep[entry.Name()] {
			remove = append(remove, entry.Name())
		}
	}
	m.CleanupAttempts(ctx, repoPath, workspaceID, remove)
	m.removeIfEmpty(dir)
	return nil
}

// removeIfEmpty deletes a directory only when it has no entries left.
func (m *Manager) removeIfEmpty(dir string) {
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		m.logger.Debug("directory not removed", zap.String("dir", dir), zap.Error(err))
	}
}

// Reconcile scans the attempts root at startup and removes directories for
// attempts that are no longer live. keep reports whether a (workspace,
// attempt) pair should survive; repoPathFor resolves the repository for a
// workspace, returning "" when the workspace itself is unknown.
func (m *Manager) Reconcile(ctx context.Context, keep func(workspaceID, attemptID string) bool, repoPathFor func(workspaceID string) string) {
	wsDirs, err := os.ReadDir(m.attemptsRoot)
	if err != nil {
		m.logger.Warn("failed to scan attempts root", zap.Error(err))
		return
	}
	for _, wsDir := range wsDirs {
		if !wsDir.IsDir() {
			continue
		}
		wsID := wsDir.Name()
		repoPath := repoPathFor(wsID)
		attemptDirs, err := os.ReadDir(filepath.Join(m.attemptsRoot, wsID))
		if err != nil {
			continue
		}
		var keepIDs, orphans []string
		for _, dir := range attemptDirs {
			if !dir.IsDir() {
				continue
			}
			if keep(wsID, dir.Name()) {
				keepIDs = append(keepIDs, dir.Name())
			} else {
				orphans = append(orphans, dir.Name())
			}
		}
		if len(orphans) == 0 {
			continue
		}
		m.logger.Info("reconciling orphaned attempt worktrees",
			zap.String("workspace_id", wsID),
			zap.Int("count", len(orphans)))
		if repoPath != "" {
			if err := m.CleanupForWorkspace(ctx, repoPath, wsID, keepIDs); err != nil {
				m.logger.Warn("workspace reconcile failed",
					zap.String("workspace_id", wsID),
					zap.Error(err))
			}
		} else {
			for _, id := range orphans {
				_ = os.RemoveAll(filepath.Join(m.attemptsRoot, wsID, id))
			}
			m.removeIfEmpty(filepath.Join(m.attemptsRoot, wsID))
		}
	}
}

// HasRef reports whether ref resolves in the repository at dir.
func (m *Manager) HasRef(ctx context.Context, dir, ref string) bool {
	_, err := m.git(ctx, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

// ResetHard discards uncommitted changes in a worktree, restoring ref.
func (m *Manager) ResetHard(ctx context.Context, worktreePath, ref string) error {
	_, err := m.git(ctx, worktreePath, "reset", "--hard", ref)
	return err
}

// Diff returns the unified diff of a worktree against HEAD, including staged
// changes.
func (m *Manager) Diff(ctx context.Context, worktreePath string) (string, error) {
	return m.git(ctx, worktreePath, "diff", "HEAD")
}
