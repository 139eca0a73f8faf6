package worktree

import "errors"

var (
	// ErrInvalidID reports an identifier that is not filesystem-safe.
	ErrInvalidID = errors.New("invalid identifier")
	// ErrInvalidBranch reports a branch name that is not a valid git ref.
	ErrInvalidBranch = errors.New("invalid branch name")
	// ErrOutsideRoot reports a path that escapes its configured root.
	ErrOutsideRoot = errors.New("path escapes managed root")
	// ErrWorktreeExists reports a create on an already-populated target path.
	ErrWorktreeExists = errors.New("worktree path already exists")
)
