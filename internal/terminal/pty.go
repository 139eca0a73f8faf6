package terminal

// PtyHandle abstracts a spawned shell behind a pseudo-terminal. Reads return
// shell output; writes feed shell input.
type PtyHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	// Terminate requests a graceful shell exit.
	Terminate() error
	// Kill force-terminates the child process.
	Kill() error
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
	Close() error
}

// SpawnOptions parameterizes a PTY spawn.
type SpawnOptions struct {
	// Command is the program to run; empty selects the user's shell.
	Command string
	Cwd     string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// SpawnFunc creates a PtyHandle. The default is the platform implementation;
// tests substitute a fake.
type SpawnFunc func(opts SpawnOptions) (PtyHandle, error)
