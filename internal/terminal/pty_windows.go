//go:build windows

package terminal

import (
	"context"
	"fmt"
	"os"

	"github.com/UserExistsError/conpty"
)

type windowsPty struct {
	cpty *conpty.ConPty
	proc *os.Process
}

// Spawn starts a shell in a Windows ConPTY pseudo-console.
func Spawn(opts SpawnOptions) (PtyHandle, error) {
	command := opts.Command
	if command == "" {
		command = os.Getenv("COMSPEC")
		if command == "" {
			command = "cmd.exe"
		}
	}

	ptyOpts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(int(opts.Cols), int(opts.Rows)),
	}
	if opts.Cwd != "" {
		ptyOpts = append(ptyOpts, conpty.ConPtyWorkDir(opts.Cwd))
	}
	if opts.Env != nil {
		ptyOpts = append(ptyOpts, conpty.ConPtyEnv(opts.Env))
	}

	cpty, err := conpty.Start(command, ptyOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start conpty: %w", err)
	}

	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("failed to find conpty process %d: %w", cpty.Pid(), err)
	}
	return &windowsPty{cpty: cpty, proc: proc}, nil
}

func (p *windowsPty) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPty) Write(b []byte) (int, error) { return p.cpty.Write(b) }

func (p *windowsPty) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// Terminate asks the shell to exit. ConPTY has no SIGTERM equivalent, so the
// exit command is typed into the console.
func (p *windowsPty) Terminate() error {
	_, err := p.cpty.Write([]byte("exit\r"))
	return err
}

func (p *windowsPty) Kill() error { return p.proc.Kill() }

func (p *windowsPty) Wait() (int, error) {
	code, err := p.cpty.Wait(context.Background())
	return int(code), err
}

func (p *windowsPty) Close() error { return p.cpty.Close() }
