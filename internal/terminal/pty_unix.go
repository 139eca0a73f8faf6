//go:build !windows

package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

type unixPty struct {
	file *os.File
	cmd  *exec.Cmd
}

// Spawn starts a shell behind a Unix pseudo-terminal.
func Spawn(opts SpawnOptions) (PtyHandle, error) {
	command := opts.Command
	if command == "" {
		command = os.Getenv("SHELL")
		if command == "" {
			command = "/bin/sh"
		}
	}

	cmd := exec.Command(command)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env

	size := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	file, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}
	return &unixPty{file: file, cmd: cmd}, nil
}

func (p *unixPty) Read(b []byte) (int, error)  { return p.file.Read(b) }
func (p *unixPty) Write(b []byte) (int, error) { return p.file.Write(b) }

func (p *unixPty) Resize(cols, rows uint16) error {
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *unixPty) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *unixPty) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *unixPty) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func (p *unixPty) Close() error { return p.file.Close() }
