package shard

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	apperrors "chainstream/internal/errors"
)

// Process is a running worker as seen by the coordinator.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, group int, symbols []string) (Process, error)
}

// ExecSpawner runs workers as child processes of the given executable:
// "<exe> [args...] worker --group N --symbols A,B,C". Worker stderr is
// inherited so its logs reach the parent's terminal.
type ExecSpawner struct {
	Executable string
	Args       []string
	Env        []string
}

// NewExecSpawner returns a spawner for executable, defaulting to the running binary.
func NewExecSpawner(executable string, args ...string) (*ExecSpawner, error) {
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, apperrors.NewConfigurationError("shard", "cannot locate worker executable", err)
		}
		executable = exe
	}
	return &ExecSpawner{Executable: executable, Args: args}, nil
}

// Spawn starts one worker. The child is not bound to ctx; the coordinator
// stops it with a shutdown message and kills it after the grace period.
func (s *ExecSpawner) Spawn(ctx context.Context, group int, symbols []string) (Process, error) {
	args := append(append([]string(nil), s.Args...),
		"worker", "--group", strconv.Itoa(group), "--symbols", strings.Join(symbols, ","))

	cmd := exec.Command(s.Executable, args...)
	cmd.Stderr = os.Stderr
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Wrapf(err, "worker %d stdin", group)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Wrapf(err, "worker %d stdout", group)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrapf(err, "start worker %d", group)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
