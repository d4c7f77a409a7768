// Package process implements the local-child-process BackendAdapter: the
// agent binary is spawned directly on the host via os/exec, following the
// same spawn-and-attach shape used for the sandboxed container adapter,
// adapted from a Docker exec session to a bare child process.
package process

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/ashureev/sessionbridge/internal/acp"
	"github.com/ashureev/sessionbridge/internal/backend"
	"github.com/ashureev/sessionbridge/internal/obs"
)

// Config configures how the agent binary is launched.
type Config struct {
	Command string
	Args    []string
	Env     []string
}

// Adapter launches the configured agent binary as a local child process for
// every Connect call.
type Adapter struct {
	cfg    Config
	logger obs.Logger
}

func New(cfg Config, logger obs.Logger) *Adapter {
	if logger == nil {
		logger = obs.Default()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

func (a *Adapter) Name() string { return "acp-process" }

func (a *Adapter) Capabilities() backend.Capabilities {
	return acp.DefaultCapabilities(backend.AvailabilityLocal)
}

func (a *Adapter) Connect(ctx context.Context, opts backend.ConnectOptions) (backend.Session, error) {
	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = a.cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", backend.ErrStartupFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", backend.ErrStartupFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}

	proc := &childProcess{cmd: cmd, stdin: stdin, stdout: stdout}
	return acp.New(proc, opts.SessionID, a.logger), nil
}

// childProcess adapts an *exec.Cmd's pipes and signal delivery to
// acp.Process over a bare OS process. Terminate and Kill return the error
// from signalling a process that has already exited; they do not treat that
// case as success.
type childProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *childProcess) Write(p []byte) (int, error) { return c.stdin.Write(p) }
func (c *childProcess) Read(p []byte) (int, error)  { return c.stdout.Read(p) }

func (c *childProcess) Terminate() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Signal(syscall.SIGTERM)
}

func (c *childProcess) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Signal(syscall.SIGKILL)
}

func (c *childProcess) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
