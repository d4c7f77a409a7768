// Package container implements the sandboxed BackendAdapter: the agent
// binary runs inside a per-session Docker container via
// ContainerExecCreate/ContainerExecAttach, giving the `hybrid` availability
// axis a concrete home.
//
// The container lifecycle (create-with-retry, stop-with-inspect-then-
// force-remove, bridge network setup) follows the same shape as an
// interactive bash TTY container manager, repurposed to carry the agent
// binary's JSON-RPC stdio instead of a shell.
package container

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/sessionbridge/internal/acp"
	"github.com/ashureev/sessionbridge/internal/backend"
	"github.com/ashureev/sessionbridge/internal/obs"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	containerUser   = "1000"
	stopTimeoutSecs = 10

	sandboxNetwork = "sessionbridge-sandbox"
	sandboxSubnet  = "172.30.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// Config configures the sandboxed adapter.
type Config struct {
	Image            string
	Command          []string
	MemoryLimitBytes int64
	CPUQuota         int64
	PidsLimit        int64
	Runtime          string
}

// Adapter runs the agent binary inside a per-session Docker container.
type Adapter struct {
	cli    *client.Client
	cfg    Config
	logger obs.Logger
}

func New(cli *client.Client, cfg Config, logger obs.Logger) *Adapter {
	if logger == nil {
		logger = obs.Default()
	}
	return &Adapter{cli: cli, cfg: cfg, logger: logger}
}

func (a *Adapter) Name() string { return "acp-container" }

func (a *Adapter) Capabilities() backend.Capabilities {
	return acp.DefaultCapabilities(backend.AvailabilityHybrid)
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist,
// grounded on DockerManager.EnsureNetwork.
func (a *Adapter) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := a.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			return nw.ID, nil
		}
	}

	resp, err := a.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}
	return resp.ID, nil
}

func (a *Adapter) containerName(sessionID string) string {
	return "sessionbridge-" + sessionID
}

// ensureContainer creates (or reuses a still-running) per-session
// container, mirroring DockerManager.EnsureContainer's named-container
// reuse/recreate logic without the TTL-restart branch. Closing a session
// stops only the exec'd agent process; the container keeps running and is
// reused by the next connect for the same session id.
func (a *Adapter) ensureContainer(ctx context.Context, sessionID string) (string, error) {
	name := a.containerName(sessionID)

	if inspect, err := a.cli.ContainerInspect(ctx, name); err == nil {
		if inspect.State.Running {
			return inspect.ID, nil
		}
		if err := a.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err == nil {
			return inspect.ID, nil
		}
	}

	if _, err := a.EnsureNetwork(ctx); err != nil {
		return "", fmt.Errorf("ensure sandbox network: %w", err)
	}

	cfg := &container.Config{
		Image: a.cfg.Image,
		User:  containerUser,
		Tty:   false,
	}
	hostCfg := &container.HostConfig{
		Runtime:     a.cfg.Runtime,
		NetworkMode: container.NetworkMode(sandboxNetwork),
		Resources: container.Resources{
			Memory:    a.cfg.MemoryLimitBytes,
			CPUQuota:  a.cfg.CPUQuota,
			PidsLimit: &a.cfg.PidsLimit,
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create sandbox container: %w", createErr)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create sandbox container after retries: %w", createErr)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start sandbox container %s: %w", resp.ID, err)
	}
	return resp.ID, nil
}

// Connect ensures the per-session sandbox container is running, execs the
// configured agent command inside it, and wraps the exec attach stream as
// an acp.Process.
func (a *Adapter) Connect(ctx context.Context, opts backend.ConnectOptions) (backend.Session, error) {
	containerID, err := a.ensureContainer(ctx, opts.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}

	// Tty:true keeps the same AttachStdin/AttachStdout/Tty shape used
	// elsewhere for exec sessions, rather than the multiplexed
	// stdout/stderr framing Docker uses for non-TTY execs, which would
	// need stdcopy demuxing.
	execCfg := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          a.cfg.Command,
		User:         containerUser,
		WorkingDir:   opts.Cwd,
	}
	execResp, err := a.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create exec: %v", backend.ErrStartupFailed, err)
	}

	attachResp, err := a.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: attach exec: %v", backend.ErrStartupFailed, err)
	}

	proc := &execProcess{
		cli:    a.cli,
		execID: execResp.ID,
		hijack: newHijackedStream(attachResp),
	}
	return acp.New(proc, opts.SessionID, a.logger), nil
}

// hijackedStream adapts the Docker SDK's HijackedResponse — which splits
// reading and writing across an embedded Conn/Reader pair rather than
// implementing io.ReadWriteCloser directly — to the plain Read/Write/Close
// shape execProcess expects.
type hijackedStream struct {
	resp types.HijackedResponse
}

func newHijackedStream(resp types.HijackedResponse) hijackedStream {
	return hijackedStream{resp: resp}
}

func (h hijackedStream) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h hijackedStream) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h hijackedStream) Close()                      { h.resp.Close() }

// StopContainer stops and removes a session's sandbox container, grounded
// verbatim on DockerManager.StopContainer's inspect→stop→force-remove
// tolerance for "already gone".
func (a *Adapter) StopContainer(ctx context.Context, sessionID string) error {
	name := a.containerName(sessionID)
	inspect, err := a.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect sandbox container %s: %w", name, err)
	}

	timeout := stopTimeoutSecs
	_ = a.cli.ContainerStop(ctx, inspect.ID, container.StopOptions{Timeout: &timeout})

	if err := a.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove sandbox container %s: %w", inspect.ID, err)
	}
	return nil
}

// execProcess adapts a Docker exec attach stream to acp.Process. Terminate
// and Kill send signals to the exec's PID from a sibling exec in the same
// container — execs created inside one container share its PID namespace,
// so `kill <pid>` from a second exec reaches the first.
type execProcess struct {
	cli    *client.Client
	execID string
	hijack hijackedStream
}

func (p *execProcess) Write(b []byte) (int, error) { return p.hijack.Write(b) }
func (p *execProcess) Read(b []byte) (int, error)  { return p.hijack.Read(b) }

func (p *execProcess) signal(ctx context.Context, sig string) error {
	inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return err
	}
	if inspect.Pid == 0 || !inspect.Running {
		return nil
	}

	killExec, err := p.cli.ContainerExecCreate(ctx, inspect.ContainerID, container.ExecOptions{
		Cmd: []string{"kill", "-" + sig, strconv.Itoa(inspect.Pid)},
	})
	if err != nil {
		return err
	}
	return p.cli.ContainerExecStart(ctx, killExec.ID, container.ExecStartOptions{})
}

func (p *execProcess) Terminate() error {
	return p.signal(context.Background(), "TERM")
}

func (p *execProcess) Kill() error {
	defer p.hijack.Close()
	return p.signal(context.Background(), "KILL")
}

func (p *execProcess) Wait(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
			if err != nil {
				return err
			}
			if !inspect.Running {
				return nil
			}
		}
	}
}
