// Package docker spawns ChildProcess agents inside Docker containers
// instead of as host OS processes, for callers that want filesystem and
// network isolation per session.
package docker

import (
	"context"
	"fmt"
	"io"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/routa-run/routa/internal/childproc"
	"github.com/routa-run/routa/internal/config"
	"github.com/routa-run/routa/internal/logger"
)

// Spec describes the child to run inside a container. Cwd is bind-mounted
// read-write at /workspace and used as the container's working directory.
type Spec struct {
	Command  string
	Args     []string
	Cwd      string
	ExtraEnv []string
}

// Handle is a container-backed child process. It satisfies the same
// stdio contract as childproc.Handle but carries the container ID needed
// to stop and remove it; Handle.Cmd is always nil.
type Handle struct {
	*childproc.Handle
	ContainerID string
}

// Spawner launches sandboxed children in Docker. The client is created
// lazily on first Spawn, not at construction, so a routad instance with
// docker.enabled=false never touches the daemon. Unlike sync.Once, a
// failed attempt is retried on the next Spawn rather than sticking
// permanently, since daemon unavailability is often transient.
type Spawner struct {
	cfg config.DockerConfig
	log *logger.Logger

	newClientFunc func(config.DockerConfig) (*dockerclient.Client, error)

	mu          sync.Mutex
	initialized bool
	cli         *dockerclient.Client
}

// NewSpawner constructs a Spawner. The Docker client is not created here.
func NewSpawner(cfg config.DockerConfig, log *logger.Logger) *Spawner {
	return &Spawner{
		cfg:           cfg,
		log:           log.With(zap.String("component", "docker-spawner")),
		newClientFunc: newDockerClient,
	}
}

func newDockerClient(cfg config.DockerConfig) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, dockerclient.WithVersion(cfg.APIVersion))
	}
	return dockerclient.NewClientWithOpts(opts...)
}

func (s *Spawner) ensureClient() (*dockerclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return s.cli, nil
	}

	cli, err := s.newClientFunc(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	s.cli = cli
	s.initialized = true
	return cli, nil
}

// Spawn creates, starts, and attaches to a container running spec.Command,
// demultiplexing its stdout/stderr and returning a Handle whose pipes
// behave like a host-spawned childproc.Handle's.
func (s *Spawner) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	cli, err := s.ensureClient()
	if err != nil {
		return nil, fmt.Errorf("docker unavailable: %w", err)
	}

	containerCfg := &dockercontainer.Config{
		Image:        s.cfg.Image,
		Cmd:          append([]string{spec.Command}, spec.Args...),
		Env:          spec.ExtraEnv,
		WorkingDir:   "/workspace",
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false, // no TTY: stdio must stay line-delimited JSON
	}
	hostCfg := &dockercontainer.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.Cwd, Target: "/workspace"},
		},
		AutoRemove: true,
	}

	created, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	containerID := created.ID

	attach, err := cli.ContainerAttach(ctx, containerID, dockercontainer.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := cli.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	go func() {
		io.Copy(attach.Conn, stdinR)
	}()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.Close()
		stderrW.Close()
		attach.Close()
	}()

	exited := make(chan error, 1)
	go func() {
		statusCh, errCh := cli.ContainerWait(context.Background(), containerID, dockercontainer.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			exited <- err
		case <-statusCh:
			exited <- nil
		}
	}()

	return &Handle{
		Handle: &childproc.Handle{
			Stdin:  stdinW,
			Stdout: stdoutR,
			Stderr: stderrR,
			Exited: exited,
		},
		ContainerID: containerID,
	}, nil
}

// Kill stops and removes the container backing h. Idempotent: errors from
// an already-gone container are swallowed, matching AutoRemove semantics.
func (s *Spawner) Kill(ctx context.Context, h *Handle) error {
	cli, err := s.ensureClient()
	if err != nil {
		return err
	}
	timeout := 5
	_ = cli.ContainerStop(ctx, h.ContainerID, dockercontainer.StopOptions{Timeout: &timeout})
	_ = cli.ContainerRemove(ctx, h.ContainerID, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true})
	return nil
}
