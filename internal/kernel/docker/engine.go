package docker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/oklog/ulid/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ovictorfarias/pegasus/internal/kernel"
	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
)

const (
	labelIdentity = "pegasus.identity"
	labelTier     = "pegasus.tier"

	// execPIDFile records the pid of the live execution's shell so Interrupt
	// can signal its process group.
	execPIDFile = "/tmp/.pegasus-exec.pid"

	// defaultCapabilityGapPattern is the recognized failure detail the Docker
	// daemon reports when the requested device capability has no driver.
	defaultCapabilityGapPattern = "could not select device driver"
)

// DockerClient is the interface for Docker operations that we use.
// This allows us to mock the Docker client for testing.
type DockerClient interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
}

// EngineConfig is the configuration for the Docker engine.
type EngineConfig struct {
	Client DockerClient
	// CapabilityGapPattern is the failure detail substring that identifies the
	// accelerated-device-unavailable condition. Configurable because its
	// stability across daemon versions is unverified.
	CapabilityGapPattern string
	Logger               log.Logger
}

func (c *EngineConfig) defaults() error {
	if c.Client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.CapabilityGapPattern == "" {
		c.CapabilityGapPattern = defaultCapabilityGapPattern
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "kernel.Docker"})
	return nil
}

// Engine is the Docker implementation of the kernel.Engine interface.
type Engine struct {
	client     DockerClient
	gapPattern string
	logger     log.Logger
}

// NewEngine creates a new Docker engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Engine{
		client:     cfg.Client,
		gapPattern: cfg.CapabilityGapPattern,
		logger:     cfg.Logger,
	}, nil
}

var _ kernel.Engine = (*Engine)(nil)

// Create creates and starts a new kernel container for an identity.
//
// The container runs a long-lived placeholder workload until explicitly
// stopped, with the host workspace mounted read-write and the working
// directory fixed inside the mount.
func (e *Engine) Create(ctx context.Context, identity string, cfg model.KernelConfig) (*model.Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel config: %w", err)
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	containerName := kernelContainerName(id)

	e.logger.Infof("Pulling image: %s", cfg.Image)
	pullResp, err := e.client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", cfg.Image, err)
	}
	// Consume the pull response to ensure it completes.
	_, _ = io.Copy(io.Discard, pullResp)
	pullResp.Close()

	tier := model.TierBaseline
	if cfg.Accelerated {
		tier = model.TierAccelerated
	}

	containerConfig := &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"tail", "-f", "/dev/null"}, // Keep container running.
		WorkingDir: cfg.WorkingDir,
		Labels: map[string]string{
			labelIdentity: identity,
			labelTier:     string(tier),
		},
	}

	hostConfig := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s:rw", cfg.NormalizedHostPath(), cfg.MountPath)},
		Resources: container.Resources{
			Memory:    cfg.MemoryLimitBytes,
			CPUShares: cfg.CPUShares,
		},
	}
	if cfg.Accelerated {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{{
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	e.logger.Infof("Creating container: %s (tier: %s)", containerName, tier)
	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		if cfg.Accelerated && strings.Contains(err.Error(), e.gapPattern) {
			return nil, fmt.Errorf("accelerated device rejected by host: %w", model.ErrCapabilityUnavailable)
		}
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leak the created container on start failure.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	now := time.Now().UTC()
	k := &model.Kernel{
		ID:          id,
		Identity:    identity,
		ContainerID: resp.ID,
		Tier:        tier,
		Status:      model.KernelStatusRunning,
		Config:      cfg,
		CreatedAt:   now,
		StartedAt:   &now,
	}

	e.logger.Infof("Created kernel: %s (container: %s)", id, resp.ID)

	return k, nil
}

// Status reloads the kernel state from the container runtime.
func (e *Engine) Status(ctx context.Context, id string) (*model.Kernel, error) {
	containerName := kernelContainerName(id)

	info, err := e.client.ContainerInspect(ctx, containerName)
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return nil, fmt.Errorf("kernel %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerName, err)
	}

	var status model.KernelStatus
	switch info.State.Status {
	case "created", "restarting":
		status = model.KernelStatusStarting
	case "running":
		status = model.KernelStatusRunning
	default:
		status = model.KernelStatusStopped
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, info.Created)
	var startedAt *time.Time
	if info.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			startedAt = &t
		}
	}

	k := &model.Kernel{
		ID:          id,
		Identity:    info.Config.Labels[labelIdentity],
		ContainerID: info.ID,
		Tier:        model.Tier(info.Config.Labels[labelTier]),
		Status:      status,
		CreatedAt:   createdAt,
		StartedAt:   startedAt,
	}

	return k, nil
}

// Stop stops a running kernel container.
func (e *Engine) Stop(ctx context.Context, id string) error {
	containerName := kernelContainerName(id)

	e.logger.Infof("Stopping container: %s", containerName)
	timeout := 10 // Seconds for graceful shutdown.
	if err := e.client.ContainerStop(ctx, containerName, container.StopOptions{Timeout: &timeout}); err != nil {
		// Idempotent.
		if strings.Contains(err.Error(), "is already stopped") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "No such container") {
			e.logger.Debugf("Container %s is already stopped", containerName)
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", containerName, err)
	}

	return nil
}

// Remove removes a kernel container.
func (e *Engine) Remove(ctx context.Context, id string) error {
	containerName := kernelContainerName(id)

	e.logger.Infof("Removing container: %s", containerName)
	if err := e.client.ContainerRemove(ctx, containerName, container.RemoveOptions{Force: true}); err != nil {
		// Idempotent.
		if strings.Contains(err.Error(), "No such container") {
			e.logger.Debugf("Container %s already removed", containerName)
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", containerName, err)
	}

	return nil
}

// ExecStream opens an interactive execution inside the kernel with a TTY so
// stdout and stderr arrive combined, in order.
func (e *Engine) ExecStream(ctx context.Context, id string, command []string) (kernel.ExecStream, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("command cannot be empty: %w", model.ErrNotValid)
	}

	containerName := kernelContainerName(id)

	// Record the shell's pid before exec-ing the real command so Interrupt
	// can signal the process group. exec keeps the pid stable.
	cmd := append([]string{"/bin/sh", "-c", fmt.Sprintf("echo $$ >%s; exec \"$@\"", execPIDFile), "sh"}, command...)

	execResp, err := e.client.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return nil, fmt.Errorf("kernel %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := e.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	e.logger.Debugf("Started exec %s in container %s", execResp.ID, containerName)

	return &execStream{
		client: e.client,
		execID: execResp.ID,
		attach: attach,
	}, nil
}

// Interrupt sends SIGINT to the process group of the last execution started
// with ExecStream. Best effort: a missing pid file or dead process is not an
// error.
func (e *Engine) Interrupt(ctx context.Context, id string) error {
	containerName := kernelContainerName(id)

	script := fmt.Sprintf(`PID=$(cat %s 2>/dev/null) && kill -INT -"$PID" 2>/dev/null || true`, execPIDFile)
	execResp, err := e.client.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd: []string{"/bin/sh", "-c", script},
	})
	if err != nil {
		return fmt.Errorf("failed to create interrupt exec: %w", err)
	}

	attach, err := e.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to start interrupt exec: %w", err)
	}
	defer attach.Close()
	_, _ = io.Copy(io.Discard, attach.Reader)

	e.logger.Debugf("Sent interrupt to container %s", containerName)

	return nil
}

// Stats reads one cumulative CPU/memory accounting sample of the kernel.
func (e *Engine) Stats(ctx context.Context, id string) (*model.KernelStats, error) {
	containerName := kernelContainerName(id)

	resp, err := e.client.ContainerStats(ctx, containerName, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}

	return &model.KernelStats{
		CPUTotal:       stats.CPUStats.CPUUsage.TotalUsage,
		SystemCPUTotal: stats.CPUStats.SystemUsage,
		OnlineCPUs:     stats.CPUStats.OnlineCPUs,
		MemoryUsage:    stats.MemoryStats.Usage,
		MemoryLimit:    stats.MemoryStats.Limit,
	}, nil
}

// DiskUsage probes filesystem usage inside the kernel with df and converts
// the limit/used fields to bytes.
func (e *Engine) DiskUsage(ctx context.Context, id string, path string) (*model.DiskUsage, error) {
	stream, err := e.ExecStream(ctx, id, []string{"df", "-Pk", path})
	if err != nil {
		return nil, fmt.Errorf("failed to run disk probe: %w", err)
	}
	defer stream.Close()

	out, err := io.ReadAll(io.LimitReader(stream.Output(), 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read disk probe output: %w", err)
	}

	exitCode, err := stream.ExitCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect disk probe: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("disk probe exited with code %d: %s", exitCode, strings.TrimSpace(string(out)))
	}

	return parseDiskUsage(string(out))
}

// parseDiskUsage parses POSIX `df -Pk` output into bytes.
func parseDiskUsage(out string) (*model.DiskUsage, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("unexpected df output: %q", out)
	}

	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected df output line: %q", lines[len(lines)-1])
	}

	limitKB, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("could not parse df limit field %q: %w", fields[1], err)
	}
	usedKB, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("could not parse df used field %q: %w", fields[2], err)
	}

	return &model.DiskUsage{
		UsedBytes:  usedKB * 1024,
		LimitBytes: limitKB * 1024,
	}, nil
}

func kernelContainerName(id string) string {
	return fmt.Sprintf("pegasus-kernel-%s", strings.ToLower(id))
}

// execStream implements kernel.ExecStream on top of a Docker exec attach.
type execStream struct {
	client DockerClient
	execID string
	attach types.HijackedResponse
}

func (s *execStream) Output() io.Reader { return s.attach.Reader }

// ExitCode polls the exec until it has finished and returns its exit code.
func (s *execStream) ExitCode(ctx context.Context) (int, error) {
	for {
		inspect, err := s.client.ContainerExecInspect(ctx, s.execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *execStream) Close() error {
	s.attach.Close()
	return nil
}
