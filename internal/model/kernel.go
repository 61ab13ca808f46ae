package model

import (
	"fmt"
	"strings"
	"time"
)

// KernelStatus represents the status of a kernel.
type KernelStatus string

const (
	// KernelStatusStarting indicates the kernel is being created.
	KernelStatusStarting KernelStatus = "starting"
	// KernelStatusRunning indicates the kernel is running.
	KernelStatusRunning KernelStatus = "running"
	// KernelStatusStopped indicates the kernel container exists but is not running.
	KernelStatusStopped KernelStatus = "stopped"
	// KernelStatusDestroyed indicates the kernel container has been removed.
	KernelStatusDestroyed KernelStatus = "destroyed"
)

// Tier is the capability tier a kernel was provisioned with.
type Tier string

const (
	// TierAccelerated indicates the kernel got the accelerated device capability.
	TierAccelerated Tier = "accelerated"
	// TierBaseline indicates the kernel runs without the accelerated device.
	TierBaseline Tier = "baseline"
)

// Kernel represents an isolated execution environment bound to one identity.
type Kernel struct {
	ID          string
	Identity    string
	ContainerID string
	Tier        Tier
	Status      KernelStatus
	Config      KernelConfig
	CreatedAt   time.Time
	StartedAt   *time.Time
}

// KernelConfig is the static configuration for creating a kernel.
type KernelConfig struct {
	// Image is the container image the kernel runs.
	Image string
	// HostWorkspacePath is the host directory mounted read-write into the kernel.
	HostWorkspacePath string
	// MountPath is where the workspace is mounted inside the kernel.
	MountPath string
	// WorkingDir is the working directory inside the mount.
	WorkingDir string
	// MemoryLimitBytes is the kernel memory ceiling.
	MemoryLimitBytes int64
	// CPUShares is the kernel relative CPU weight.
	CPUShares int64
	// Accelerated requests the accelerated device capability at creation.
	Accelerated bool
}

// Validate validates the kernel configuration.
func (c *KernelConfig) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("image is required: %w", ErrNotValid)
	}
	if c.HostWorkspacePath == "" {
		return fmt.Errorf("host workspace path is required: %w", ErrNotValid)
	}
	if c.MountPath == "" {
		return fmt.Errorf("mount path is required: %w", ErrNotValid)
	}
	if c.MemoryLimitBytes <= 0 {
		return fmt.Errorf("memory limit must be positive: %w", ErrNotValid)
	}
	if c.CPUShares <= 0 {
		return fmt.Errorf("cpu shares must be positive: %w", ErrNotValid)
	}
	return nil
}

// NormalizedHostPath returns the host workspace path with separators normalized
// for the container runtime (Windows drive paths become `/c/...` style).
func (c *KernelConfig) NormalizedHostPath() string {
	p := strings.ReplaceAll(c.HostWorkspacePath, `\`, "/")
	if len(p) >= 2 && p[1] == ':' {
		p = "/" + strings.ToLower(p[0:1]) + p[2:]
	}
	return p
}

// KernelStats is a single cumulative resource accounting sample of a kernel.
// CPU values are cumulative counters, utilization is derived from first
// differences between consecutive samples.
type KernelStats struct {
	CPUTotal       uint64
	SystemCPUTotal uint64
	OnlineCPUs     uint32
	MemoryUsage    uint64
	MemoryLimit    uint64
}

// DiskUsage is the result of a filesystem usage probe inside a kernel.
type DiskUsage struct {
	UsedBytes  uint64
	LimitBytes uint64
}
