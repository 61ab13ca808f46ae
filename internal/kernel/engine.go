package kernel

import (
	"context"
	"io"

	"github.com/ovictorfarias/pegasus/internal/model"
)

// ExecStream is a live interactive execution inside a kernel with combined
// output.
type ExecStream interface {
	// Output returns the combined incremental output of the execution.
	Output() io.Reader
	// ExitCode blocks until the execution has finished and returns its exit
	// code.
	ExitCode(ctx context.Context) (int, error)
	// Close releases the stream resources.
	Close() error
}

// Engine is the interface for kernel lifecycle management.
type Engine interface {
	// Create creates and starts a new kernel container. If the configuration
	// requests the accelerated device capability and the host reports it as
	// unavailable, the error wraps model.ErrCapabilityUnavailable.
	Create(ctx context.Context, identity string, cfg model.KernelConfig) (*model.Kernel, error)

	// Status reloads the kernel state from the container runtime.
	Status(ctx context.Context, id string) (*model.Kernel, error)

	// Stop stops a running kernel container. Idempotent.
	Stop(ctx context.Context, id string) error

	// Remove removes a kernel container. Idempotent.
	Remove(ctx context.Context, id string) error

	// ExecStream opens an interactive execution inside the kernel with
	// combined output.
	ExecStream(ctx context.Context, id string, command []string) (ExecStream, error)

	// Interrupt attempts a best-effort interrupt of the live execution inside
	// the kernel. It is non-fatal if the host doesn't support it.
	Interrupt(ctx context.Context, id string) error

	// Stats reads one cumulative CPU/memory accounting sample of the kernel.
	Stats(ctx context.Context, id string) (*model.KernelStats, error)

	// DiskUsage probes filesystem usage inside the kernel for the given path.
	DiskUsage(ctx context.Context, id string, path string) (*model.DiskUsage, error)
}
