package storage

import (
	"context"

	"github.com/ovictorfarias/pegasus/internal/model"
)

// Repository is the interface for kernel record persistence. Records let a
// restarted server rebind identities to containers that are still alive, or
// garbage-collect the ones that aren't.
type Repository interface {
	CreateKernel(ctx context.Context, k model.Kernel) error
	GetKernel(ctx context.Context, id string) (*model.Kernel, error)
	GetKernelByIdentity(ctx context.Context, identity string) (*model.Kernel, error)
	ListKernels(ctx context.Context) ([]model.Kernel, error)
	UpdateKernel(ctx context.Context, k model.Kernel) error
	DeleteKernel(ctx context.Context, id string) error
}
