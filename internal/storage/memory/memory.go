package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	kernels map[string]model.Kernel
	mu      sync.RWMutex
	logger  log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		kernels: make(map[string]model.Kernel),
		logger:  cfg.Logger,
	}, nil
}

// CreateKernel creates a new kernel record in the repository.
func (r *Repository) CreateKernel(ctx context.Context, k model.Kernel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kernels[k.ID]; ok {
		return fmt.Errorf("kernel with id %s: %w", k.ID, model.ErrAlreadyExists)
	}
	for _, existing := range r.kernels {
		if existing.Identity == k.Identity {
			return fmt.Errorf("kernel for identity %s: %w", k.Identity, model.ErrAlreadyExists)
		}
	}

	r.kernels[k.ID] = k
	r.logger.Debugf("Created kernel record: %s", k.ID)

	return nil
}

// GetKernel retrieves a kernel record by ID.
func (r *Repository) GetKernel(ctx context.Context, id string) (*model.Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kernels[id]
	if !ok {
		return nil, fmt.Errorf("kernel %s: %w", id, model.ErrNotFound)
	}

	kCopy := k
	return &kCopy, nil
}

// GetKernelByIdentity retrieves the kernel record bound to an identity.
func (r *Repository) GetKernelByIdentity(ctx context.Context, identity string) (*model.Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.kernels {
		if k.Identity == identity {
			kCopy := k
			return &kCopy, nil
		}
	}

	return nil, fmt.Errorf("kernel for identity %s: %w", identity, model.ErrNotFound)
}

// ListKernels returns all kernel records.
func (r *Repository) ListKernels(ctx context.Context) ([]model.Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kernels := make([]model.Kernel, 0, len(r.kernels))
	for _, k := range r.kernels {
		kernels = append(kernels, k)
	}

	return kernels, nil
}

// UpdateKernel updates an existing kernel record.
func (r *Repository) UpdateKernel(ctx context.Context, k model.Kernel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kernels[k.ID]; !ok {
		return fmt.Errorf("kernel %s: %w", k.ID, model.ErrNotFound)
	}

	r.kernels[k.ID] = k
	return nil
}

// DeleteKernel deletes a kernel record by ID.
func (r *Repository) DeleteKernel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kernels[id]; !ok {
		return fmt.Errorf("kernel %s: %w", id, model.ErrNotFound)
	}

	delete(r.kernels, id)
	r.logger.Debugf("Deleted kernel record: %s", id)

	return nil
}
