package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ovictorfarias/pegasus/internal/kernel"
	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
	"github.com/ovictorfarias/pegasus/internal/storage"
)

// RegistryConfig is the configuration for the session registry.
type RegistryConfig struct {
	Engine     kernel.Engine
	Repository storage.Repository
	// KernelConfig is the template every provisioned kernel starts from.
	KernelConfig model.KernelConfig
	Logger       log.Logger
}

func (c *RegistryConfig) defaults() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if err := c.KernelConfig.Validate(); err != nil {
		return fmt.Errorf("invalid kernel config: %w", err)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "session.Registry"})
	return nil
}

// Registry maps identities to live kernels. It guarantees at most one kernel
// per identity: mutation is mutually exclusive per identity, so concurrent
// reconnects never create two kernels, while unrelated identities don't block
// each other.
type Registry struct {
	engine    kernel.Engine
	repo      storage.Repository
	kernelCfg model.KernelConfig
	logger    log.Logger

	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	sync.Mutex
	refs int
}

// NewRegistry creates a new session registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Registry{
		engine:    cfg.Engine,
		repo:      cfg.Repository,
		kernelCfg: cfg.KernelConfig,
		logger:    cfg.Logger,
		locks:     map[string]*identityLock{},
	}, nil
}

// AcquireOutcome reports how an Acquire call resolved.
type AcquireOutcome int

const (
	// AcquireProvisioned means a fresh kernel was created for the identity.
	AcquireProvisioned AcquireOutcome = iota
	// AcquireRebound means an existing healthy kernel was reused.
	AcquireRebound
	// AcquireReprovisioned means an unhealthy kernel was replaced by a fresh one.
	AcquireReprovisioned
)

// Acquire returns the existing healthy kernel bound to the identity, or
// provisions a new one. An existing kernel that is no longer running is
// destroyed and transparently replaced.
func (r *Registry) Acquire(ctx context.Context, identity string) (*model.Kernel, AcquireOutcome, error) {
	if identity == "" {
		return nil, AcquireProvisioned, fmt.Errorf("identity is required: %w", model.ErrNotValid)
	}

	unlock := r.lockIdentity(identity)
	defer unlock()

	outcome := AcquireProvisioned

	existing, err := r.repo.GetKernelByIdentity(ctx, identity)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, outcome, fmt.Errorf("could not look up kernel record: %w", err)
	}

	if existing != nil {
		current, err := r.engine.Status(ctx, existing.ID)
		switch {
		case err == nil && current.Status == model.KernelStatusRunning:
			r.logger.WithValues(log.Kv{"identity": identity}).Debugf("Rebound to kernel %s", existing.ID)
			return existing, AcquireRebound, nil

		case err != nil && !errors.Is(err, model.ErrNotFound):
			return nil, outcome, fmt.Errorf("could not check kernel health: %w", err)

		default:
			// Not running (or gone): unhealthy, reprovision transparently.
			r.logger.WithValues(log.Kv{"identity": identity}).Warningf("Kernel %s is unhealthy, reprovisioning", existing.ID)
			r.destroyKernel(ctx, existing)
			outcome = AcquireReprovisioned
		}
	}

	k, err := r.provision(ctx, identity)
	if err != nil {
		return nil, outcome, err
	}

	return k, outcome, nil
}

// Release stops and removes the kernel bound to the identity and drops the
// registry entry. Releasing an identity with no kernel is a no-op.
func (r *Registry) Release(ctx context.Context, identity string) error {
	unlock := r.lockIdentity(identity)
	defer unlock()

	k, err := r.repo.GetKernelByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("could not look up kernel record: %w", err)
	}

	r.destroyKernel(ctx, k)
	r.logger.WithValues(log.Kv{"identity": identity}).Infof("Released kernel %s", k.ID)

	return nil
}

// Shutdown destroys every live kernel. Used on server termination.
func (r *Registry) Shutdown(ctx context.Context) error {
	kernels, err := r.repo.ListKernels(ctx)
	if err != nil {
		return fmt.Errorf("could not list kernels: %w", err)
	}

	for _, k := range kernels {
		if err := r.Release(ctx, k.Identity); err != nil {
			r.logger.Errorf("Could not release kernel for %s: %v", k.Identity, err)
		}
	}

	return nil
}

// provision creates a kernel for the identity, requesting the accelerated
// device capability first and degrading to baseline when the host reports the
// recognized capability gap. Any other creation failure is propagated
// unchanged.
func (r *Registry) provision(ctx context.Context, identity string) (*model.Kernel, error) {
	cfg := r.kernelCfg

	k, err := r.engine.Create(ctx, identity, cfg)
	if err != nil && cfg.Accelerated && errors.Is(err, model.ErrCapabilityUnavailable) {
		r.logger.WithValues(log.Kv{"identity": identity}).Warningf("Accelerated device unavailable, retrying with baseline tier")
		cfg.Accelerated = false
		k, err = r.engine.Create(ctx, identity, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("could not provision kernel: %w", err)
	}

	if err := r.repo.CreateKernel(ctx, *k); err != nil {
		// Don't leak the container when the record can't be saved.
		r.destroyContainer(ctx, k.ID)
		return nil, fmt.Errorf("could not save kernel record: %w", err)
	}

	r.logger.WithValues(log.Kv{"identity": identity}).Infof("Provisioned kernel %s (tier: %s)", k.ID, k.Tier)

	return k, nil
}

// destroyKernel tears down the container and record of a kernel. Engine
// failures are logged, the record is dropped regardless so the identity can
// reprovision.
func (r *Registry) destroyKernel(ctx context.Context, k *model.Kernel) {
	r.destroyContainer(ctx, k.ID)
	if err := r.repo.DeleteKernel(ctx, k.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
		r.logger.Errorf("Could not delete kernel record %s: %v", k.ID, err)
	}
}

func (r *Registry) destroyContainer(ctx context.Context, id string) {
	if err := r.engine.Stop(ctx, id); err != nil {
		r.logger.Errorf("Could not stop kernel %s: %v", id, err)
	}
	if err := r.engine.Remove(ctx, id); err != nil {
		r.logger.Errorf("Could not remove kernel %s: %v", id, err)
	}
}

// lockIdentity acquires the per-identity lock, creating it on first use and
// dropping it when the last holder releases.
func (r *Registry) lockIdentity(identity string) (unlock func()) {
	r.mu.Lock()
	l, ok := r.locks[identity]
	if !ok {
		l = &identityLock{}
		r.locks[identity] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()

		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, identity)
		}
		r.mu.Unlock()
	}
}
