package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
	"github.com/ovictorfarias/pegasus/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

const kernelColumns = `
	id, identity, container_id, tier, status,
	image, host_workspace_path, mount_path, working_dir,
	memory_limit_bytes, cpu_shares, accelerated,
	created_at, started_at
`

// CreateKernel creates a new kernel record in the repository.
func (r *Repository) CreateKernel(ctx context.Context, k model.Kernel) error {
	var startedAt *int64
	if k.StartedAt != nil {
		u := k.StartedAt.Unix()
		startedAt = &u
	}

	query := `INSERT INTO kernels (` + kernelColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(
		ctx,
		query,
		k.ID,
		k.Identity,
		k.ContainerID,
		k.Tier,
		k.Status,
		k.Config.Image,
		k.Config.HostWorkspacePath,
		k.Config.MountPath,
		k.Config.WorkingDir,
		k.Config.MemoryLimitBytes,
		k.Config.CPUShares,
		boolToInt(k.Config.Accelerated),
		k.CreatedAt.Unix(),
		startedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: kernels.") {
			return fmt.Errorf("kernel already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert kernel: %w", err)
	}

	r.logger.Debugf("Created kernel record: %s", k.ID)
	return nil
}

// GetKernel retrieves a kernel record by ID.
func (r *Repository) GetKernel(ctx context.Context, id string) (*model.Kernel, error) {
	query := `SELECT ` + kernelColumns + ` FROM kernels WHERE id = ?`

	k, err := r.scanOne(ctx, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("kernel %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query kernel: %w", err)
	}

	return k, nil
}

// GetKernelByIdentity retrieves the kernel record bound to an identity.
func (r *Repository) GetKernelByIdentity(ctx context.Context, identity string) (*model.Kernel, error) {
	query := `SELECT ` + kernelColumns + ` FROM kernels WHERE identity = ?`

	k, err := r.scanOne(ctx, query, identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("kernel for identity %s: %w", identity, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query kernel: %w", err)
	}

	return k, nil
}

// ListKernels returns all kernel records.
func (r *Repository) ListKernels(ctx context.Context) ([]model.Kernel, error) {
	query := `SELECT ` + kernelColumns + ` FROM kernels ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query kernels: %w", err)
	}
	defer rows.Close()

	var kernels []model.Kernel
	for rows.Next() {
		k, err := scanKernel(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan kernel: %w", err)
		}
		kernels = append(kernels, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate kernels: %w", err)
	}

	return kernels, nil
}

// UpdateKernel updates an existing kernel record.
func (r *Repository) UpdateKernel(ctx context.Context, k model.Kernel) error {
	var startedAt *int64
	if k.StartedAt != nil {
		u := k.StartedAt.Unix()
		startedAt = &u
	}

	query := `
		UPDATE kernels SET
			container_id = ?, tier = ?, status = ?, started_at = ?
		WHERE id = ?
	`

	res, err := r.db.ExecContext(ctx, query, k.ContainerID, k.Tier, k.Status, startedAt, k.ID)
	if err != nil {
		return fmt.Errorf("could not update kernel: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("kernel %s: %w", k.ID, model.ErrNotFound)
	}

	return nil
}

// DeleteKernel deletes a kernel record by ID.
func (r *Repository) DeleteKernel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM kernels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete kernel: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("kernel %s: %w", id, model.ErrNotFound)
	}

	r.logger.Debugf("Deleted kernel record: %s", id)
	return nil
}

func (r *Repository) scanOne(ctx context.Context, query string, args ...any) (*model.Kernel, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	return scanKernel(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKernel(row rowScanner) (*model.Kernel, error) {
	var (
		k           model.Kernel
		accelerated int
		createdAt   int64
		startedAt   *int64
	)

	err := row.Scan(
		&k.ID,
		&k.Identity,
		&k.ContainerID,
		&k.Tier,
		&k.Status,
		&k.Config.Image,
		&k.Config.HostWorkspacePath,
		&k.Config.MountPath,
		&k.Config.WorkingDir,
		&k.Config.MemoryLimitBytes,
		&k.Config.CPUShares,
		&accelerated,
		&createdAt,
		&startedAt,
	)
	if err != nil {
		return nil, err
	}

	k.Config.Accelerated = accelerated != 0
	k.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt != nil {
		t := time.Unix(*startedAt, 0).UTC()
		k.StartedAt = &t
	}

	return &k, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
