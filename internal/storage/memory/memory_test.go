package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovictorfarias/pegasus/internal/model"
)

func TestRepositoryCRUD(t *testing.T) {
	ctx := context.Background()

	k1 := model.Kernel{ID: "k1", Identity: "alice", Status: model.KernelStatusRunning}
	k2 := model.Kernel{ID: "k2", Identity: "bob", Status: model.KernelStatusRunning}

	tests := map[string]struct {
		run func(t *testing.T, repo *Repository)
	}{
		"Creating and getting a kernel by ID should work": {
			run: func(t *testing.T, repo *Repository) {
				require.NoError(t, repo.CreateKernel(ctx, k1))

				got, err := repo.GetKernel(ctx, "k1")
				require.NoError(t, err)
				assert.Equal(t, k1, *got)
			},
		},

		"Getting a kernel by identity should work": {
			run: func(t *testing.T, repo *Repository) {
				require.NoError(t, repo.CreateKernel(ctx, k1))
				require.NoError(t, repo.CreateKernel(ctx, k2))

				got, err := repo.GetKernelByIdentity(ctx, "bob")
				require.NoError(t, err)
				assert.Equal(t, k2, *got)
			},
		},

		"Getting a missing kernel should return not found": {
			run: func(t *testing.T, repo *Repository) {
				_, err := repo.GetKernel(ctx, "missing")
				assert.ErrorIs(t, err, model.ErrNotFound)

				_, err = repo.GetKernelByIdentity(ctx, "nobody")
				assert.ErrorIs(t, err, model.ErrNotFound)
			},
		},

		"Creating a second kernel for the same identity should fail": {
			run: func(t *testing.T, repo *Repository) {
				require.NoError(t, repo.CreateKernel(ctx, k1))

				dup := model.Kernel{ID: "other", Identity: "alice"}
				err := repo.CreateKernel(ctx, dup)
				assert.ErrorIs(t, err, model.ErrAlreadyExists)
			},
		},

		"Updating an existing kernel should persist the change": {
			run: func(t *testing.T, repo *Repository) {
				require.NoError(t, repo.CreateKernel(ctx, k1))

				updated := k1
				updated.Status = model.KernelStatusStopped
				require.NoError(t, repo.UpdateKernel(ctx, updated))

				got, err := repo.GetKernel(ctx, "k1")
				require.NoError(t, err)
				assert.Equal(t, model.KernelStatusStopped, got.Status)
			},
		},

		"Deleting a kernel should remove it": {
			run: func(t *testing.T, repo *Repository) {
				require.NoError(t, repo.CreateKernel(ctx, k1))
				require.NoError(t, repo.DeleteKernel(ctx, "k1"))

				_, err := repo.GetKernel(ctx, "k1")
				assert.ErrorIs(t, err, model.ErrNotFound)

				assert.ErrorIs(t, repo.DeleteKernel(ctx, "k1"), model.ErrNotFound)
			},
		},

		"Listing kernels should return all records": {
			run: func(t *testing.T, repo *Repository) {
				require.NoError(t, repo.CreateKernel(ctx, k1))
				require.NoError(t, repo.CreateKernel(ctx, k2))

				kernels, err := repo.ListKernels(ctx)
				require.NoError(t, err)
				assert.Len(t, kernels, 2)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo, err := NewRepository(RepositoryConfig{})
			require.NoError(t, err)

			test.run(t, repo)
		})
	}
}
