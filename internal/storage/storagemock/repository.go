// Package storagemock contains mocks for the storage package.
package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ovictorfarias/pegasus/internal/model"
	"github.com/ovictorfarias/pegasus/internal/storage"
)

// MockRepository is a mock implementation of storage.Repository.
type MockRepository struct {
	mock.Mock
}

var _ storage.Repository = (*MockRepository)(nil)

func (m *MockRepository) CreateKernel(ctx context.Context, k model.Kernel) error {
	args := m.Called(ctx, k)
	return args.Error(0)
}

func (m *MockRepository) GetKernel(ctx context.Context, id string) (*model.Kernel, error) {
	args := m.Called(ctx, id)
	k, _ := args.Get(0).(*model.Kernel)
	return k, args.Error(1)
}

func (m *MockRepository) GetKernelByIdentity(ctx context.Context, identity string) (*model.Kernel, error) {
	args := m.Called(ctx, identity)
	k, _ := args.Get(0).(*model.Kernel)
	return k, args.Error(1)
}

func (m *MockRepository) ListKernels(ctx context.Context) ([]model.Kernel, error) {
	args := m.Called(ctx)
	ks, _ := args.Get(0).([]model.Kernel)
	return ks, args.Error(1)
}

func (m *MockRepository) UpdateKernel(ctx context.Context, k model.Kernel) error {
	args := m.Called(ctx, k)
	return args.Error(0)
}

func (m *MockRepository) DeleteKernel(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
