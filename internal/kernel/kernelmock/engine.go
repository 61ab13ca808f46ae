// Package kernelmock contains mocks for the kernel package.
package kernelmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ovictorfarias/pegasus/internal/kernel"
	"github.com/ovictorfarias/pegasus/internal/model"
)

// MockEngine is a mock implementation of kernel.Engine.
type MockEngine struct {
	mock.Mock
}

var _ kernel.Engine = (*MockEngine)(nil)

func (m *MockEngine) Create(ctx context.Context, identity string, cfg model.KernelConfig) (*model.Kernel, error) {
	args := m.Called(ctx, identity, cfg)
	k, _ := args.Get(0).(*model.Kernel)
	return k, args.Error(1)
}

func (m *MockEngine) Status(ctx context.Context, id string) (*model.Kernel, error) {
	args := m.Called(ctx, id)
	k, _ := args.Get(0).(*model.Kernel)
	return k, args.Error(1)
}

func (m *MockEngine) Stop(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockEngine) Remove(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockEngine) ExecStream(ctx context.Context, id string, command []string) (kernel.ExecStream, error) {
	args := m.Called(ctx, id, command)
	s, _ := args.Get(0).(kernel.ExecStream)
	return s, args.Error(1)
}

func (m *MockEngine) Interrupt(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockEngine) Stats(ctx context.Context, id string) (*model.KernelStats, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*model.KernelStats)
	return s, args.Error(1)
}

func (m *MockEngine) DiskUsage(ctx context.Context, id string, path string) (*model.DiskUsage, error) {
	args := m.Called(ctx, id, path)
	d, _ := args.Get(0).(*model.DiskUsage)
	return d, args.Error(1)
}
