package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/cyp0633/libcalrecur/override"
)

// MockStore implements Store and ShareStore for testing
type MockStore struct {
	mock.Mock
}

// ListEvents implements the Store interface
func (m *MockStore) ListEvents(ctx context.Context, ids []uuid.UUID, w Window) ([]Event, error) {
	args := m.Called(ctx, ids, w)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Event), args.Error(1)
}

// ListOverrides implements the Store interface
func (m *MockStore) ListOverrides(ctx context.Context, ids []uuid.UUID) ([]override.Override, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]override.Override), args.Error(1)
}

func (m *MockStore) ListShares(ctx context.Context, user uuid.UUID) ([]Share, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Share), args.Error(1)
}
