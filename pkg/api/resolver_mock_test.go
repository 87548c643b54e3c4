package api_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/lc/hostd/internal/record"
	"github.com/lc/hostd/pkg/hostdns"
)

// MockResolver is a testify mock of the resolver the API serves.
type MockResolver struct {
	mock.Mock
}

// Lookup mocks the Lookup method.
func (m *MockResolver) Lookup(ctx context.Context, hostname string) *record.Host {
	args := m.Called(ctx, hostname)
	if h := args.Get(0); h != nil {
		return h.(*record.Host)
	}
	return nil
}

// Resolve mocks the Resolve method.
func (m *MockResolver) Resolve(ctx context.Context, hostname string) string {
	args := m.Called(ctx, hostname)
	return args.String(0)
}

// Stats mocks the Stats method.
func (m *MockResolver) Stats() hostdns.Stats {
	args := m.Called()
	return args.Get(0).(hostdns.Stats)
}

// Clear mocks the Clear method.
func (m *MockResolver) Clear() error {
	args := m.Called()
	return args.Error(0)
}

// Persist mocks the Persist method.
func (m *MockResolver) Persist(ctx context.Context, hostname string) error {
	args := m.Called(ctx, hostname)
	return args.Error(0)
}

// EnableBackend mocks the EnableBackend method.
func (m *MockResolver) EnableBackend(origin record.Origin, enabled bool) error {
	args := m.Called(origin, enabled)
	return args.Error(0)
}

// SetNetworkState mocks the SetNetworkState method.
func (m *MockResolver) SetNetworkState(state hostdns.NetworkState) error {
	args := m.Called(state)
	return args.Error(0)
}
