package notify

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockSink implements the Sink interface for testing
type MockSink struct {
	mock.Mock
}

// Post implements the Sink interface
func (m *MockSink) Post(ctx context.Context, ev SysEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}
