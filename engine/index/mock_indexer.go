package index

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockIndexer implements the Indexer interface for testing
type MockIndexer struct {
	mock.Mock
}

// IndexEntity implements the Indexer interface
func (m *MockIndexer) IndexEntity(ctx context.Context, doc Doc, wait, forTouch bool) error {
	args := m.Called(ctx, doc, wait, forTouch)
	return args.Error(0)
}

// UnindexEntity implements the Indexer interface
func (m *MockIndexer) UnindexEntity(ctx context.Context, docType DocType, href string) error {
	args := m.Called(ctx, docType, href)
	return args.Error(0)
}

// Fetch implements the Indexer interface
func (m *MockIndexer) Fetch(ctx context.Context, docType DocType, href string) (*Doc, error) {
	args := m.Called(ctx, docType, href)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Doc), args.Error(1)
}

// FetchChildren implements the Indexer interface
func (m *MockIndexer) FetchChildren(ctx context.Context, parentPath string) ([]Doc, error) {
	args := m.Called(ctx, parentPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Doc), args.Error(1)
}

// Search implements the Indexer interface
func (m *MockIndexer) Search(ctx context.Context, q Query) (SearchResult, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(SearchResult), args.Error(1)
}
