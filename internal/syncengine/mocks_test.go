package syncengine_test

import (
	"context"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockSource is a mock implementation of syncengine.Source
type MockSource struct {
	mock.Mock
}

func (m *MockSource) FetchAll(ctx context.Context, tables []string) (map[string][]*models.Record, error) {
	args := m.Called(ctx, tables)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]*models.Record), args.Error(1)
}

// MockSlotWriter is a mock implementation of syncengine.SlotWriter
type MockSlotWriter struct {
	mock.Mock
}

func (m *MockSlotWriter) Reset(ctx context.Context, slot string) error {
	args := m.Called(ctx, slot)
	return args.Error(0)
}

func (m *MockSlotWriter) BulkInsert(ctx context.Context, slot string, records []*models.Record) (int, error) {
	args := m.Called(ctx, slot, records)
	return args.Int(0), args.Error(1)
}

func (m *MockSlotWriter) ApplyMutations(ctx context.Context, slot string, mutations []*models.RecordMutation) error {
	args := m.Called(ctx, slot, mutations)
	return args.Error(0)
}

// MockMetadata is a mock implementation of syncengine.Metadata
type MockMetadata struct {
	mock.Mock
}

func (m *MockMetadata) CachedActiveSlot() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockMetadata) SwapActiveSlot(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockMetadata) InsertCycle(ctx context.Context, cycle *models.RefreshCycle) error {
	args := m.Called(ctx, cycle)
	return args.Error(0)
}

func (m *MockMetadata) UpdateCycleStatus(ctx context.Context, cycleID, status string) error {
	args := m.Called(ctx, cycleID, status)
	return args.Error(0)
}

func (m *MockMetadata) FinishCycle(ctx context.Context, cycle *models.RefreshCycle) error {
	args := m.Called(ctx, cycle)
	return args.Error(0)
}

// MockArchiver is a mock implementation of syncengine.Archiver
type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) Archive(ctx context.Context, cycleID string, data map[string][]*models.Record) error {
	args := m.Called(ctx, cycleID, data)
	return args.Error(0)
}
