package syncengine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/internal/syncengine"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newCycle(id string) *models.RefreshCycle {
	return &models.RefreshCycle{ID: id}
}

func TestFullRebuild_Success(t *testing.T) {
	source := new(MockSource)
	slots := new(MockSlotWriter)
	meta := new(MockMetadata)

	data := map[string][]*models.Record{
		"Contacts": {
			{Table: "Contacts", ID: "rec1", Fields: map[string]interface{}{"Name": "Ada"}},
			{Table: "Contacts", ID: "rec2", Fields: map[string]interface{}{"Name": "Grace"}},
		},
	}

	meta.On("InsertCycle", mock.Anything, mock.Anything).Return(nil)
	meta.On("UpdateCycleStatus", mock.Anything, "cycle-1", models.CycleStatusInProgress).Return(nil)
	meta.On("CachedActiveSlot").Return("a")
	source.On("FetchAll", mock.Anything, []string{"Contacts"}).Return(data, nil)
	slots.On("Reset", mock.Anything, "b").Return(nil)
	slots.On("BulkInsert", mock.Anything, "b", data["Contacts"]).Return(2, nil)
	meta.On("SwapActiveSlot", mock.Anything).Return("b", nil)
	meta.On("FinishCycle", mock.Anything, mock.Anything).Return(nil)

	engine := syncengine.NewEngine(source, slots, meta, []string{"Contacts"})

	cycle := newCycle("cycle-1")
	err := engine.FullRebuild(context.Background(), cycle)

	assert.NoError(t, err)
	assert.Equal(t, models.CycleStatusSucceeded, cycle.Status)
	assert.Equal(t, 2, cycle.RecordCount)
	meta.AssertExpectations(t)
	slots.AssertExpectations(t)
	source.AssertExpectations(t)
}

func TestFullRebuild_FetchFailureLeavesActiveSlotUntouched(t *testing.T) {
	source := new(MockSource)
	slots := new(MockSlotWriter)
	meta := new(MockMetadata)

	meta.On("InsertCycle", mock.Anything, mock.Anything).Return(nil)
	meta.On("UpdateCycleStatus", mock.Anything, "cycle-2", models.CycleStatusInProgress).Return(nil)
	source.On("FetchAll", mock.Anything, mock.Anything).Return(nil, errors.New("upstream timeout"))
	meta.On("FinishCycle", mock.Anything, mock.Anything).Return(nil)

	engine := syncengine.NewEngine(source, slots, meta, []string{"Contacts"})

	cycle := newCycle("cycle-2")
	err := engine.FullRebuild(context.Background(), cycle)

	assert.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRebuildFailed)
	assert.Equal(t, models.CycleStatusFailed, cycle.Status)
	assert.Contains(t, cycle.Error, "upstream timeout")

	// No writes of any kind reached the slot store and no swap happened
	slots.AssertNotCalled(t, "Reset", mock.Anything, mock.Anything)
	slots.AssertNotCalled(t, "BulkInsert", mock.Anything, mock.Anything, mock.Anything)
	meta.AssertNotCalled(t, "SwapActiveSlot", mock.Anything)
}

func TestFullRebuild_StandbyLoadFailureSkipsSwap(t *testing.T) {
	source := new(MockSource)
	slots := new(MockSlotWriter)
	meta := new(MockMetadata)

	data := map[string][]*models.Record{
		"Contacts": {{Table: "Contacts", ID: "rec1", Fields: map[string]interface{}{}}},
	}

	meta.On("InsertCycle", mock.Anything, mock.Anything).Return(nil)
	meta.On("UpdateCycleStatus", mock.Anything, mock.Anything, models.CycleStatusInProgress).Return(nil)
	meta.On("CachedActiveSlot").Return("b")
	source.On("FetchAll", mock.Anything, mock.Anything).Return(data, nil)
	slots.On("Reset", mock.Anything, "a").Return(nil)
	slots.On("BulkInsert", mock.Anything, "a", mock.Anything).Return(0, errors.New("copy failed"))
	meta.On("FinishCycle", mock.Anything, mock.Anything).Return(nil)

	engine := syncengine.NewEngine(source, slots, meta, []string{"Contacts"})

	cycle := newCycle("cycle-3")
	err := engine.FullRebuild(context.Background(), cycle)

	assert.ErrorIs(t, err, apperrors.ErrRebuildFailed)
	assert.Equal(t, models.CycleStatusFailed, cycle.Status)
	meta.AssertNotCalled(t, "SwapActiveSlot", mock.Anything)
}

func TestFullRebuild_ConcurrentRebuildRejected(t *testing.T) {
	source := new(MockSource)
	slots := new(MockSlotWriter)
	meta := new(MockMetadata)

	fetchStarted := make(chan struct{})
	release := make(chan struct{})

	meta.On("InsertCycle", mock.Anything, mock.Anything).Return(nil)
	meta.On("UpdateCycleStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	meta.On("CachedActiveSlot").Return("a")
	source.On("FetchAll", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		close(fetchStarted)
		<-release
	}).Return(nil, errors.New("cancelled"))
	meta.On("FinishCycle", mock.Anything, mock.Anything).Return(nil)

	engine := syncengine.NewEngine(source, slots, meta, []string{"Contacts"})

	done := make(chan error, 1)
	go func() {
		done <- engine.FullRebuild(context.Background(), newCycle("cycle-4"))
	}()

	<-fetchStarted
	assert.True(t, engine.RebuildInProgress())

	err := engine.FullRebuild(context.Background(), newCycle("cycle-5"))
	assert.ErrorIs(t, err, apperrors.ErrRebuildInProgress)

	close(release)
	<-done
	assert.False(t, engine.RebuildInProgress())
}

func TestIncrementalApply_Success(t *testing.T) {
	source := new(MockSource)
	slots := new(MockSlotWriter)
	meta := new(MockMetadata)

	mutations := []*models.RecordMutation{
		{Op: models.OpInsert, Table: "Contacts", RecordID: "rec1", Fields: map[string]interface{}{"Name": "Ada"}},
		{Op: models.OpDelete, Table: "Contacts", RecordID: "rec2"},
	}

	meta.On("InsertCycle", mock.Anything, mock.Anything).Return(nil)
	meta.On("UpdateCycleStatus", mock.Anything, "cycle-6", models.CycleStatusInProgress).Return(nil)
	meta.On("CachedActiveSlot").Return("a")
	slots.On("ApplyMutations", mock.Anything, "a", mutations).Return(nil)
	meta.On("FinishCycle", mock.Anything, mock.Anything).Return(nil)

	engine := syncengine.NewEngine(source, slots, meta, []string{"Contacts"})

	cycle := newCycle("cycle-6")
	err := engine.IncrementalApply(context.Background(), cycle, mutations)

	assert.NoError(t, err)
	assert.Equal(t, models.CycleStatusSucceeded, cycle.Status)
	assert.Equal(t, 2, cycle.Applied)
	assert.Equal(t, 0, cycle.Skipped)
}

func TestIncrementalApply_UnknownTableSkipped(t *testing.T) {
	source := new(MockSource)
	slots := new(MockSlotWriter)
	meta := new(MockMetadata)

	mutations := []*models.RecordMutation{
		{Op: models.OpUpdate, Table: "Contacts", RecordID: "rec1", Fields: map[string]interface{}{"Name": "Ada"}},
		{Op: models.OpInsert, Table: "Ghosts", RecordID: "rec9", Fields: map[string]interface{}{}},
	}

	meta.On("InsertCycle", mock.Anything, mock.Anything).Return(nil)
	meta.On("UpdateCycleStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	meta.On("CachedActiveSlot").Return("a")
	slots.On("ApplyMutations", mock.Anything, "a", mock.MatchedBy(func(ms []*models.RecordMutation) bool {
		return len(ms) == 1 && ms[0].Table == "Contacts"
	})).Return(nil)
	meta.On("FinishCycle", mock.Anything, mock.Anything).Return(nil)

	engine := syncengine.NewEngine(source, slots, meta, []string{"Contacts"})

	cycle := newCycle("cycle-7")
	err := engine.IncrementalApply(context.Background(), cycle, mutations)

	assert.NoError(t, err)
	assert.Equal(t, models.CycleStatusSucceeded, cycle.Status)
	assert.Equal(t, 1, cycle.Applied)
	assert.Equal(t, 1, cycle.Skipped)
}

func TestIncrementalApply_TransactionFailure(t *testing.T) {
	source := new(MockSource)
	slots := new(MockSlotWriter)
	meta := new(MockMetadata)

	mutations := []*models.RecordMutation{
		{Op: models.OpUpdate, Table: "Contacts", RecordID: "rec1", Fields: map[string]interface{}{}},
	}

	meta.On("InsertCycle", mock.Anything, mock.Anything).Return(nil)
	meta.On("UpdateCycleStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	meta.On("CachedActiveSlot").Return("b")
	slots.On("ApplyMutations", mock.Anything, "b", mock.Anything).Return(errors.New("deadlock detected"))
	meta.On("FinishCycle", mock.Anything, mock.Anything).Return(nil)

	engine := syncengine.NewEngine(source, slots, meta, []string{"Contacts"})

	cycle := newCycle("cycle-8")
	err := engine.IncrementalApply(context.Background(), cycle, mutations)

	assert.Error(t, err)
	assert.Equal(t, models.CycleStatusFailed, cycle.Status)
	assert.Contains(t, cycle.Error, "deadlock detected")
}
