package cache

import (
	"context"

	"github.com/basemirror/basemirror-api/internal/models"
)

// PassthroughReader reads the active slot directly on every request. Used
// when the record cache is disabled.
type PassthroughReader struct {
	source RecordSource
	slots  SlotResolver
}

func NewPassthroughReader(source RecordSource, slots SlotResolver) *PassthroughReader {
	return &PassthroughReader{source: source, slots: slots}
}

func (p *PassthroughReader) GetRecords(ctx context.Context, table string) ([]*models.Record, error) {
	return p.source.GetRecords(ctx, p.slots.CachedActiveSlot(), table)
}

func (p *PassthroughReader) GetRecord(ctx context.Context, table, recordID string) (*models.Record, error) {
	return p.source.GetRecord(ctx, p.slots.CachedActiveSlot(), table, recordID)
}

// Invalidate is a no-op; nothing is cached
func (p *PassthroughReader) Invalidate() {}
