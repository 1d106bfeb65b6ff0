package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/basemirror/basemirror-api/pkg/metrics"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// RecordSource defines the interface for reading records from the active slot
type RecordSource interface {
	GetRecords(ctx context.Context, slot, table string) ([]*models.Record, error)
	GetRecord(ctx context.Context, slot, table, recordID string) (*models.Record, error)
}

// SlotResolver reports which slot currently serves reads.
type SlotResolver interface {
	CachedActiveSlot() string
}

const (
	recordKeyPrefix  = "record:"
	tableKeyPrefix   = "table:"
	cacheCheckPeriod = 30 * time.Second
	cacheName        = "records"
)

// RecordCache is a read-through cache over the active slot. Entries expire
// on their TTL and the whole cache is flushed whenever the mirror changes,
// so readers never observe a slot older than one incremental apply.
type RecordCache struct {
	cache  *gocache.Cache
	source RecordSource
	slots  SlotResolver
	ttl    time.Duration
}

// NewRecordCache creates a record cache with the given entry TTL in seconds
func NewRecordCache(source RecordSource, slots SlotResolver, ttlSeconds int) *RecordCache {
	ttl := time.Duration(ttlSeconds) * time.Second
	return &RecordCache{
		cache:  gocache.New(ttl, cacheCheckPeriod),
		source: source,
		slots:  slots,
		ttl:    ttl,
	}
}

// GetRecords returns all records of a table from the active slot
func (rc *RecordCache) GetRecords(ctx context.Context, table string) ([]*models.Record, error) {
	key := tableKeyPrefix + table
	if cached, found := rc.cache.Get(key); found {
		metrics.CacheHits.WithLabelValues(cacheName).Inc()
		return cached.([]*models.Record), nil
	}
	metrics.CacheMisses.WithLabelValues(cacheName).Inc()

	records, err := rc.source.GetRecords(ctx, rc.slots.CachedActiveSlot(), table)
	if err != nil {
		return nil, err
	}

	rc.cache.Set(key, records, rc.ttl)
	return records, nil
}

// GetRecord returns a single record by table and ID from the active slot
func (rc *RecordCache) GetRecord(ctx context.Context, table, recordID string) (*models.Record, error) {
	key := fmt.Sprintf("%s%s:%s", recordKeyPrefix, table, recordID)
	if cached, found := rc.cache.Get(key); found {
		metrics.CacheHits.WithLabelValues(cacheName).Inc()
		return cached.(*models.Record), nil
	}
	metrics.CacheMisses.WithLabelValues(cacheName).Inc()

	record, err := rc.source.GetRecord(ctx, rc.slots.CachedActiveSlot(), table, recordID)
	if err != nil {
		return nil, err
	}

	rc.cache.Set(key, record, rc.ttl)
	return record, nil
}

// Invalidate drops every cached entry. Called after slot swaps and
// incremental applies.
func (rc *RecordCache) Invalidate() {
	count := rc.cache.ItemCount()
	rc.cache.Flush()
	if count > 0 {
		logger.Debug("Record cache invalidated", zap.Int("evicted", count))
	}
}
