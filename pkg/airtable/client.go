package airtable

import (
	"context"
	"fmt"
	"time"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/pkg/circuitbreaker"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/basemirror/basemirror-api/pkg/metrics"
	"github.com/basemirror/basemirror-api/pkg/retry"
	"github.com/mehanizm/airtable"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client fetches complete table contents from the upstream Airtable base,
// with retry and circuit breaker protection. It is the only component that
// talks to the remote source; all read traffic is served from the mirror.
type Client struct {
	client         *airtable.Client
	baseID         string
	workOffline    bool
	circuitBreaker *gobreaker.CircuitBreaker
}

// NewClient creates a new upstream client using the mehanizm/airtable library
func NewClient(apiKey, baseID string, workOffline bool) (*Client, error) {
	cbConfig := circuitbreaker.DefaultConfig("airtable")
	cb := circuitbreaker.NewCircuitBreaker(cbConfig)

	if workOffline {
		logger.Info("Airtable client initialized in offline mode")
		return &Client{
			client:         nil,
			baseID:         baseID,
			workOffline:    true,
			circuitBreaker: cb,
		}, nil
	}

	if apiKey == "" {
		return nil, fmt.Errorf("empty API key provided")
	}
	if baseID == "" {
		return nil, fmt.Errorf("empty base ID provided")
	}

	client := airtable.NewClient(apiKey)

	logger.Info("Airtable client initialized",
		zap.String("base_id", baseID),
		zap.String("library", "mehanizm/airtable@v0.3.4"))

	return &Client{
		client:         client,
		baseID:         baseID,
		workOffline:    workOffline,
		circuitBreaker: cb,
	}, nil
}

// FetchTable fetches every record of one upstream table, paginating until
// the offset runs out. A rebuild must see a complete table or fail; there
// is no partial-success path here.
func (c *Client) FetchTable(ctx context.Context, tableName string) ([]*models.Record, error) {
	if c.workOffline {
		return c.testRecords(tableName), nil
	}

	records, err := circuitbreaker.Execute(
		c.circuitBreaker,
		func() ([]*models.Record, error) {
			return c.fetchTable(ctx, tableName)
		},
	)
	if err != nil {
		return nil, circuitbreaker.FormatError(c.circuitBreaker.Name(), err)
	}
	return records, nil
}

// fetchTable performs the actual Airtable API call with retry logic
func (c *Client) fetchTable(ctx context.Context, tableName string) ([]*models.Record, error) {
	start := time.Now()
	operation := "fetchTable"

	retryCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	retryConfig := retry.UpstreamConfig()

	records, err := retry.DoWithResult(retryCtx, retryConfig, operation, func() (*airtable.Records, error) {
		table := c.client.GetTable(c.baseID, tableName)

		// Fetch ALL records using manual pagination
		var allRecords []*airtable.Record
		offset := ""

		for {
			query := table.GetRecords().
				PageSize(100) // Maximum page size to minimize API requests

			if offset != "" {
				query = query.WithOffset(offset)
			}

			page, err := query.Do()
			if err != nil {
				return nil, fmt.Errorf("failed to fetch records from %s: %w", tableName, err)
			}

			allRecords = append(allRecords, page.Records...)

			if page.Offset == "" {
				break
			}
			offset = page.Offset
		}

		return &airtable.Records{Records: allRecords}, nil
	})

	duration := metrics.MeasureDuration(start)

	if err != nil {
		metrics.UpstreamRequestDuration.WithLabelValues(operation, "error").Observe(duration)
		metrics.UpstreamRequestTotal.WithLabelValues(operation, "error").Inc()
		logger.LogAPICall("airtable", operation, "error", duration,
			zap.String("table", tableName), zap.Error(err))
		return nil, err
	}

	metrics.UpstreamRequestDuration.WithLabelValues(operation, "success").Observe(duration)
	metrics.UpstreamRequestTotal.WithLabelValues(operation, "success").Inc()
	logger.LogAPICall("airtable", operation, "success", duration,
		zap.String("table", tableName), zap.Int("count", len(records.Records)))

	out := make([]*models.Record, 0, len(records.Records))
	for _, rec := range records.Records {
		out = append(out, &models.Record{
			Table:  tableName,
			ID:     rec.ID,
			Fields: rec.Fields,
		})
	}

	return out, nil
}

// FetchAll fetches the complete data set for every mirrored table. Any
// single table failure fails the whole fetch; the sync engine treats a
// partial upstream read as a failed rebuild.
func (c *Client) FetchAll(ctx context.Context, tables []string) (map[string][]*models.Record, error) {
	out := make(map[string][]*models.Record, len(tables))
	for _, table := range tables {
		records, err := c.FetchTable(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch table %s: %w", table, err)
		}
		out[table] = records
	}
	return out, nil
}

// testRecords returns test data for offline mode
func (c *Client) testRecords(tableName string) []*models.Record {
	return []*models.Record{
		{
			Table: tableName,
			ID:    "rec_offline_1",
			Fields: map[string]interface{}{
				"Name":   "Offline Record",
				"Status": "active",
			},
		},
	}
}
