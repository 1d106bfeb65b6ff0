package slotstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basemirror/basemirror-api/internal/metastore"
	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store reads and writes mirrored records in the two slot schemas
// (mirror_a, mirror_b). Writes happen only from the sync worker; the read
// path resolves the active slot through the metadata store and never
// touches a slot mid-rebuild.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a slot store over the shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// schemaName maps a slot tag to its schema. Slot tags come from the
// metadata store only, never from request input.
func schemaName(slot string) (string, error) {
	switch slot {
	case metastore.SlotA:
		return "mirror_a", nil
	case metastore.SlotB:
		return "mirror_b", nil
	default:
		return "", fmt.Errorf("unknown slot %q", slot)
	}
}

// Reset truncates a slot's records ahead of a full rebuild. Leftover
// content from an interrupted rebuild is discarded here, which is why a
// failed rebuild never needs cleanup of its own.
func (s *Store) Reset(ctx context.Context, slot string) error {
	schema, err := schemaName(slot)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s.records`, schema)); err != nil {
		return fmt.Errorf("failed to reset slot %s: %w", slot, err)
	}
	return nil
}

// BulkInsert loads a full table's records into a slot using the COPY
// protocol. Used only during full rebuilds against the standby slot.
func (s *Store) BulkInsert(ctx context.Context, slot string, records []*models.Record) (int, error) {
	schema, err := schemaName(slot)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		rows = append(rows, []interface{}{r.Table, r.ID, r.Fields, now})
	}

	copied, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{schema, "records"},
		[]string{"table_name", "record_id", "fields", "synced_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert into slot %s: %w", slot, err)
	}

	return int(copied), nil
}

// ApplyMutations applies an ordered batch of record mutations to a slot
// inside a single transaction, so a concurrent reader observes either none
// or all of the batch. Mutation order is preserved: a later mutation of the
// same record wins.
func (s *Store) ApplyMutations(ctx context.Context, slot string, mutations []*models.RecordMutation) error {
	schema, err := schemaName(slot)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin mutation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	}()

	upsertSQL := fmt.Sprintf(`
		INSERT INTO %s.records (table_name, record_id, fields, synced_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (table_name, record_id)
		DO UPDATE SET fields = EXCLUDED.fields, synced_at = EXCLUDED.synced_at`, schema)
	deleteSQL := fmt.Sprintf(`
		DELETE FROM %s.records WHERE table_name = $1 AND record_id = $2`, schema)

	for _, m := range mutations {
		switch m.Op {
		case models.OpInsert, models.OpUpdate:
			if _, err := tx.Exec(ctx, upsertSQL, m.Table, m.RecordID, m.Fields); err != nil {
				return fmt.Errorf("failed to upsert %s/%s: %w", m.Table, m.RecordID, err)
			}
		case models.OpDelete:
			if _, err := tx.Exec(ctx, deleteSQL, m.Table, m.RecordID); err != nil {
				return fmt.Errorf("failed to delete %s/%s: %w", m.Table, m.RecordID, err)
			}
		default:
			return fmt.Errorf("unknown mutation op %q", m.Op)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit mutation batch: %w", err)
	}

	return nil
}

// GetRecords returns all records of one table from a slot.
func (s *Store) GetRecords(ctx context.Context, slot, table string) ([]*models.Record, error) {
	schema, err := schemaName(slot)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT table_name, record_id, fields
		FROM %s.records
		WHERE table_name = $1
		ORDER BY record_id`, schema), table)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []*models.Record{}
	for rows.Next() {
		var r models.Record
		if err := rows.Scan(&r.Table, &r.ID, &r.Fields); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, &r)
	}

	return records, rows.Err()
}

// GetRecord returns one record by (table, id) from a slot.
func (s *Store) GetRecord(ctx context.Context, slot, table, recordID string) (*models.Record, error) {
	schema, err := schemaName(slot)
	if err != nil {
		return nil, err
	}

	var r models.Record
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT table_name, record_id, fields
		FROM %s.records
		WHERE table_name = $1 AND record_id = $2`, schema), table, recordID).
		Scan(&r.Table, &r.ID, &r.Fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFoundError("record")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	return &r, nil
}

// CountRecords returns the number of records in a slot, by table.
func (s *Store) CountRecords(ctx context.Context, slot string) (map[string]int, error) {
	schema, err := schemaName(slot)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT table_name, count(*) FROM %s.records GROUP BY table_name`, schema))
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var table string
		var n int
		if err := rows.Scan(&table, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[table] = n
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	logger.Debug("Slot record counts", zap.String("slot", slot), zap.Any("counts", counts))
	return counts, nil
}
