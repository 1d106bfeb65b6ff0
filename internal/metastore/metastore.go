package metastore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Slot tags for the two physical mirror stores.
const (
	SlotA = "a"
	SlotB = "b"
)

// OtherSlot returns the counterpart slot tag.
func OtherSlot(slot string) string {
	if slot == SlotA {
		return SlotB
	}
	return SlotA
}

// Store is the durable process-wide record of swap state, webhook secret
// material and the idempotency ledger. All rows live in the meta schema;
// only the sync worker mutates the active-slot pointer.
type Store struct {
	pool *pgxpool.Pool

	// activeSlot caches the pointer for the read path so resolving the
	// active slot never costs a round trip. Updated on swap only.
	activeSlot atomic.Value // string
}

// New creates a metadata store over the shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init loads the active-slot pointer into the in-process cache. Must be
// called before serving reads.
func (s *Store) Init(ctx context.Context) error {
	slot, err := s.ActiveSlot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active slot: %w", err)
	}
	s.activeSlot.Store(slot)
	return nil
}

// ActiveSlot reads the active-slot pointer from the database.
func (s *Store) ActiveSlot(ctx context.Context) (string, error) {
	var slot string
	err := s.pool.QueryRow(ctx, `SELECT slot FROM meta.active_slot WHERE id = 1`).Scan(&slot)
	if err != nil {
		return "", fmt.Errorf("failed to read active slot: %w", err)
	}
	return slot, nil
}

// CachedActiveSlot resolves the active slot without a database round trip.
// Readers always resolve through this indirection; they never hold a raw
// slot handle across a swap.
func (s *Store) CachedActiveSlot() string {
	if v, ok := s.activeSlot.Load().(string); ok {
		return v
	}
	return SlotA
}

// SwapActiveSlot atomically flips the active-slot pointer and returns the
// newly active slot. Single metadata write; demotion only changes routing
// of future reads.
func (s *Store) SwapActiveSlot(ctx context.Context) (string, error) {
	var slot string
	err := s.pool.QueryRow(ctx, `
		UPDATE meta.active_slot
		SET slot = CASE WHEN slot = $1 THEN $2 ELSE $1 END,
		    updated_at = now()
		WHERE id = 1
		RETURNING slot`, SlotA, SlotB).Scan(&slot)
	if err != nil {
		return "", fmt.Errorf("failed to swap active slot: %w", err)
	}

	s.activeSlot.Store(slot)

	logger.Info("Active slot swapped", zap.String("active_slot", slot))
	return slot, nil
}

// CurrentWebhookSecret returns the newest active webhook secret. Secret
// material is owned here, not by process configuration, so rotation needs
// no redeploy. Returns ErrConfigurationMissing when no secret is present.
func (s *Store) CurrentWebhookSecret(ctx context.Context) (string, error) {
	var secret string
	err := s.pool.QueryRow(ctx, `
		SELECT secret FROM meta.webhook_secrets
		WHERE active
		ORDER BY version DESC
		LIMIT 1`).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.ErrConfigurationMissing
	}
	if err != nil {
		return "", fmt.Errorf("failed to read webhook secret: %w", err)
	}
	return secret, nil
}

// MarkNotificationProcessed durably marks an idempotency key. The insert is
// the atomic check-then-mark: exactly one of two concurrent duplicates sees
// rows-affected = 1 and wins the right to forward.
func (s *Store) MarkNotificationProcessed(ctx context.Context, key, mode string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO meta.processed_notifications (notification_key, mode, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (notification_key) DO NOTHING`, key, mode)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertCycle records a new refresh cycle at trigger time.
func (s *Store) InsertCycle(ctx context.Context, cycle *models.RefreshCycle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO meta.refresh_cycles (id, mode, status, started_at)
		VALUES ($1, $2, $3, $4)`,
		cycle.ID, cycle.Mode, cycle.Status, cycle.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert refresh cycle: %w", err)
	}
	return nil
}

// UpdateCycleStatus transitions a cycle to in_progress.
func (s *Store) UpdateCycleStatus(ctx context.Context, cycleID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE meta.refresh_cycles SET status = $2 WHERE id = $1`, cycleID, status)
	if err != nil {
		return fmt.Errorf("failed to update refresh cycle: %w", err)
	}
	return nil
}

// FinishCycle records the terminal state and stats of a refresh cycle.
func (s *Store) FinishCycle(ctx context.Context, cycle *models.RefreshCycle) error {
	finished := time.Now()
	cycle.FinishedAt = &finished

	_, err := s.pool.Exec(ctx, `
		UPDATE meta.refresh_cycles
		SET status = $2, finished_at = $3, record_count = $4,
		    applied = $5, skipped = $6, error = $7
		WHERE id = $1`,
		cycle.ID, cycle.Status, cycle.FinishedAt, cycle.RecordCount,
		cycle.Applied, cycle.Skipped, cycle.Error)
	if err != nil {
		return fmt.Errorf("failed to finish refresh cycle: %w", err)
	}
	return nil
}

// RecentCycles returns the most recent refresh cycles, newest first.
func (s *Store) RecentCycles(ctx context.Context, limit int) ([]*models.RefreshCycle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mode, status, started_at, finished_at,
		       record_count, applied, skipped, error
		FROM meta.refresh_cycles
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]*models.RefreshCycle, 0, limit)
	for rows.Next() {
		var c models.RefreshCycle
		var errText *string
		if err := rows.Scan(&c.ID, &c.Mode, &c.Status, &c.StartedAt, &c.FinishedAt,
			&c.RecordCount, &c.Applied, &c.Skipped, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan refresh cycle: %w", err)
		}
		if errText != nil {
			c.Error = *errText
		}
		cycles = append(cycles, &c)
	}

	return cycles, rows.Err()
}
