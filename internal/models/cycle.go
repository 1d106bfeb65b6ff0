package models

import "time"

// Refresh cycle modes.
const (
	CycleModeFull        = "full"
	CycleModeIncremental = "incremental"
)

// Refresh cycle states: pending -> in_progress -> succeeded | failed.
// Failed is terminal; the next scheduled or manual trigger retries, never
// an automatic immediate retry within the same cycle.
const (
	CycleStatusPending    = "pending"
	CycleStatusInProgress = "in_progress"
	CycleStatusSucceeded  = "succeeded"
	CycleStatusFailed     = "failed"
)

// RefreshCycle is one execution of the sync logic, created at trigger time
// and mutated only by the sync worker. Retained for observability.
type RefreshCycle struct {
	ID         string     `json:"id"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Full rebuild stats
	RecordCount int `json:"record_count,omitempty"`

	// Incremental apply stats
	Applied int `json:"applied,omitempty"`
	Skipped int `json:"skipped,omitempty"`

	Error string `json:"error,omitempty"`
}

// SyncStatus is the response shape of the internal sync status endpoint.
type SyncStatus struct {
	ActiveSlot   string          `json:"active_slot"`
	Mode         string          `json:"mode"`
	RecentCycles []*RefreshCycle `json:"recent_cycles"`
}
