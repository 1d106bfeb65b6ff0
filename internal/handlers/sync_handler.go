package handlers

import (
	"context"
	"net/http"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/internal/worker"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

// SyncTrigger queues refresh cycles on the sync worker.
type SyncTrigger interface {
	TriggerFullRebuild(ctx context.Context) (*worker.Result, error)
	TriggerIncremental(ctx context.Context, mutations []*models.RecordMutation) (*worker.Result, error)
}

// CycleReader reads sync state for the status endpoint.
type CycleReader interface {
	CachedActiveSlot() string
	RecentCycles(ctx context.Context, limit int) ([]*models.RefreshCycle, error)
}

// RefreshRequest is the manual trigger payload.
type RefreshRequest struct {
	Mode      string                  `json:"mode" binding:"required,oneof=full incremental"`
	Mutations []models.RecordMutation `json:"mutations,omitempty" binding:"omitempty,dive"`
}

type SyncHandler struct {
	trigger SyncTrigger
	cycles  CycleReader
	mode    string
}

func NewSyncHandler(trigger SyncTrigger, cycles CycleReader, mode string) *SyncHandler {
	return &SyncHandler{
		trigger: trigger,
		cycles:  cycles,
		mode:    mode,
	}
}

// TriggerRefresh queues a refresh cycle and returns its ID without waiting
// for completion. Cycle progress is visible on the status endpoint.
func (h *SyncHandler) TriggerRefresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, "Invalid refresh request",
			ParseValidationErrors(err), err)
		return
	}

	var result *worker.Result
	var err error

	switch req.Mode {
	case models.CycleModeFull:
		result, err = h.trigger.TriggerFullRebuild(c.Request.Context())
	case models.CycleModeIncremental:
		if len(req.Mutations) == 0 {
			respondError(c, http.StatusBadRequest, "Incremental refresh requires mutations", nil)
			return
		}
		mutations := make([]*models.RecordMutation, 0, len(req.Mutations))
		for i := range req.Mutations {
			mutations = append(mutations, &req.Mutations[i])
		}
		result, err = h.trigger.TriggerIncremental(c.Request.Context(), mutations)
	}

	if err != nil {
		if apperrors.Is(err, apperrors.ErrWorkerUnavailable) {
			respondError(c, http.StatusServiceUnavailable, "Sync worker unavailable", err)
			return
		}
		respondError(c, http.StatusInternalServerError, "Failed to queue refresh", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"cycle_id": result.CycleID,
		"mode":     req.Mode,
	})
}

// SyncStatus reports the active slot and recent refresh cycles
func (h *SyncHandler) SyncStatus(c *gin.Context) {
	cycles, err := h.cycles.RecentCycles(c.Request.Context(), 20)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "Failed to read sync status", err)
		return
	}

	c.JSON(http.StatusOK, models.SyncStatus{
		ActiveSlot:   h.cycles.CachedActiveSlot(),
		Mode:         h.mode,
		RecentCycles: cycles,
	})
}
