package handlers

import (
	"context"
	"net/http"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

// RecordReader serves reads over the active slot, cached or not.
type RecordReader interface {
	GetRecords(ctx context.Context, table string) ([]*models.Record, error)
	GetRecord(ctx context.Context, table, recordID string) (*models.Record, error)
}

type RecordsHandler struct {
	reader RecordReader
}

func NewRecordsHandler(reader RecordReader) *RecordsHandler {
	return &RecordsHandler{reader: reader}
}

// ListRecords returns every mirrored record of one table
func (h *RecordsHandler) ListRecords(c *gin.Context) {
	table := c.Param("table")
	if !ValidTableName(table) {
		respondError(c, http.StatusBadRequest, "Invalid table name", nil)
		return
	}

	records, err := h.reader.GetRecords(c.Request.Context(), table)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "Failed to read records", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"table":   table,
		"count":   len(records),
		"records": records,
	})
}

// GetRecord returns a single mirrored record by table and ID
func (h *RecordsHandler) GetRecord(c *gin.Context) {
	table := c.Param("table")
	if !ValidTableName(table) {
		respondError(c, http.StatusBadRequest, "Invalid table name", nil)
		return
	}
	recordID := c.Param("id")

	record, err := h.reader.GetRecord(c.Request.Context(), table, recordID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			respondError(c, http.StatusNotFound, "Record not found", err)
			return
		}
		respondError(c, http.StatusInternalServerError, "Failed to read record", err)
		return
	}

	c.JSON(http.StatusOK, record)
}
