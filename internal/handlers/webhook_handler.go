package handlers

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/basemirror/basemirror-api/internal/pipeline"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

// NotificationProcessor runs an inbound notification through the security
// pipeline.
type NotificationProcessor interface {
	Process(ctx context.Context, rawBody []byte, signature string) (pipeline.Receipt, error)
}

type WebhookHandler struct {
	processor       NotificationProcessor
	signatureHeader string
}

func NewWebhookHandler(processor NotificationProcessor, signatureHeader string) *WebhookHandler {
	return &WebhookHandler{
		processor:       processor,
		signatureHeader: signatureHeader,
	}
}

// HandleChangeNotification reads the exact raw body and maps the pipeline
// outcome onto an HTTP status. Responses never echo internals; rejected
// callers learn the category and nothing else.
func (h *WebhookHandler) HandleChangeNotification(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "Invalid payload", err)
		return
	}

	receipt, err := h.processor.Process(c.Request.Context(), rawBody, c.GetHeader(h.signatureHeader))
	if err == nil {
		response := gin.H{"outcome": string(receipt.Outcome)}
		if receipt.CycleID != "" {
			response["cycle_id"] = receipt.CycleID
		}
		c.JSON(http.StatusOK, response)
		return
	}

	switch {
	case apperrors.Is(err, apperrors.ErrMalformedInput):
		respondError(c, http.StatusBadRequest, "Invalid payload", err)
	case apperrors.Is(err, apperrors.ErrUnauthorized):
		respondError(c, http.StatusUnauthorized, "Unauthorized", err)
	case apperrors.Is(err, apperrors.ErrRateLimited):
		if retryAfter, ok := apperrors.RetryAfter(err); ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			attachError(c, err)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":          "Too many notifications",
				"retry_after_ms": retryAfter.Milliseconds(),
			})
			return
		}
		respondError(c, http.StatusTooManyRequests, "Too many notifications", err)
	case apperrors.Is(err, apperrors.ErrConfigurationMissing):
		respondError(c, http.StatusInternalServerError, "Notification processing unavailable", err)
	case apperrors.Is(err, apperrors.ErrWorkerUnavailable):
		respondError(c, http.StatusServiceUnavailable, "Sync worker unavailable", err)
	default:
		respondError(c, http.StatusInternalServerError, "Failed to process notification", err)
	}
}
