package trigger

import (
	"fmt"

	"github.com/basemirror/basemirror-api/pkg/httpclient"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"go.uber.org/zap"
)

// CallAsync calls a trigger URL asynchronously with a cycle_id query parameter.
// Used to notify downstream consumers that a refresh cycle completed, so they
// can invalidate their own caches. Failures are logged but don't block the cycle.
func CallAsync(triggerURL, cycleID string, httpClient httpclient.Client) {
	if triggerURL == "" {
		// No trigger URL configured, skip silently
		return
	}

	go func() {
		targetURL := fmt.Sprintf("%s?cycle_id=%s", triggerURL, cycleID)

		logger.Info("Calling refresh trigger URL",
			zap.String("url", triggerURL),
			zap.String("cycle_id", cycleID))

		resp, err := httpClient.Get(targetURL)
		if err != nil {
			logger.Error("Failed to call trigger URL",
				zap.Error(err),
				zap.String("url", triggerURL),
				zap.String("cycle_id", cycleID))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			logger.Info("Trigger URL called successfully",
				zap.String("url", triggerURL),
				zap.String("cycle_id", cycleID),
				zap.Int("status_code", resp.StatusCode))
		} else {
			logger.Warn("Trigger URL returned non-success status",
				zap.String("url", triggerURL),
				zap.String("cycle_id", cycleID),
				zap.Int("status_code", resp.StatusCode))
		}
	}()
}
