package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/internal/worker"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/basemirror/basemirror-api/pkg/metrics"
	"go.uber.org/zap"
)

// Outcome classifies the terminal result of processing one notification.
type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeProbe             Outcome = "probe"
	OutcomeAlreadyProcessed  Outcome = "already_processed"
	OutcomeMalformed         Outcome = "malformed"
	OutcomeUnauthorized      Outcome = "unauthorized"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeConfigMissing     Outcome = "config_missing"
	OutcomeWorkerUnavailable Outcome = "worker_unavailable"
	OutcomeInternalError     Outcome = "internal_error"
)

const signaturePrefix = "hmac-sha256="

// SecretSource provides the current shared webhook secret.
type SecretSource interface {
	CurrentWebhookSecret(ctx context.Context) (string, error)
}

// Ledger records processed notification keys. Mark returns false when the
// key was already present.
type Ledger interface {
	MarkNotificationProcessed(ctx context.Context, key, mode string) (bool, error)
}

// Dispatcher hands accepted change batches to the sync worker.
type Dispatcher interface {
	TriggerIncremental(ctx context.Context, mutations []*models.RecordMutation) (*worker.Result, error)
}

// Receipt is returned for every processed notification, rejected or not.
type Receipt struct {
	Outcome Outcome
	CycleID string
}

// Pipeline runs inbound change notifications through the fixed sequence of
// security stages. Stages short-circuit: the first rejection wins and later
// stages never observe the notification. The idempotency marker is written
// before dispatch, so a crash between the two loses the signal rather than
// applying it twice; the periodic failsafe rebuild recovers the data.
type Pipeline struct {
	secrets    SecretSource
	ledger     Ledger
	dispatcher Dispatcher

	freshnessWindow time.Duration
	rateInterval    time.Duration

	mu           sync.Mutex
	lastAccepted time.Time

	now func() time.Time
}

// NewPipeline creates a notification pipeline with the given freshness
// window and minimum interval between accepted notifications.
func NewPipeline(secrets SecretSource, ledger Ledger, dispatcher Dispatcher, freshnessWindow, rateInterval time.Duration) *Pipeline {
	return &Pipeline{
		secrets:         secrets,
		ledger:          ledger,
		dispatcher:      dispatcher,
		freshnessWindow: freshnessWindow,
		rateInterval:    rateInterval,
		now:             time.Now,
	}
}

// WithClock overrides the time source
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Process runs one raw notification through every stage and returns the
// terminal outcome. The error is non-nil exactly when the outcome is a
// rejection; its category maps onto the HTTP status in the handler.
func (p *Pipeline) Process(ctx context.Context, rawBody []byte, signature string) (Receipt, error) {
	receipt, err := p.process(ctx, rawBody, signature)
	metrics.NotificationOutcomes.WithLabelValues(string(receipt.Outcome)).Inc()
	return receipt, err
}

func (p *Pipeline) process(ctx context.Context, rawBody []byte, signature string) (Receipt, error) {
	envelope := &models.NotificationEnvelope{}
	if err := json.Unmarshal(rawBody, envelope); err != nil {
		return Receipt{Outcome: OutcomeMalformed},
			apperrors.MalformedInputError("notification body is not valid JSON")
	}

	if envelope.IsProbe() {
		logger.Debug("Acknowledged liveness probe")
		return Receipt{Outcome: OutcomeProbe}, nil
	}

	if err := p.verifySignature(ctx, rawBody, signature); err != nil {
		if apperrors.Is(err, apperrors.ErrConfigurationMissing) {
			logger.Error("Rejecting notification: no webhook secret configured")
			return Receipt{Outcome: OutcomeConfigMissing}, err
		}
		logger.LogSecurityEvent("webhook_signature_rejected",
			zap.Int("body_bytes", len(rawBody)))
		return Receipt{Outcome: OutcomeUnauthorized}, err
	}

	if err := p.checkFreshness(envelope); err != nil {
		logger.LogSecurityEvent("webhook_stale_timestamp")
		return Receipt{Outcome: OutcomeUnauthorized}, err
	}

	if err := p.checkRate(); err != nil {
		return Receipt{Outcome: OutcomeRateLimited}, err
	}

	key := envelope.IdempotencyKey(rawBody)
	fresh, err := p.ledger.MarkNotificationProcessed(ctx, key, "webhook")
	if err != nil {
		return Receipt{Outcome: OutcomeInternalError},
			fmt.Errorf("failed to record notification: %w", err)
	}
	if !fresh {
		logger.Debug("Duplicate notification ignored", zap.String("key", key))
		return Receipt{Outcome: OutcomeAlreadyProcessed}, nil
	}
	p.markAccepted()

	mutations := make([]*models.RecordMutation, 0, len(envelope.Changes))
	for i := range envelope.Changes {
		mutations = append(mutations, &envelope.Changes[i])
	}

	result, err := p.dispatcher.TriggerIncremental(ctx, mutations)
	if err != nil {
		// The marker is already written; this signal is lost until the
		// failsafe rebuild runs.
		logger.Warn("Accepted notification could not be dispatched",
			zap.String("key", key), zap.Error(err))
		return Receipt{Outcome: OutcomeWorkerUnavailable}, err
	}

	logger.Info("Notification accepted",
		zap.String("cycle_id", result.CycleID),
		zap.Int("mutations", len(mutations)))
	return Receipt{Outcome: OutcomeAccepted, CycleID: result.CycleID}, nil
}

// verifySignature checks the HMAC-SHA256 of the exact raw bytes against the
// current secret. Comparison is constant time over decoded digests.
func (p *Pipeline) verifySignature(ctx context.Context, rawBody []byte, signature string) error {
	secret, err := p.secrets.CurrentWebhookSecret(ctx)
	if err != nil {
		return err
	}

	if !strings.HasPrefix(signature, signaturePrefix) {
		return apperrors.UnauthorizedError("missing or malformed signature header")
	}
	claimed, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return apperrors.UnauthorizedError("signature is not valid hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	if !hmac.Equal(claimed, mac.Sum(nil)) {
		return apperrors.UnauthorizedError("signature mismatch")
	}
	return nil
}

// checkFreshness rejects notifications whose claimed timestamp is missing,
// unparseable, or outside the window around the current time.
func (p *Pipeline) checkFreshness(envelope *models.NotificationEnvelope) error {
	if envelope.Timestamp == nil || !envelope.Timestamp.Valid {
		return apperrors.UnauthorizedError("missing or unparseable timestamp")
	}
	skew := p.now().Sub(envelope.Timestamp.Time)
	if skew < 0 {
		skew = -skew
	}
	if skew > p.freshnessWindow {
		return apperrors.UnauthorizedError("timestamp outside freshness window")
	}
	return nil
}

// checkRate enforces the minimum interval between accepted notifications.
// A single timestamp is enough because only one upstream base feeds this
// endpoint. The gate only reads here; markAccepted advances it, so neither
// rejected arrivals nor duplicates push the next genuine notification out.
func (p *Pipeline) checkRate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastAccepted.IsZero() {
		elapsed := p.now().Sub(p.lastAccepted)
		if elapsed < p.rateInterval {
			return apperrors.RateLimited(p.rateInterval - elapsed)
		}
	}
	return nil
}

// markAccepted advances the rate gate. Called once the idempotency stage has
// confirmed the notification is new.
func (p *Pipeline) markAccepted() {
	p.mu.Lock()
	p.lastAccepted = p.now()
	p.mu.Unlock()
}
