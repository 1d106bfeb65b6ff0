package pipeline_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/internal/pipeline"
	"github.com/basemirror/basemirror-api/internal/worker"
	"github.com/basemirror/basemirror-api/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSecretSource struct {
	mock.Mock
}

func (m *MockSecretSource) CurrentWebhookSecret(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) MarkNotificationProcessed(ctx context.Context, key, mode string) (bool, error) {
	args := m.Called(ctx, key, mode)
	return args.Bool(0), args.Error(1)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) TriggerIncremental(ctx context.Context, mutations []*models.RecordMutation) (*worker.Result, error) {
	args := m.Called(ctx, mutations)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*worker.Result), args.Error(1)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "hmac-sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// fixedClock returns a mutable time source pinned near the test timestamps
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func newPipeline(secrets *MockSecretSource, ledger *MockLedger, dispatcher *MockDispatcher, clock *fixedClock) *pipeline.Pipeline {
	return pipeline.NewPipeline(secrets, ledger, dispatcher, 5*time.Minute, time.Second).
		WithClock(clock.now)
}

func TestProcess_ValidNotificationAccepted(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)}

	body := []byte(`{"timestamp":"2024-01-01T00:00:00Z"}`)

	secrets.On("CurrentWebhookSecret", mock.Anything).Return("s3cr3t", nil)
	ledger.On("MarkNotificationProcessed", mock.Anything, mock.Anything, "webhook").Return(true, nil)
	dispatcher.On("TriggerIncremental", mock.Anything, mock.Anything).
		Return(&worker.Result{CycleID: "cycle-1"}, nil)

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), body, sign("s3cr3t", body))

	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeAccepted, receipt.Outcome)
	assert.Equal(t, "cycle-1", receipt.CycleID)
}

func TestProcess_ProbeAcknowledgedWithoutSignature(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Now()}

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), []byte(`{}`), "")

	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeProbe, receipt.Outcome)
	secrets.AssertNotCalled(t, "CurrentWebhookSecret", mock.Anything)
	ledger.AssertNotCalled(t, "MarkNotificationProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_MalformedBodyRejected(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Now()}

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), []byte(`{"timestamp":`), "")

	assert.ErrorIs(t, err, apperrors.ErrMalformedInput)
	assert.Equal(t, pipeline.OutcomeMalformed, receipt.Outcome)
	ledger.AssertNotCalled(t, "MarkNotificationProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_SignatureOverDifferentBodyRejected(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)}

	body := []byte(`{"timestamp":"2024-01-01T00:00:00Z"}`)
	otherBody := []byte(`{"timestamp":"2024-01-01T00:00:01Z"}`)

	secrets.On("CurrentWebhookSecret", mock.Anything).Return("s3cr3t", nil)

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), body, sign("s3cr3t", otherBody))

	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Equal(t, pipeline.OutcomeUnauthorized, receipt.Outcome)
}

func TestProcess_MissingSecretFailsClosed(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Now()}

	body := []byte(`{"timestamp":"2024-01-01T00:00:00Z"}`)

	secrets.On("CurrentWebhookSecret", mock.Anything).Return("", apperrors.ErrConfigurationMissing)

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), body, sign("whatever", body))

	assert.ErrorIs(t, err, apperrors.ErrConfigurationMissing)
	assert.Equal(t, pipeline.OutcomeConfigMissing, receipt.Outcome)
}

func TestProcess_StaleTimestampRejected(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)}

	// One hour old with a five minute window
	body := []byte(`{"timestamp":"2024-01-01T00:00:00Z"}`)

	secrets.On("CurrentWebhookSecret", mock.Anything).Return("s3cr3t", nil)

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), body, sign("s3cr3t", body))

	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Equal(t, pipeline.OutcomeUnauthorized, receipt.Outcome)
}

func TestProcess_UnparseableTimestampRejected(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Now()}

	body := []byte(`{"timestamp":"not-a-time"}`)

	secrets.On("CurrentWebhookSecret", mock.Anything).Return("s3cr3t", nil)

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), body, sign("s3cr3t", body))

	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Equal(t, pipeline.OutcomeUnauthorized, receipt.Outcome)
}

func TestProcess_EarlyArrivalRateLimited(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)}

	body := []byte(`{"timestamp":"2024-01-01T00:00:00Z"}`)

	secrets.On("CurrentWebhookSecret", mock.Anything).Return("s3cr3t", nil)
	ledger.On("MarkNotificationProcessed", mock.Anything, mock.Anything, "webhook").Return(true, nil).Once()
	dispatcher.On("TriggerIncremental", mock.Anything, mock.Anything).
		Return(&worker.Result{CycleID: "cycle-1"}, nil).Once()

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), body, sign("s3cr3t", body))
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeAccepted, receipt.Outcome)

	// Second notification 2ms later with a 1000ms minimum interval
	clock.t = clock.t.Add(2 * time.Millisecond)

	receipt, err = p.Process(context.Background(), body, sign("s3cr3t", body))
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
	assert.Equal(t, pipeline.OutcomeRateLimited, receipt.Outcome)

	retryAfter, ok := apperrors.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 998*time.Millisecond, retryAfter)
}

func TestProcess_DuplicateNotificationIgnored(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)}

	body := []byte(`{"webhook":{"id":"wh1"},"timestamp":"2024-01-01T00:00:00Z","changes":[{"op":"update","table":"Contacts","recordId":"rec1","fields":{"Name":"Ada"}}]}`)
	sig := sign("s3cr3t", body)

	secrets.On("CurrentWebhookSecret", mock.Anything).Return("s3cr3t", nil)
	ledger.On("MarkNotificationProcessed", mock.Anything, "wh1:2024-01-01T00:00:00Z", "webhook").
		Return(true, nil).Once()
	ledger.On("MarkNotificationProcessed", mock.Anything, "wh1:2024-01-01T00:00:00Z", "webhook").
		Return(false, nil).Once()
	dispatcher.On("TriggerIncremental", mock.Anything, mock.Anything).
		Return(&worker.Result{CycleID: "cycle-1"}, nil).Once()

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), body, sig)
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeAccepted, receipt.Outcome)

	// Redelivery of the same notification 50ms later, past the rate gate
	clock.t = clock.t.Add(1050 * time.Millisecond)

	receipt, err = p.Process(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeAlreadyProcessed, receipt.Outcome)

	dispatcher.AssertNumberOfCalls(t, "TriggerIncremental", 1)
}

func TestProcess_DuplicatesDoNotAdvanceRateGate(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)}

	first := []byte(`{"webhook":{"id":"wh1"},"timestamp":"2024-01-01T00:00:00Z"}`)
	second := []byte(`{"webhook":{"id":"wh2"},"timestamp":"2024-01-01T00:00:01Z"}`)

	secrets.On("CurrentWebhookSecret", mock.Anything).Return("s3cr3t", nil)
	ledger.On("MarkNotificationProcessed", mock.Anything, "wh1:2024-01-01T00:00:00Z", "webhook").
		Return(true, nil).Once()
	ledger.On("MarkNotificationProcessed", mock.Anything, "wh1:2024-01-01T00:00:00Z", "webhook").
		Return(false, nil).Once()
	ledger.On("MarkNotificationProcessed", mock.Anything, "wh2:2024-01-01T00:00:01Z", "webhook").
		Return(true, nil).Once()
	dispatcher.On("TriggerIncremental", mock.Anything, mock.Anything).
		Return(&worker.Result{CycleID: "cycle-1"}, nil).Twice()

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), first, sign("s3cr3t", first))
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeAccepted, receipt.Outcome)

	// A redelivery past the rate gate is dropped as a duplicate
	clock.t = clock.t.Add(1050 * time.Millisecond)
	receipt, err = p.Process(context.Background(), first, sign("s3cr3t", first))
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeAlreadyProcessed, receipt.Outcome)

	// 50ms after the duplicate, a new notification still clears the gate:
	// the interval is measured from the last accepted one
	clock.t = clock.t.Add(50 * time.Millisecond)
	receipt, err = p.Process(context.Background(), second, sign("s3cr3t", second))
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeAccepted, receipt.Outcome)
}

func TestProcess_WorkerUnavailableAfterMark(t *testing.T) {
	secrets := new(MockSecretSource)
	ledger := new(MockLedger)
	dispatcher := new(MockDispatcher)
	clock := &fixedClock{t: time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)}

	body := []byte(`{"timestamp":"2024-01-01T00:00:00Z"}`)

	secrets.On("CurrentWebhookSecret", mock.Anything).Return("s3cr3t", nil)
	ledger.On("MarkNotificationProcessed", mock.Anything, mock.Anything, "webhook").Return(true, nil)
	dispatcher.On("TriggerIncremental", mock.Anything, mock.Anything).
		Return(nil, apperrors.ErrWorkerUnavailable)

	p := newPipeline(secrets, ledger, dispatcher, clock)

	receipt, err := p.Process(context.Background(), body, sign("s3cr3t", body))

	assert.ErrorIs(t, err, apperrors.ErrWorkerUnavailable)
	assert.Equal(t, pipeline.OutcomeWorkerUnavailable, receipt.Outcome)
	// The marker was written before dispatch; redelivery will not re-apply
	ledger.AssertNumberOfCalls(t, "MarkNotificationProcessed", 1)
}
