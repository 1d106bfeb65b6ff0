package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// FlexTime unmarshals both RFC3339 strings and Unix-millisecond numbers,
// since upstream notification timestamps have shipped in both shapes.
// Raw preserves the exact wire value for idempotency key derivation.
type FlexTime struct {
	Time  time.Time
	Raw   string
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler
func (t *FlexTime) UnmarshalJSON(data []byte) error {
	t.Raw = string(data)

	var timestampMs int64
	if err := json.Unmarshal(data, &timestampMs); err == nil {
		t.Time = time.Unix(0, timestampMs*int64(time.Millisecond))
		t.Valid = true
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t.Raw = s

	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Keep the raw value; freshness checking treats this as unparseable
		return nil
	}
	t.Time = parsed
	t.Valid = true
	return nil
}

// MarshalJSON implements json.Marshaler
func (t FlexTime) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return json.Marshal(t.Raw)
	}
	return json.Marshal(t.Time.Format(time.RFC3339))
}

// ObjectRef is an upstream object reference ({"id": "..."}).
type ObjectRef struct {
	ID string `json:"id"`
}

// NotificationEnvelope is the parsed body of an inbound change notification.
// A liveness probe carries none of Base, Webhook or Timestamp.
type NotificationEnvelope struct {
	Base      *ObjectRef       `json:"base,omitempty"`
	Webhook   *ObjectRef       `json:"webhook,omitempty"`
	Timestamp *FlexTime        `json:"timestamp,omitempty"`
	Changes   []RecordMutation `json:"changes,omitempty"`
}

// IsProbe reports whether the envelope is a liveness probe: it lacks all of
// the source, event container and timestamp fields. Probes carry no secret
// and are acknowledged without security checks.
func (e *NotificationEnvelope) IsProbe() bool {
	return e.Base == nil && e.Webhook == nil && e.Timestamp == nil
}

// IdempotencyKey derives the stable key for the ledger from the notification
// identifier and the claimed timestamp. When the identifier is missing, a
// digest of the raw body stands in so distinct bodies never collide.
func (e *NotificationEnvelope) IdempotencyKey(rawBody []byte) string {
	id := ""
	if e.Webhook != nil {
		id = e.Webhook.ID
	}
	if id == "" {
		sum := sha256.Sum256(rawBody)
		id = hex.EncodeToString(sum[:])
	}

	ts := ""
	if e.Timestamp != nil {
		ts = e.Timestamp.Raw
	}

	return fmt.Sprintf("%s:%s", id, ts)
}

// ChangeNotification is the full inbound signal: the exact raw bytes as
// received (signature computation must not re-serialize), the claimed
// signature header value, and the parsed envelope. Ephemeral; only the
// idempotency marker outlives pipeline processing.
type ChangeNotification struct {
	RawBody   []byte
	Signature string
	Envelope  *NotificationEnvelope
}
