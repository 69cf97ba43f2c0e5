package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reserved envelope fields. The wire shape is stable across versions:
// {<payload fields>, "timestamp": epoch-ms, "expiresAt": epoch-ms}.
const (
	fieldTimestamp = "timestamp"
	fieldExpiresAt = "expiresAt"
)

var errNotObject = errors.New("state must serialize to a JSON object")

// Envelope is a decoded persisted slot. Fields holds every payload field,
// including ones this version does not know about.
type Envelope struct {
	Fields    map[string]json.RawMessage
	SavedAt   time.Time
	ExpiresAt time.Time
}

// Expired reports whether the envelope must be treated as absent at now.
func (e *Envelope) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Decode unmarshals the whole envelope, timestamps included, into out.
func (e *Envelope) Decode(out any) error {
	raw, err := e.marshal()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (e *Envelope) marshal() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(e.Fields)+2)
	for name, value := range e.Fields {
		fields[name] = value
	}
	fields[fieldTimestamp] = json.RawMessage(fmt.Sprintf("%d", e.SavedAt.UnixMilli()))
	fields[fieldExpiresAt] = json.RawMessage(fmt.Sprintf("%d", e.ExpiresAt.UnixMilli()))
	return json.Marshal(fields)
}

// payloadFields serializes state and splits it into top-level fields.
// Reserved fields in the payload are dropped; the envelope owns them.
func payloadFields(state any) (map[string]json.RawMessage, error) {
	var raw []byte
	switch v := state.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
		raw = encoded
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errNotObject
	}
	delete(fields, fieldTimestamp)
	delete(fields, fieldExpiresAt)
	return fields, nil
}

func newEnvelope(fields map[string]json.RawMessage, now time.Time, ttl time.Duration) *Envelope {
	return &Envelope{
		Fields:    fields,
		SavedAt:   now,
		ExpiresAt: now.Add(ttl),
	}
}

func decodeEnvelope(raw []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errNotObject
	}
	var savedMs, expiresMs int64
	if err := json.Unmarshal(fields[fieldTimestamp], &savedMs); err != nil {
		return nil, fmt.Errorf("envelope timestamp: %w", err)
	}
	if err := json.Unmarshal(fields[fieldExpiresAt], &expiresMs); err != nil {
		return nil, fmt.Errorf("envelope expiresAt: %w", err)
	}
	delete(fields, fieldTimestamp)
	delete(fields, fieldExpiresAt)
	return &Envelope{
		Fields:    fields,
		SavedAt:   time.UnixMilli(savedMs),
		ExpiresAt: time.UnixMilli(expiresMs),
	}, nil
}

// MarshalJSON renders the stored wire shape.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return e.marshal()
}
