package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vesaa/plantwatch/internal/models"
)

// ErrUnknownType marks an envelope whose tag is not handled.
var ErrUnknownType = errors.New("unknown event type")

// ParseError is a push frame that could not be decoded. It is logged and
// the frame dropped; it never reaches the reducer.
type ParseError struct {
	Body []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed push frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// envelope is the wire wrapper {type, plantId, timestamp, data}.
type envelope struct {
	Type      models.EventType `json:"type"`
	PlantID   string           `json:"plantId"`
	Timestamp json.RawMessage  `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// DecodeEvent validates a push body into a typed event. received is used
// when the envelope carries no usable timestamp.
func DecodeEvent(body []byte, received time.Time, loc *time.Location) (models.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.Event{}, &ParseError{Body: body, Err: err}
	}
	if !env.Type.Known() {
		return models.Event{}, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}

	ev := models.Event{
		Type:      env.Type,
		PlantID:   env.PlantID,
		Timestamp: decodeTimestamp(env.Timestamp, received, loc),
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return models.Event{}, &ParseError{Body: body, Err: fmt.Errorf("%s envelope without data", env.Type)}
	}

	var err error
	switch env.Type {
	case models.EventTelemetry:
		ev.Telemetry = &models.TelemetryData{}
		err = json.Unmarshal(env.Data, ev.Telemetry)
	case models.EventPump:
		ev.Pump = &models.PumpData{}
		err = json.Unmarshal(env.Data, ev.Pump)
	case models.EventAlert:
		ev.Alert = &models.AlertData{}
		err = json.Unmarshal(env.Data, ev.Alert)
	}
	if err != nil {
		return models.Event{}, &ParseError{Body: body, Err: fmt.Errorf("%s data: %w", env.Type, err)}
	}
	return ev, nil
}

// decodeTimestamp accepts a JSON string or epoch-millis number.
func decodeTimestamp(raw json.RawMessage, fallback time.Time, loc *time.Location) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return fallback
		}
		s = n.String()
	}
	t, err := models.ParseTimestamp(s, loc)
	if err != nil || t.IsZero() {
		return fallback
	}
	return t
}
