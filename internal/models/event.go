package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType tags a push envelope.
type EventType string

const (
	EventTelemetry EventType = "TELEMETRY"
	EventPump      EventType = "PUMP_EVENT"
	EventAlert     EventType = "ALERT"
)

// Known reports whether t is one of the handled tags.
func (t EventType) Known() bool {
	switch t {
	case EventTelemetry, EventPump, EventAlert:
		return true
	}
	return false
}

// Event is a decoded push envelope. Exactly one of Telemetry, Pump and
// Alert is set, matching Type.
type Event struct {
	Type      EventType
	PlantID   string
	Timestamp time.Time

	Telemetry *TelemetryData
	Pump      *PumpData
	Alert     *AlertData
}

// TelemetryData is the TELEMETRY payload. Absent readings stay nil.
type TelemetryData struct {
	Temperature     *float64   `json:"temp,omitempty"`
	AmbientHumidity *float64   `json:"ambientHum,omitempty"`
	SoilHumidity    *float64   `json:"soilHum,omitempty"`
	Light           *float64   `json:"light,omitempty"`
	PumpState       *PumpState `json:"pumpState,omitempty"`
	AlertLevel      string     `json:"alertLevel,omitempty"`
}

// Empty reports whether no reading is present.
func (d TelemetryData) Empty() bool {
	return d.Temperature == nil && d.AmbientHumidity == nil && d.SoilHumidity == nil &&
		d.Light == nil && d.PumpState == nil
}

// PumpData is the PUMP_EVENT payload.
type PumpData struct {
	PumpState PumpState `json:"pumpState"`
	Event     string    `json:"event,omitempty"`
}

// AlertData is the ALERT payload.
type AlertData struct {
	Level   Severity `json:"level"`
	Message string   `json:"message"`
	Metric  string   `json:"metric,omitempty"`
	Value   *float64 `json:"value,omitempty"`
}

// PumpState is the pump flag; devices send either "ON"/"OFF" or a boolean.
type PumpState bool

func (p *PumpState) UnmarshalJSON(b []byte) error {
	var asBool bool
	if err := json.Unmarshal(b, &asBool); err == nil {
		*p = PumpState(asBool)
		return nil
	}
	var asString string
	if err := json.Unmarshal(b, &asString); err != nil {
		return fmt.Errorf("pump state: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(asString)) {
	case "ON", "TRUE", "1":
		*p = true
	case "OFF", "FALSE", "0", "":
		*p = false
	default:
		return fmt.Errorf("pump state: unknown value %q", asString)
	}
	return nil
}

func (p PumpState) MarshalJSON() ([]byte, error) {
	if p {
		return []byte(`"ON"`), nil
	}
	return []byte(`"OFF"`), nil
}

func (p PumpState) String() string {
	if p {
		return "ON"
	}
	return "OFF"
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC 3339, zone-less ISO date-times (read in loc)
// and epoch milliseconds. An empty string yields the zero time.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.Local
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
