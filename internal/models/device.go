// Package models defines the plantwatch domain: devices, thresholds,
// telemetry, alerts, push events and the persisted session record.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidThresholds is returned when a threshold pair has min >= max.
var ErrInvalidThresholds = errors.New("invalid thresholds")

// Device is a plant-care node as the backend reports it.
// Threshold fields are optional on the wire; Thresholds() resolves defaults.
type Device struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	PlantID     string `json:"plantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MACAddress  string `json:"macAddress,omitempty"`

	MinHumidity     *float64 `json:"minHumidity,omitempty"`
	MaxHumidity     *float64 `json:"maxHumidity,omitempty"`
	MinSoilHumidity *float64 `json:"minSoilHumidity,omitempty"`
	MaxSoilHumidity *float64 `json:"maxSoilHumidity,omitempty"`
	MinTempC        *float64 `json:"minTempC,omitempty"`
	MaxTempC        *float64 `json:"maxTempC,omitempty"`
	MinLightLux     *float64 `json:"minLightLux,omitempty"`
	MaxLightLux     *float64 `json:"maxLightLux,omitempty"`

	Topic            string `json:"topic,omitempty"`
	IsActive         bool   `json:"isActive"`
	LastDataReceived string `json:"lastDataReceived,omitempty"`
	QoSLevel         *int   `json:"qosLevel,omitempty"`
}

// LastSeen parses LastDataReceived; the zero time means never.
func (d Device) LastSeen() time.Time {
	t, _ := ParseTimestamp(d.LastDataReceived, time.Local)
	return t
}

// Thresholds returns the device configuration with defaults for absent fields.
func (d Device) Thresholds() Thresholds {
	th := DefaultThresholds()
	pick(&th.SoilHumidity.Min, d.MinSoilHumidity)
	pick(&th.SoilHumidity.Max, d.MaxSoilHumidity)
	pick(&th.AmbientHumidity.Min, d.MinHumidity)
	pick(&th.AmbientHumidity.Max, d.MaxHumidity)
	pick(&th.Temperature.Min, d.MinTempC)
	pick(&th.Temperature.Max, d.MaxTempC)
	pick(&th.Light.Min, d.MinLightLux)
	pick(&th.Light.Max, d.MaxLightLux)
	return th
}

func pick(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// Range is an inclusive {min,max} threshold pair.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Thresholds is the per-device alerting and scoring configuration.
type Thresholds struct {
	SoilHumidity    Range `json:"soilHumidity"`
	AmbientHumidity Range `json:"ambientHumidity"`
	Temperature     Range `json:"temperature"`
	Light           Range `json:"light"`
}

// DefaultThresholds is what a device without stored configuration uses.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SoilHumidity:    Range{Min: 35, Max: 90},
		AmbientHumidity: Range{Min: 30, Max: 80},
		Temperature:     Range{Min: -5, Max: 38},
		Light:           Range{Min: 200, Max: 50000},
	}
}

// Validate enforces min < max on every pair.
func (t Thresholds) Validate() error {
	pairs := []struct {
		name string
		r    Range
	}{
		{"soil humidity", t.SoilHumidity},
		{"ambient humidity", t.AmbientHumidity},
		{"temperature", t.Temperature},
		{"light", t.Light},
	}
	for _, p := range pairs {
		if p.r.Min >= p.r.Max {
			return fmt.Errorf("%w: %s min %.2f must be below max %.2f", ErrInvalidThresholds, p.name, p.r.Min, p.r.Max)
		}
	}
	return nil
}

// Apply returns t with every field set in patch overwritten.
func (t Thresholds) Apply(patch ThresholdPatch) Thresholds {
	pick(&t.SoilHumidity.Min, patch.MinSoilHumidity)
	pick(&t.SoilHumidity.Max, patch.MaxSoilHumidity)
	pick(&t.AmbientHumidity.Min, patch.MinHumidity)
	pick(&t.AmbientHumidity.Max, patch.MaxHumidity)
	pick(&t.Temperature.Min, patch.MinTempC)
	pick(&t.Temperature.Max, patch.MaxTempC)
	pick(&t.Light.Min, patch.MinLightLux)
	pick(&t.Light.Max, patch.MaxLightLux)
	return t
}

// ThresholdPatch is the partial configuration accepted by the backend.
type ThresholdPatch struct {
	MinHumidity     *float64 `json:"minHumidity,omitempty"`
	MaxHumidity     *float64 `json:"maxHumidity,omitempty"`
	MinSoilHumidity *float64 `json:"minSoilHumidity,omitempty"`
	MaxSoilHumidity *float64 `json:"maxSoilHumidity,omitempty"`
	MinTempC        *float64 `json:"minTempC,omitempty"`
	MaxTempC        *float64 `json:"maxTempC,omitempty"`
	MinLightLux     *float64 `json:"minLightLux,omitempty"`
	MaxLightLux     *float64 `json:"maxLightLux,omitempty"`
}

// Empty reports whether the patch sets nothing.
func (p ThresholdPatch) Empty() bool {
	return p == ThresholdPatch{}
}

// Validate checks the pairs the patch sets completely.
func (p ThresholdPatch) Validate() error {
	pairs := []struct {
		name     string
		min, max *float64
	}{
		{"soil humidity", p.MinSoilHumidity, p.MaxSoilHumidity},
		{"ambient humidity", p.MinHumidity, p.MaxHumidity},
		{"temperature", p.MinTempC, p.MaxTempC},
		{"light", p.MinLightLux, p.MaxLightLux},
	}
	for _, pair := range pairs {
		if pair.min != nil && pair.max != nil && *pair.min >= *pair.max {
			return fmt.Errorf("%w: %s min %.2f must be below max %.2f", ErrInvalidThresholds, pair.name, *pair.min, *pair.max)
		}
	}
	return nil
}

// User is the account record returned by a successful login.
type User struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	PlantsIDs []string `json:"plantsIds,omitempty"`
}

// AuthRequest carries login and registration credentials.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// Command is an instruction the backend relays to a device.
type Command string

const (
	CommandWater         Command = "RIEGO"
	CommandConfigSet     Command = "CONFIG_SET"
	CommandReboot        Command = "REBOOT"
	CommandConfigReset   Command = "CONFIG_RESET"
	CommandForceRead     Command = "FORCE_READ"
	CommandSetLightColor Command = "SET_LIGHT_COLOR"
)

// CommandPayload is the body of POST /devices/{plantId}/command.
type CommandPayload struct {
	Command    Command        `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}
