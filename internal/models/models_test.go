package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceThresholdsFallsBackToDefaults(t *testing.T) {
	d := Device{PlantID: "p1", MinSoilHumidity: Float(20), MaxTempC: Float(30)}

	th := d.Thresholds()

	assert.Equal(t, Range{Min: 20, Max: 90}, th.SoilHumidity)
	assert.Equal(t, Range{Min: -5, Max: 30}, th.Temperature)
	assert.Equal(t, DefaultThresholds().Light, th.Light)
	assert.Equal(t, DefaultThresholds().AmbientHumidity, th.AmbientHumidity)
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())

	bad := DefaultThresholds()
	bad.Temperature = Range{Min: 40, Max: 40}

	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidThresholds))
	assert.Contains(t, err.Error(), "temperature")
}

func TestThresholdPatch(t *testing.T) {
	patch := ThresholdPatch{MinSoilHumidity: Float(95)}
	assert.False(t, patch.Empty())
	assert.True(t, ThresholdPatch{}.Empty())

	// a half pair is fine on its own
	require.NoError(t, patch.Validate())

	// but not once merged with the stored max
	merged := DefaultThresholds().Apply(patch)
	assert.ErrorIs(t, merged.Validate(), ErrInvalidThresholds)

	full := ThresholdPatch{MinLightLux: Float(10), MaxLightLux: Float(5)}
	assert.ErrorIs(t, full.Validate(), ErrInvalidThresholds)
}

func TestClusterSlicesAreOrderedAndColored(t *testing.T) {
	res := ClusterResult{Period: "7d", Clusters: map[string]int{
		"OPTIMO":     12,
		"SECO":       3,
		"MUY_HUMEDO": 1,
	}}

	slices := res.Slices()
	require.Len(t, slices, 3)

	assert.Equal(t, ClusterSlice{Name: "MUY_HUMEDO", Value: 1, Color: colorOther}, slices[0])
	assert.Equal(t, ClusterSlice{Name: "OPTIMO", Value: 12, Color: colorOptimal}, slices[1])
	assert.Equal(t, ClusterSlice{Name: "SECO", Value: 3, Color: colorDry}, slices[2])
}

func TestStatusAndLightBuckets(t *testing.T) {
	assert.Equal(t, HealthGood, StatusOf(81))
	assert.Equal(t, HealthWarning, StatusOf(80))
	assert.Equal(t, HealthCritical, StatusOf(50))

	assert.Equal(t, "very dark", LightDescription(10))
	assert.Equal(t, "medium light", LightDescription(500))
	assert.Equal(t, "direct sun", LightDescription(5000))
}

func TestPumpStateAcceptsStringsAndBooleans(t *testing.T) {
	var data TelemetryData
	require.NoError(t, json.Unmarshal([]byte(`{"pumpState":"ON","temp":21.5}`), &data))
	require.NotNil(t, data.PumpState)
	assert.True(t, bool(*data.PumpState))
	assert.Equal(t, 21.5, *data.Temperature)
	assert.Nil(t, data.SoilHumidity)

	var pump PumpData
	require.NoError(t, json.Unmarshal([]byte(`{"pumpState":false,"event":"PUMP_OFF"}`), &pump))
	assert.False(t, bool(pump.PumpState))

	assert.Error(t, json.Unmarshal([]byte(`{"pumpState":"MAYBE"}`), &pump))

	out, err := json.Marshal(PumpState(true))
	require.NoError(t, err)
	assert.JSONEq(t, `"ON"`, string(out))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

	got, err := ParseTimestamp("2025-03-01T10:30:00Z", time.UTC)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = ParseTimestamp("2025-03-01T10:30:00", time.UTC)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = ParseTimestamp("1740825000000", time.UTC)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = ParseTimestamp("", time.UTC)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ParseTimestamp("yesterday", time.UTC)
	assert.Error(t, err)
}

func TestHistoryLabel(t *testing.T) {
	ts := time.Date(2025, 3, 1, 7, 5, 59, 0, time.UTC)
	assert.Equal(t, "07:05", HistoryLabel(ts, time.UTC))
}
