package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/plantwatch/internal/models"
)

var received = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeTelemetry(t *testing.T) {
	body := `{"type":"TELEMETRY","plantId":"P1","timestamp":"2025-03-01T10:00:00",
		"data":{"temp":21.5,"soilHum":40,"pumpState":"ON"}}`

	ev, err := DecodeEvent([]byte(body), received, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, models.EventTelemetry, ev.Type)
	assert.Equal(t, "P1", ev.PlantID)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), ev.Timestamp)
	require.NotNil(t, ev.Telemetry)
	assert.Equal(t, 21.5, *ev.Telemetry.Temperature)
	assert.Nil(t, ev.Telemetry.AmbientHumidity)
	assert.True(t, bool(*ev.Telemetry.PumpState))
	assert.Nil(t, ev.Pump)
}

func TestDecodePumpAndAlert(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"PUMP_EVENT","plantId":"P1","timestamp":1740823200000,"data":{"pumpState":false}}`), received, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, ev.Pump)
	assert.False(t, bool(ev.Pump.PumpState))
	assert.Equal(t, time.UnixMilli(1740823200000), ev.Timestamp)

	ev, err = DecodeEvent([]byte(`{"type":"ALERT","plantId":"P1","data":{"level":"CRITICA","message":"dry soil"}}`), received, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, models.SeverityCritical, ev.Alert.Level)
	assert.Equal(t, received, ev.Timestamp, "missing timestamp falls back to receive time")
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	_, err := DecodeEvent([]byte(`not json`), received, time.UTC)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)

	_, err = DecodeEvent([]byte(`{"type":"FIRMWARE","data":{}}`), received, time.UTC)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeEvent([]byte(`{"type":"TELEMETRY","plantId":"P1"}`), received, time.UTC)
	assert.ErrorAs(t, err, &perr)

	_, err = DecodeEvent([]byte(`{"type":"PUMP_EVENT","data":{"pumpState":"MAYBE"}}`), received, time.UTC)
	assert.ErrorAs(t, err, &perr)
}

func TestDecodeBadTimestampFallsBack(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"TELEMETRY","timestamp":"yesterday","data":{"light":300}}`), received, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, received, ev.Timestamp)
}
