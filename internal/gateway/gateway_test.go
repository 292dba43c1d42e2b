package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/plantwatch/internal/models"
)

func newBackend(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(srv.URL+"/api",
		WithHTTPClient(srv.Client()),
		WithLocation(time.UTC),
		WithSession(Session{Username: "ana", Password: "s3cret"}),
	)
}

func requireBasic(t *testing.T, r *http.Request) {
	t.Helper()

	user, pass, ok := r.BasicAuth()
	assert.True(t, ok, "missing basic auth")
	assert.Equal(t, "ana", user)
	assert.Equal(t, "s3cret", pass)
}

func TestLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "bob" || pass != "pw" {
			http.Error(w, "Bad credentials", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(models.User{ID: "u1", Username: "bob", Email: "bob@example.com"})
	})
	c := newBackend(t, mux)

	user, err := c.Login(context.Background(), "bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = c.Login(context.Background(), "bob", "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestRegisterSurfacesBackendMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var req models.AuthRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Username == "taken" {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, "Username already exists")
			return
		}
		_, _ = io.WriteString(w, "User registered")
	})
	c := newBackend(t, mux)

	msg, err := c.Register(context.Background(), models.AuthRequest{Username: "new", Password: "x"})
	require.NoError(t, err)
	assert.Equal(t, "User registered", msg)

	_, err = c.Register(context.Background(), models.AuthRequest{Username: "taken", Password: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "Username already exists")
}

func TestListDevicesAndErrors(t *testing.T) {
	var fail atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		requireBasic(t, r)
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `[{"id":"d1","plantId":"P1","name":"Ficus","isActive":true,"minSoilHumidity":40}]`)
	})
	c := newBackend(t, mux)

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "P1", devices[0].PlantID)
	assert.Equal(t, 40.0, devices[0].Thresholds().SoilHumidity.Min)

	fail.Store(true)
	_, err = c.ListDevices(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestAuthenticatedCallWithoutSession(t *testing.T) {
	c := New("http://127.0.0.1:1/api")

	_, err := c.ListDevices(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogoutClearsSession(t *testing.T) {
	c := New("http://127.0.0.1:1/api", WithSession(Session{Username: "a", Password: "b"}))

	_, ok := c.Session()
	require.True(t, ok)

	c.Logout()

	_, ok = c.Session()
	assert.False(t, ok)
	_, err := c.GetKPI(context.Background(), "P1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestUnreachableBackendIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, WithSession(Session{Username: "a", Password: "b"}))

	_, err := c.GetKPI(context.Background(), "P1")
	assert.ErrorIs(t, err, ErrNetwork)

	_, err = c.SendCommand(context.Background(), "P1", models.CommandWater)
	assert.ErrorIs(t, err, ErrCommand)
}

func TestSendCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices/P1/command", func(w http.ResponseWriter, r *http.Request) {
		requireBasic(t, r)
		assert.Equal(t, http.MethodPost, r.Method)

		var payload models.CommandPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if payload.Command != models.CommandWater {
			http.Error(w, "unknown command", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, "Command RIEGO queued")
	})
	c := newBackend(t, mux)

	ack, err := c.SendCommand(context.Background(), "P1", models.CommandWater)
	require.NoError(t, err)
	assert.Equal(t, "Command RIEGO queued", ack)

	_, err = c.SendCommand(context.Background(), "P1", models.CommandReboot)
	assert.ErrorIs(t, err, ErrCommand)
}

func TestUpdateThresholds(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices/P1/thresholds", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPut, r.Method)

		var patch models.ThresholdPatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		if patch.MaxTempC != nil && *patch.MaxTempC > 60 {
			http.Error(w, "out of range", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(models.Device{PlantID: "P1", MinTempC: patch.MinTempC, MaxTempC: patch.MaxTempC})
	})
	c := newBackend(t, mux)

	dev, err := c.UpdateThresholds(context.Background(), "P1", models.ThresholdPatch{MinTempC: models.Float(2), MaxTempC: models.Float(30)})
	require.NoError(t, err)
	assert.Equal(t, models.Range{Min: 2, Max: 30}, dev.Thresholds().Temperature)

	_, err = c.UpdateThresholds(context.Background(), "P1", models.ThresholdPatch{MinTempC: models.Float(30), MaxTempC: models.Float(2)})
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, models.ErrInvalidThresholds)

	_, err = c.UpdateThresholds(context.Background(), "P1", models.ThresholdPatch{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = c.UpdateThresholds(context.Background(), "P1", models.ThresholdPatch{MaxTempC: models.Float(70)})
	assert.ErrorIs(t, err, ErrConfig)

	assert.Equal(t, int32(2), calls.Load(), "invalid patches must not reach the backend")
}

func TestGetClusteringAndKPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analytics/P1/clustering", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7d", r.URL.Query().Get("range"))
		_, _ = io.WriteString(w, `{"period":"7d","clusters":{"SECO":2,"OPTIMO":9}}`)
	})
	mux.HandleFunc("/api/analytics/P1/kpi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"currentTemp":22.5,"currentSoil":41,"currentLight":900,"healthIndex":80,"dataQuality":97.5,"lastUpdate":"2025-03-01T10:00:00"}`)
	})
	c := newBackend(t, mux)

	res, err := c.GetClustering(context.Background(), "P1", "7d")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SECO": 2, "OPTIMO": 9}, res.Clusters)

	kpi, err := c.GetKPI(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 22.5, *kpi.Temperature)
	assert.Nil(t, kpi.AmbientHumidity)
	assert.Equal(t, 97.5, *kpi.DataQuality)
}

func TestGetHistoryMergesSparseSeries(t *testing.T) {
	series := map[string]string{
		fieldTemperature:     `[{"time":"2025-03-01T10:00:10Z","value":21},{"time":"2025-03-01T10:05:00Z","value":22}]`,
		fieldAmbientHumidity: `[{"time":"2025-03-01T10:00:40Z","value":55}]`,
		fieldSoilHumidity:    `[{"time":"2025-03-01T10:05:30Z","value":41},{"time":"garbage","value":1}]`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/analytics/P1/history", func(w http.ResponseWriter, r *http.Request) {
		requireBasic(t, r)
		assert.Equal(t, "24h", r.URL.Query().Get("range"))
		body, found := series[r.URL.Query().Get("field")]
		if !found {
			http.Error(w, "no data", http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, body)
	})
	c := newBackend(t, mux)

	points, err := c.GetHistory(context.Background(), "P1", "24h")
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.Equal(t, "10:00", points[0].Time)
	assert.Equal(t, 21.0, *points[0].Temperature)
	assert.Equal(t, 55.0, *points[0].AmbientHumidity)
	assert.Nil(t, points[0].SoilHumidity)
	assert.Nil(t, points[0].Light)

	assert.Equal(t, "10:05", points[1].Time)
	assert.Equal(t, 22.0, *points[1].Temperature)
	assert.Equal(t, 41.0, *points[1].SoilHumidity)
	assert.Nil(t, points[1].AmbientHumidity)
}

func TestListAlerts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices/P1/alerts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"a1","plantId":"P1","severity":"CRITICA","message":"dry","metric":"SOIL_HUMIDITY","value":12,"timestamp":"2025-03-01T10:00:00","isRead":false}]`)
	})
	c := newBackend(t, mux)

	alerts, err := c.ListAlerts(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
}
