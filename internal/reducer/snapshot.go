package reducer

import (
	"time"

	"github.com/vesaa/plantwatch/internal/models"
	"github.com/vesaa/plantwatch/internal/realtime"
)

// Snapshot is an immutable copy of the view. Callers must not modify it.
type Snapshot struct {
	PlantID    string            `json:"plantId"`
	Device     *models.Device    `json:"device,omitempty"`
	Thresholds models.Thresholds `json:"thresholds"`

	KPI              models.KPISnapshot  `json:"kpi"`
	Health           models.HealthStatus `json:"health,omitempty"`
	LightDescription string              `json:"lightDescription,omitempty"`

	// History and Log are oldest first.
	History []models.HistoryPoint `json:"history"`
	Log     []models.LogEntry     `json:"log"`

	Alerts        []models.Alert        `json:"alerts"`
	Clusters      []models.ClusterSlice `json:"clusters"`
	ClusterWindow string                `json:"clusterWindow"`
	Period        string                `json:"period"`

	Connection realtime.Status `json:"connection"`
	Watering   bool            `json:"watering"`

	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Notice is a transient message for the user, typically a failed request.
// The view keeps rendering its last-known state.
type Notice struct {
	Op      string    `json:"op"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Update is one item of a Subscribe stream; exactly one field is set.
type Update struct {
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Notice   *Notice   `json:"notice,omitempty"`
}
