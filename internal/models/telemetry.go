package models

import (
	"sort"
	"strings"
	"time"
)

// KPISnapshot is the current-value summary of one device. Every reading is
// optional so that "not reported yet" never reads as zero.
type KPISnapshot struct {
	Temperature     *float64 `json:"currentTemp,omitempty"`
	SoilHumidity    *float64 `json:"currentSoil,omitempty"`
	Light           *float64 `json:"currentLight,omitempty"`
	AmbientHumidity *float64 `json:"currentAmbient,omitempty"`
	HealthIndex     *float64 `json:"healthIndex,omitempty"`
	DataQuality     *float64 `json:"dataQuality,omitempty"`
	PumpOn          *bool    `json:"pumpOn,omitempty"`
	LastUpdate      string   `json:"lastUpdate,omitempty"`
}

// Clone returns a copy that shares no pointers with k.
func (k KPISnapshot) Clone() KPISnapshot {
	out := k
	out.Temperature = cloneFloat(k.Temperature)
	out.SoilHumidity = cloneFloat(k.SoilHumidity)
	out.Light = cloneFloat(k.Light)
	out.AmbientHumidity = cloneFloat(k.AmbientHumidity)
	out.HealthIndex = cloneFloat(k.HealthIndex)
	out.DataQuality = cloneFloat(k.DataQuality)
	if k.PumpOn != nil {
		v := *k.PumpOn
		out.PumpOn = &v
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// ChartPoint is one sample of a per-metric history series.
type ChartPoint struct {
	Time  string  `json:"time"`
	Value float64 `json:"value"`
}

// HistoryPoint is one merged row of the four history series.
// Fields stay nil where a series had no sample for the label.
type HistoryPoint struct {
	Time            string   `json:"time"`
	Temperature     *float64 `json:"temp,omitempty"`
	AmbientHumidity *float64 `json:"ambientHum,omitempty"`
	SoilHumidity    *float64 `json:"soilHum,omitempty"`
	Light           *float64 `json:"light,omitempty"`
}

// HistoryLabel truncates t to the minute label used to align series.
func HistoryLabel(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("15:04")
}

// LogKind classifies entries of the live activity log.
type LogKind string

const (
	LogData  LogKind = "DATA"
	LogInfo  LogKind = "INFO"
	LogAlert LogKind = "ALERT"
)

// LogEntry is one line of the transient activity log.
type LogEntry struct {
	ID      string  `json:"id"`
	Time    string  `json:"time"`
	Message string  `json:"msg"`
	Kind    LogKind `json:"type"`
}

// Severity of a backend alert.
type Severity string

const (
	SeverityCritical Severity = "CRITICA"
	SeverityWarning  Severity = "ALERTA"
	SeverityInfo     Severity = "INFO"
)

// Alert is a backend-owned alert record.
type Alert struct {
	ID        string   `json:"id"`
	PlantID   string   `json:"plantId"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Metric    string   `json:"metric"`
	Value     float64  `json:"value"`
	Timestamp string   `json:"timestamp"`
	IsRead    bool     `json:"isRead"`
}

// ClusterResult is the backend clustering response for one analysis window.
type ClusterResult struct {
	Period   string         `json:"period"`
	Clusters map[string]int `json:"clusters"`
}

// ClusterSlice is one colored pie slice of a cluster distribution.
type ClusterSlice struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
	Color string `json:"color"`
}

const (
	colorDry     = "#ef4444"
	colorOptimal = "#10b981"
	colorOther   = "#3b82f6"
)

// Slices converts the distribution into label-ordered pie slices.
func (c ClusterResult) Slices() []ClusterSlice {
	out := make([]ClusterSlice, 0, len(c.Clusters))
	for name, count := range c.Clusters {
		out = append(out, ClusterSlice{Name: name, Value: count, Color: clusterColor(name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func clusterColor(label string) string {
	switch {
	case strings.Contains(label, "SECO"):
		return colorDry
	case strings.Contains(label, "OPTIMO"):
		return colorOptimal
	default:
		return colorOther
	}
}

// HealthStatus buckets a health index for display.
type HealthStatus string

const (
	HealthGood     HealthStatus = "good"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// StatusOf maps a health index to its display bucket.
func StatusOf(index float64) HealthStatus {
	switch {
	case index > 80:
		return HealthGood
	case index > 50:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// LightDescription names a light level in lux.
func LightDescription(lux float64) string {
	switch {
	case lux < 100:
		return "very dark"
	case lux < 500:
		return "low light"
	case lux < 1000:
		return "medium light"
	case lux < 5000:
		return "bright"
	default:
		return "direct sun"
	}
}
