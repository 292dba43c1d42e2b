package reducer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vesaa/plantwatch/internal/models"
	"github.com/vesaa/plantwatch/internal/realtime"
)

const lastUpdateLayout = "2006-01-02T15:04:05"

// KPI fields tracked independently for write arbitration.
type kpiField int

const (
	fieldTemperature kpiField = iota
	fieldSoilHumidity
	fieldLight
	fieldAmbientHumidity
	fieldHealth
	fieldQuality
	fieldPump
	fieldLastUpdate
	numKPIFields
)

type historyEntry struct {
	seq   uint64
	point models.HistoryPoint
}

// loop owns all mutable view state. Only the Run goroutine touches it.
//
// Every write source carries a sequence number taken when a poll is issued
// or a push event is received. A field only accepts writes newer than the
// one it holds, so a slow poll cannot overwrite fresher pushed data.
type loop struct {
	r   *Reducer
	ctx context.Context
	wg  sync.WaitGroup
	log zerolog.Logger

	seq uint64

	device     *models.Device
	deviceSeq  uint64
	thresholds models.Thresholds

	kpi    models.KPISnapshot
	kpiSeq [numKPIFields]uint64

	history    *ring[historyEntry]
	historySeq uint64
	period     string

	logs *ring[models.LogEntry]

	alerts    []models.Alert
	alertsSeq uint64

	clusters    *models.ClusterResult
	clustersSeq uint64

	conn realtime.Status

	watering      bool
	wateringGen   uint64
	wateringTimer *time.Timer

	version uint64
	dirty   bool
}

func newLoop(ctx context.Context, r *Reducer) *loop {
	return &loop{
		r:          r,
		ctx:        ctx,
		log:        r.log,
		thresholds: models.DefaultThresholds(),
		history:    newRing[historyEntry](r.opts.HistoryLimit),
		period:     r.opts.Period,
		logs:       newRing[models.LogEntry](r.opts.LogLimit),
		conn:       realtime.Status{State: realtime.StateDisconnected},
	}
}

func (l *loop) run(events <-chan models.Event, status <-chan realtime.Status) {
	l.addLog(models.LogInfo, "Monitoring "+l.r.plantID)
	l.refresh()
	l.publish()

	ticker := time.NewTicker(l.r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.r.inbox:
			fn(l)
		case ev := <-events:
			l.fold(ev)
		case s := <-status:
			l.setStatus(s)
		case <-ticker.C:
			l.poll()
		}
		if l.dirty {
			l.publish()
		}
	}
}

func (l *loop) next() uint64 {
	l.seq++
	return l.seq
}

func (l *loop) now() time.Time {
	return l.r.opts.Now().In(l.r.opts.Location)
}

func (l *loop) publish() {
	l.version++
	l.dirty = false

	history := make([]models.HistoryPoint, 0, l.history.Len())
	for _, e := range l.history.Items() {
		history = append(history, e.point)
	}

	s := &Snapshot{
		PlantID:       l.r.plantID,
		Thresholds:    l.thresholds,
		KPI:           l.kpi.Clone(),
		History:       history,
		Log:           l.logs.Items(),
		Alerts:        append([]models.Alert{}, l.alerts...),
		Clusters:      []models.ClusterSlice{},
		ClusterWindow: l.r.opts.ClusterWindow,
		Period:        l.period,
		Connection:    l.conn,
		Watering:      l.watering,
		Version:       l.version,
		UpdatedAt:     l.now(),
	}
	if l.device != nil {
		dev := *l.device
		s.Device = &dev
	}
	if l.clusters != nil {
		s.Clusters = l.clusters.Slices()
	}
	if h := l.kpi.HealthIndex; h != nil {
		s.Health = models.StatusOf(*h)
	}
	if lux := l.kpi.Light; lux != nil {
		s.LightDescription = models.LightDescription(*lux)
	}

	l.r.snap.Store(s)
	l.r.broadcast(Update{Snapshot: s})
}

// notify reports a failed operation to subscribers without touching state.
func (l *loop) notify(op string, err error) {
	l.log.Warn().Err(err).Str("op", op).Msg("request failed")
	l.r.broadcast(Update{Notice: &Notice{Op: op, Message: err.Error(), Time: l.now()}})
}

func (l *loop) addLog(kind models.LogKind, msg string) {
	l.logs.Push(models.LogEntry{
		ID:      uuid.NewString(),
		Time:    l.now().Format("15:04:05"),
		Message: msg,
		Kind:    kind,
	})
	l.dirty = true
}

func (l *loop) setFloat(f kpiField, dst **float64, v *float64, seq uint64) bool {
	if v == nil || seq <= l.kpiSeq[f] {
		return false
	}
	*dst = models.Float(*v)
	l.kpiSeq[f] = seq
	return true
}

func (l *loop) setPump(on bool, seq uint64) bool {
	if seq <= l.kpiSeq[fieldPump] {
		return false
	}
	l.kpi.PumpOn = models.Bool(on)
	l.kpiSeq[fieldPump] = seq
	return true
}

func (l *loop) setLastUpdate(v string, seq uint64) bool {
	if v == "" || seq <= l.kpiSeq[fieldLastUpdate] {
		return false
	}
	l.kpi.LastUpdate = v
	l.kpiSeq[fieldLastUpdate] = seq
	return true
}

// rescore recomputes the derived health index from the merged KPI. The
// result always lands, even when a newer write already stamped the field,
// since it reflects every field's current value.
func (l *loop) rescore(seq uint64) bool {
	idx := Index(l.kpi, l.thresholds)
	l.kpiSeq[fieldHealth] = max(seq, l.kpiSeq[fieldHealth])
	if old := l.kpi.HealthIndex; old != nil && *old == idx {
		return false
	}
	l.kpi.HealthIndex = models.Float(idx)
	return true
}

// fold applies one push event.
func (l *loop) fold(ev models.Event) {
	if ev.PlantID != "" && ev.PlantID != l.r.plantID {
		l.log.Debug().Str("event_plant", ev.PlantID).Msg("ignoring event for another device")
		return
	}
	seq := l.next()

	switch ev.Type {
	case models.EventTelemetry:
		if ev.Telemetry != nil {
			l.foldTelemetry(seq, ev.Timestamp, *ev.Telemetry)
		}
	case models.EventPump:
		if ev.Pump != nil {
			l.foldPump(seq, *ev.Pump)
		}
	case models.EventAlert:
		if ev.Alert != nil {
			l.foldAlert(*ev.Alert)
		}
	default:
		l.log.Debug().Str("type", string(ev.Type)).Msg("ignoring event")
	}
}

func (l *loop) foldTelemetry(seq uint64, ts time.Time, d models.TelemetryData) {
	if d.Empty() {
		l.log.Debug().Msg("empty telemetry")
		return
	}
	if ts.IsZero() {
		ts = l.now()
	}

	k := &l.kpi
	l.setFloat(fieldTemperature, &k.Temperature, d.Temperature, seq)
	l.setFloat(fieldSoilHumidity, &k.SoilHumidity, d.SoilHumidity, seq)
	l.setFloat(fieldLight, &k.Light, d.Light, seq)
	l.setFloat(fieldAmbientHumidity, &k.AmbientHumidity, d.AmbientHumidity, seq)
	if d.PumpState != nil {
		l.setPump(bool(*d.PumpState), seq)
	}
	l.setLastUpdate(ts.In(l.r.opts.Location).Format(lastUpdateLayout), seq)
	l.rescore(seq)

	l.history.Push(historyEntry{seq: seq, point: models.HistoryPoint{
		Time:            models.HistoryLabel(ts, l.r.opts.Location),
		Temperature:     d.Temperature,
		AmbientHumidity: d.AmbientHumidity,
		SoilHumidity:    d.SoilHumidity,
		Light:           d.Light,
	}})
	l.addLog(models.LogData, telemetryLine(d))
}

func telemetryLine(d models.TelemetryData) string {
	var parts []string
	if d.Temperature != nil {
		parts = append(parts, fmt.Sprintf("T: %.1f°C", *d.Temperature))
	}
	if d.SoilHumidity != nil {
		parts = append(parts, fmt.Sprintf("Soil: %.0f%%", *d.SoilHumidity))
	}
	if d.AmbientHumidity != nil {
		parts = append(parts, fmt.Sprintf("Air: %.0f%%", *d.AmbientHumidity))
	}
	if d.Light != nil {
		parts = append(parts, fmt.Sprintf("Light: %.0f lx", *d.Light))
	}
	if d.PumpState != nil {
		parts = append(parts, "Pump: "+d.PumpState.String())
	}
	return strings.Join(parts, " | ")
}

func (l *loop) foldPump(seq uint64, d models.PumpData) {
	on := bool(d.PumpState)
	l.setPump(on, seq)
	l.settleWatering(on)

	msg := "Pump " + d.PumpState.String()
	if d.Event != "" {
		msg += " (" + d.Event + ")"
	}
	l.addLog(models.LogInfo, msg)
}

// foldAlert logs the alert and re-fetches the alert list once. KPI state
// is not touched.
func (l *loop) foldAlert(d models.AlertData) {
	msg := fmt.Sprintf("[%s] %s", d.Level, d.Message)
	if d.Metric != "" && d.Value != nil {
		msg += fmt.Sprintf(" (%s=%.1f)", d.Metric, *d.Value)
	}
	l.addLog(models.LogAlert, msg)
	l.fetchAlerts()
}

func (l *loop) setStatus(s realtime.Status) {
	prev := l.conn
	l.conn = s
	l.dirty = true

	switch {
	case s.State == realtime.StateConnected && prev.State != realtime.StateConnected:
		l.addLog(models.LogInfo, "Live stream connected")
	case s.Terminal:
		l.addLog(models.LogInfo, fmt.Sprintf("Live stream failed after %d retries, polling only", s.Retries))
	case prev.State == realtime.StateConnected && s.State != realtime.StateConnected:
		l.addLog(models.LogInfo, "Live stream lost, polling every "+l.r.opts.PollInterval.String())
	}
}

func (l *loop) setPeriod(period string) {
	if period == l.period {
		return
	}
	l.period = period
	l.dirty = true
	l.fetchHistory()
}

func (l *loop) adoptDevice(seq uint64, dev *models.Device) {
	if dev == nil || seq <= l.deviceSeq {
		return
	}
	d := *dev
	l.device = &d
	l.deviceSeq = seq
	l.thresholds = d.Thresholds()
	l.dirty = true
}

func (l *loop) startWatering(ack string) {
	l.watering = true
	l.dirty = true
	msg := "Watering command sent"
	if ack != "" {
		msg += ": " + ack
	}
	l.addLog(models.LogInfo, msg)

	l.stopWatering()
	l.wateringGen++
	gen := l.wateringGen
	l.wateringTimer = time.AfterFunc(l.r.opts.WateringTimeout, func() {
		l.deliver(func(l *loop) {
			if l.wateringGen != gen || !l.watering {
				return
			}
			l.watering = false
			l.dirty = true
			l.refresh()
		})
	})
}

// settleWatering lets a pump event decide the flag and disarms the timer.
func (l *loop) settleWatering(on bool) {
	l.stopWatering()
	l.wateringGen++
	if l.watering != on {
		l.watering = on
		l.dirty = true
	}
}

func (l *loop) stopWatering() {
	if l.wateringTimer != nil {
		l.wateringTimer.Stop()
		l.wateringTimer = nil
	}
}
