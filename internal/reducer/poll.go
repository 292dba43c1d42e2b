package reducer

import (
	"context"

	"github.com/vesaa/plantwatch/internal/models"
	"github.com/vesaa/plantwatch/internal/realtime"
)

// poll runs on every tick. Device metadata and alerts are always polled;
// KPI, history and clustering only while push is not connected.
func (l *loop) poll() {
	l.fetchDevice()
	l.fetchAlerts()
	if l.conn.State == realtime.StateConnected {
		return
	}
	l.fetchKPI()
	l.fetchHistory()
	l.fetchClusters()
}

func (l *loop) refresh() {
	l.fetchDevice()
	l.fetchAlerts()
	l.fetchKPI()
	l.fetchHistory()
	l.fetchClusters()
}

// spawn runs fetch off the loop and hands its result back through the
// inbox. fetch must not touch loop state; the returned func may.
func (l *loop) spawn(fetch func(ctx context.Context) func(*loop)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.deliver(fetch(l.ctx))
	}()
}

// deliver queues fn for the loop unless the view has been torn down.
func (l *loop) deliver(fn func(*loop)) {
	select {
	case l.r.inbox <- fn:
	case <-l.ctx.Done():
	}
}

func (l *loop) fetchDevice() {
	seq := l.next()
	gw, plantID := l.r.gw, l.r.plantID
	l.spawn(func(ctx context.Context) func(*loop) {
		devices, err := gw.ListDevices(ctx)
		return func(st *loop) {
			if err != nil {
				st.notify("devices", err)
				return
			}
			for i := range devices {
				if devices[i].PlantID == plantID {
					st.adoptDevice(seq, &devices[i])
					return
				}
			}
			st.log.Debug().Msg("device not in owner's list")
		}
	})
}

func (l *loop) fetchAlerts() {
	seq := l.next()
	gw, plantID := l.r.gw, l.r.plantID
	l.spawn(func(ctx context.Context) func(*loop) {
		alerts, err := gw.ListAlerts(ctx, plantID)
		return func(st *loop) {
			if err != nil {
				st.notify("alerts", err)
				return
			}
			if seq <= st.alertsSeq {
				return
			}
			st.alerts = alerts
			st.alertsSeq = seq
			st.dirty = true
		}
	})
}

func (l *loop) fetchKPI() {
	seq := l.next()
	gw, plantID := l.r.gw, l.r.plantID
	l.spawn(func(ctx context.Context) func(*loop) {
		kpi, err := gw.GetKPI(ctx, plantID)
		return func(st *loop) {
			if err != nil {
				st.notify("kpi", err)
				return
			}
			if kpi != nil {
				st.applyKPI(seq, *kpi)
			}
		}
	})
}

// applyKPI merges a polled snapshot field by field. Fields the poll does not
// report keep their value, as do fields written after the poll was issued.
func (l *loop) applyKPI(seq uint64, kpi models.KPISnapshot) {
	k := &l.kpi
	changed := l.setFloat(fieldTemperature, &k.Temperature, kpi.Temperature, seq)
	changed = l.setFloat(fieldSoilHumidity, &k.SoilHumidity, kpi.SoilHumidity, seq) || changed
	changed = l.setFloat(fieldLight, &k.Light, kpi.Light, seq) || changed
	changed = l.setFloat(fieldAmbientHumidity, &k.AmbientHumidity, kpi.AmbientHumidity, seq) || changed
	changed = l.setFloat(fieldQuality, &k.DataQuality, kpi.DataQuality, seq) || changed
	changed = l.setLastUpdate(kpi.LastUpdate, seq) || changed
	if kpi.PumpOn != nil {
		changed = l.setPump(*kpi.PumpOn, seq) || changed
	}

	if kpi.HealthIndex != nil {
		changed = l.setFloat(fieldHealth, &k.HealthIndex, kpi.HealthIndex, seq) || changed
	} else {
		changed = l.rescore(seq) || changed
	}
	if changed {
		l.dirty = true
	}
}

func (l *loop) fetchHistory() {
	seq := l.next()
	period := l.period
	gw, plantID := l.r.gw, l.r.plantID
	l.spawn(func(ctx context.Context) func(*loop) {
		points, err := gw.GetHistory(ctx, plantID, period)
		return func(st *loop) {
			if err != nil {
				st.notify("history", err)
				return
			}
			st.applyHistory(seq, period, points)
		}
	})
}

// applyHistory replaces the buffer with a polled snapshot, then re-appends
// live points received after the snapshot was requested. Snapshots for a
// window no longer selected, or older than the current one, are dropped.
func (l *loop) applyHistory(seq uint64, period string, points []models.HistoryPoint) {
	if period != l.period || seq <= l.historySeq {
		l.log.Debug().Str("period", period).Msg("dropping stale history snapshot")
		return
	}

	var live []historyEntry
	for _, e := range l.history.Items() {
		if e.seq > seq {
			live = append(live, e)
		}
	}

	l.history.Reset()
	for _, p := range points {
		l.history.Push(historyEntry{seq: seq, point: p})
	}
	for _, e := range live {
		l.history.Push(e)
	}
	l.historySeq = seq
	l.dirty = true
}

func (l *loop) fetchClusters() {
	seq := l.next()
	window := l.r.opts.ClusterWindow
	gw, plantID := l.r.gw, l.r.plantID
	l.spawn(func(ctx context.Context) func(*loop) {
		res, err := gw.GetClustering(ctx, plantID, window)
		return func(st *loop) {
			if err != nil {
				st.notify("clustering", err)
				return
			}
			if res == nil || seq <= st.clustersSeq {
				return
			}
			st.clusters = res
			st.clustersSeq = seq
			st.dirty = true
		}
	})
}
