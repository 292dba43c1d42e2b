// Package reducer keeps one consistent live view of a single device. Push
// events from the realtime client and poll results from the gateway are
// folded by one goroutine that owns all view state; observers read
// immutable snapshots.
package reducer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vesaa/plantwatch/internal/models"
	"github.com/vesaa/plantwatch/internal/realtime"
)

var (
	// ErrClosed is returned by operations on a view that has been torn down.
	ErrClosed = errors.New("reducer: view closed")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("reducer: already running")
	// ErrInvalidPeriod is returned for a history window outside Periods.
	ErrInvalidPeriod = errors.New("invalid history period")
)

// Periods are the history windows the backend understands.
var Periods = []string{"1h", "24h", "7d", "30d"}

// ValidPeriod reports whether p is one of Periods.
func ValidPeriod(p string) bool {
	return slices.Contains(Periods, p)
}

// Gateway is the subset of the REST client the reducer polls.
type Gateway interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	ListAlerts(ctx context.Context, plantID string) ([]models.Alert, error)
	GetKPI(ctx context.Context, plantID string) (*models.KPISnapshot, error)
	GetHistory(ctx context.Context, plantID, window string) ([]models.HistoryPoint, error)
	GetClustering(ctx context.Context, plantID, window string) (*models.ClusterResult, error)
	SendCommand(ctx context.Context, plantID string, cmd models.Command) (string, error)
	UpdateThresholds(ctx context.Context, plantID string, patch models.ThresholdPatch) (*models.Device, error)
}

// Subscriber delivers push events and connection status for one device
// until ctx is cancelled. *realtime.Client implements it.
type Subscriber interface {
	Run(ctx context.Context, plantID string, events chan<- models.Event, status chan<- realtime.Status) error
}

// Options tunes a Reducer. Zero values take the defaults noted.
type Options struct {
	PollInterval    time.Duration // 5s
	HistoryLimit    int           // 100
	LogLimit        int           // 50
	Period          string        // 24h
	ClusterWindow   string        // 7d
	WateringTimeout time.Duration // 5s
	Location        *time.Location
	Now             func() time.Time
	Logger          zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 100
	}
	if o.LogLimit <= 0 {
		o.LogLimit = 50
	}
	if !ValidPeriod(o.Period) {
		o.Period = "24h"
	}
	if o.ClusterWindow == "" {
		o.ClusterWindow = "7d"
	}
	if o.WateringTimeout <= 0 {
		o.WateringTimeout = 5 * time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Reducer is the live view of one device. Create it with New and drive it
// with Run; the other methods are safe for concurrent use.
type Reducer struct {
	plantID string
	gw      Gateway
	sub     Subscriber
	opts    Options
	log     zerolog.Logger

	inbox   chan func(*loop)
	done    chan struct{}
	running atomic.Bool

	snap atomic.Pointer[Snapshot]

	mu     sync.Mutex
	subs   map[chan Update]struct{}
	closed bool
}

// New builds a view for plantID. sub may be nil, in which case the view
// relies on polling alone.
func New(plantID string, gw Gateway, sub Subscriber, opts Options) *Reducer {
	opts = opts.withDefaults()
	r := &Reducer{
		plantID: plantID,
		gw:      gw,
		sub:     sub,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "reducer").Str("plant_id", plantID).Logger(),
		inbox:   make(chan func(*loop), 32),
		done:    make(chan struct{}),
		subs:    make(map[chan Update]struct{}),
	}
	r.snap.Store(&Snapshot{
		PlantID:       plantID,
		Thresholds:    models.DefaultThresholds(),
		Period:        opts.Period,
		ClusterWindow: opts.ClusterWindow,
		Connection:    realtime.Status{State: realtime.StateDisconnected},
		History:       []models.HistoryPoint{},
		Log:           []models.LogEntry{},
		Alerts:        []models.Alert{},
		Clusters:      []models.ClusterSlice{},
	})
	return r
}

// PlantID is the device this view follows.
func (r *Reducer) PlantID() string { return r.plantID }

// Done is closed once Run has returned.
func (r *Reducer) Done() <-chan struct{} { return r.done }

// Run loads the initial state, starts the push subscription and folds
// events until ctx is cancelled. Results of requests still in flight at
// that point are discarded.
func (r *Reducer) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(r.done)
	defer r.closeSubscribers()

	ctx, cancel := context.WithCancel(ctx)
	l := newLoop(ctx, r)

	events := make(chan models.Event, 64)
	status := make(chan realtime.Status, 8)
	if r.sub != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := r.sub.Run(ctx, r.plantID, events, status); err != nil {
				r.log.Warn().Err(err).Msg("push subscription stopped, polling continues")
			}
		}()
	}

	r.log.Info().Dur("poll_interval", r.opts.PollInterval).Msg("view opened")
	l.run(events, status)

	cancel()
	l.stopWatering()
	l.wg.Wait()
	r.log.Info().Msg("view closed")
	return nil
}

// Snapshot returns the latest published state. It never blocks.
func (r *Reducer) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Subscribe returns a channel receiving every published snapshot and
// notice, starting with the current snapshot. The channel is closed when
// the view is torn down or cancel is called. Slow readers lose the oldest
// pending updates.
func (r *Reducer) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 16)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- Update{Snapshot: r.snap.Load()}
	r.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, ok := r.subs[ch]; ok {
				delete(r.subs, ch)
				close(ch)
			}
		})
	}
}

// Refresh requests device, alerts, KPI, history and clustering at once.
func (r *Reducer) Refresh(ctx context.Context) error {
	return r.submit(ctx, func(l *loop) { l.refresh() })
}

// SetPeriod changes the history window. A new value fetches history
// immediately whatever the connection state; the current value is a no-op.
func (r *Reducer) SetPeriod(ctx context.Context, period string) error {
	if !ValidPeriod(period) {
		return fmt.Errorf("%w %q", ErrInvalidPeriod, period)
	}
	return r.submit(ctx, func(l *loop) { l.setPeriod(period) })
}

// Water sends the watering command. The view is not blocked while the
// backend answers; on success it shows watering until a pump event or the
// watering timeout settles it.
func (r *Reducer) Water(ctx context.Context) (string, error) {
	if r.isClosed() {
		return "", ErrClosed
	}
	ack, err := r.gw.SendCommand(ctx, r.plantID, models.CommandWater)
	if err != nil {
		_ = r.submit(ctx, func(l *loop) { l.notify("water", err) })
		return "", err
	}
	return ack, r.submit(ctx, func(l *loop) { l.startWatering(ack) })
}

// SaveThresholds applies patch to the current thresholds, rejects the
// result unless every pair has min < max, and persists it. The returned
// device is adopted by the view. Recorded history is not rescored.
func (r *Reducer) SaveThresholds(ctx context.Context, patch models.ThresholdPatch) (*models.Device, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	merged := r.Snapshot().Thresholds.Apply(patch)
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	dev, err := r.gw.UpdateThresholds(ctx, r.plantID, patch)
	if err != nil {
		_ = r.submit(ctx, func(l *loop) { l.notify("thresholds", err) })
		return nil, err
	}
	err = r.submit(ctx, func(l *loop) {
		l.adoptDevice(l.next(), dev)
		l.addLog(models.LogInfo, "Thresholds saved")
		l.refresh()
	})
	return dev, err
}

func (r *Reducer) submit(ctx context.Context, fn func(*loop)) error {
	if r.isClosed() {
		return ErrClosed
	}
	select {
	case r.inbox <- fn:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reducer) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Reducer) broadcast(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		offer(ch, u)
	}
}

// offer sends u, evicting the oldest pending update when ch is full.
func offer(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}

func (r *Reducer) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
}
