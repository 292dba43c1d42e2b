package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vesaa/plantwatch/internal/reducer"
)

type viewKey struct {
	user  string
	plant string
}

// DefaultStreamGrace is how long a view started by a stream outlives its
// last stream, so a page reload does not restart it.
const DefaultStreamGrace = 2 * time.Second

// ViewManager owns the live device views opened through the dashboard,
// at most one per user and device.
//
// A view opened explicitly stays up until it is closed. A view that only
// streams hold is closed once the last of them has been gone for the grace
// period.
type ViewManager struct {
	opts reducer.Options
	log  zerolog.Logger

	mu    sync.Mutex
	grace time.Duration
	views map[viewKey]*liveView
}

type liveView struct {
	r      *reducer.Reducer
	cancel context.CancelFunc

	// Guarded by ViewManager.mu.
	pinned  bool
	streams int
	idle    *time.Timer
}

// NewViewManager returns a manager building views with opts.
func NewViewManager(opts reducer.Options, log zerolog.Logger) *ViewManager {
	return &ViewManager{
		opts:  opts,
		log:   log,
		grace: DefaultStreamGrace,
		views: make(map[viewKey]*liveView),
	}
}

// SetStreamGrace changes the grace period for views held only by streams.
func (m *ViewManager) SetStreamGrace(d time.Duration) {
	m.mu.Lock()
	m.grace = d
	m.mu.Unlock()
}

// Open returns the user's view of plantID, starting it if needed, and keeps
// it up until Close. The second result reports whether a new view was
// started.
func (m *ViewManager) Open(user, plantID string, gw reducer.Gateway, sub reducer.Subscriber) (*reducer.Reducer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, created := m.start(viewKey{user, plantID}, gw, sub)
	v.pinned = true
	v.stopIdle()
	return v.r, created
}

// Attach returns the user's view of plantID for one stream, starting it if
// needed. The stream must call release exactly once when it ends.
func (m *ViewManager) Attach(user, plantID string, gw reducer.Gateway, sub reducer.Subscriber) (r *reducer.Reducer, release func()) {
	key := viewKey{user, plantID}

	m.mu.Lock()
	v, _ := m.start(key, gw, sub)
	v.streams++
	v.stopIdle()
	m.mu.Unlock()

	var once sync.Once
	return v.r, func() { once.Do(func() { m.detach(key, v) }) }
}

func (m *ViewManager) detach(key viewKey, v *liveView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.streams--
	if v.streams > 0 || v.pinned || m.views[key] != v {
		return
	}
	v.idle = time.AfterFunc(m.grace, func() { m.closeIdle(key, v) })
}

func (m *ViewManager) closeIdle(key viewKey, v *liveView) {
	m.mu.Lock()
	idle := m.views[key] == v && v.streams == 0 && !v.pinned
	if idle {
		delete(m.views, key)
	}
	m.mu.Unlock()

	if idle {
		m.log.Info().Str("user", key.user).Str("plant_id", key.plant).Msg("idle view closed")
		stop(v)
	}
}

func (v *liveView) stopIdle() {
	if v.idle != nil {
		v.idle.Stop()
		v.idle = nil
	}
}

// start returns the view under key, building and running a new one if
// there is none. m.mu must be held.
func (m *ViewManager) start(key viewKey, gw reducer.Gateway, sub reducer.Subscriber) (*liveView, bool) {
	if v, ok := m.views[key]; ok {
		return v, false
	}
	user, plantID := key.user, key.plant

	opts := m.opts
	opts.Logger = m.log.With().Str("user", user).Logger()
	r := reducer.New(plantID, gw, sub, opts)
	ctx, cancel := context.WithCancel(context.Background())
	v := &liveView{r: r, cancel: cancel}
	m.views[key] = v
	m.log.Info().Str("user", user).Str("plant_id", plantID).Msg("view opened")

	go func() {
		if err := r.Run(ctx); err != nil {
			m.log.Error().Err(err).Str("plant_id", plantID).Msg("view stopped")
		}
		m.mu.Lock()
		if m.views[key] == v {
			delete(m.views, key)
		}
		m.mu.Unlock()
	}()
	return v, true
}

// Get returns an open view.
func (m *ViewManager) Get(user, plantID string) (*reducer.Reducer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[viewKey{user, plantID}]
	if !ok {
		return nil, false
	}
	return v.r, true
}

// Close tears one view down and waits for it to stop.
func (m *ViewManager) Close(user, plantID string) bool {
	m.mu.Lock()
	v, ok := m.views[viewKey{user, plantID}]
	if ok {
		delete(m.views, viewKey{user, plantID})
	}
	m.mu.Unlock()

	if ok {
		stop(v)
	}
	return ok
}

// CloseUser tears down every view of user.
func (m *ViewManager) CloseUser(user string) int {
	return m.closeWhere(func(k viewKey) bool { return k.user == user })
}

// CloseAll tears down every view.
func (m *ViewManager) CloseAll() int {
	return m.closeWhere(func(viewKey) bool { return true })
}

// Len is the number of open views.
func (m *ViewManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.views)
}

func (m *ViewManager) closeWhere(match func(viewKey) bool) int {
	m.mu.Lock()
	var victims []*liveView
	for k, v := range m.views {
		if match(k) {
			victims = append(victims, v)
			delete(m.views, k)
		}
	}
	m.mu.Unlock()

	for _, v := range victims {
		stop(v)
	}
	return len(victims)
}

func stop(v *liveView) {
	v.cancel()
	<-v.r.Done()
}
