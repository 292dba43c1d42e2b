package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/plantwatch/internal/logger"
	"github.com/vesaa/plantwatch/internal/models"
)

// broker is a minimal STOMP endpoint. session runs after SUBSCRIBE; when it
// returns the socket is closed.
type broker struct {
	t        *testing.T
	upgrader websocket.Upgrader
	conns    atomic.Int32
	session  func(n int32, conn *websocket.Conn, sub *frame.Frame)
	silent   bool
}

func (b *broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "ana" || pass != "pw" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := b.conns.Add(1)

	connect := readFrame(conn)
	if connect == nil || connect.Command != frame.CONNECT {
		return
	}
	assert.Equal(b.t, "ana", connect.Header.Get("login"))
	if b.silent {
		// Never answer the handshake; wait for the client to hang up.
		readFrame(conn)
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, Encode(frame.New(frame.CONNECTED, "version", "1.2", "heart-beat", "0,0")))

	sub := readFrame(conn)
	if sub == nil || sub.Command != frame.SUBSCRIBE {
		return
	}
	b.session(n, conn, sub)
}

// readFrame returns the next frame, or nil once the peer is gone.
func readFrame(conn *websocket.Conn) *frame.Frame {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		frames, err := DecodeFrames(data)
		if err != nil || len(frames) == 0 {
			continue
		}
		return frames[0]
	}
}

func sendMessage(conn *websocket.Conn, body string) {
	f := frame.New(frame.MESSAGE, "destination", "/topic/plant/P1", "subscription", "sub-1")
	f.Body = []byte(body)
	_ = conn.WriteMessage(websocket.TextMessage, Encode(f))
}

func startBroker(t *testing.T, session func(n int32, conn *websocket.Conn, sub *frame.Frame)) (*broker, string) {
	t.Helper()
	b := &broker{t: t, session: session}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(url string, maxRetries int) *Client {
	return NewClient(Options{
		URL:            url,
		Username:       "ana",
		Password:       "pw",
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     maxRetries,
		Location:       time.UTC,
		Logger:         logger.NewTestLogger(),
	})
}

func TestClientDeliversDecodedEvents(t *testing.T) {
	_, url := startBroker(t, func(_ int32, conn *websocket.Conn, sub *frame.Frame) {
		assert.Equal(t, "/topic/plant/P1", sub.Header.Get("destination"))

		sendMessage(conn, `garbage`)
		sendMessage(conn, `{"type":"FIRMWARE","data":{}}`)
		sendMessage(conn, `{"type":"TELEMETRY","plantId":"P1","data":{"temp":20}}`)
		sendMessage(conn, `{"type":"ALERT","plantId":"P1","data":{"level":"ALERTA","message":"hot"}}`)

		// Hold the connection until the client says goodbye.
		for {
			f := readFrame(conn)
			if f == nil || f.Command == frame.DISCONNECT {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan models.Event, 8)
	status := make(chan Status, 8)
	done := make(chan error, 1)
	go func() { done <- newTestClient(url, 0).Run(ctx, "P1", events, status) }()

	assert.Equal(t, StateConnecting, (<-status).State)
	assert.Equal(t, Status{State: StateConnected}, <-status)

	first := <-events
	assert.Equal(t, models.EventTelemetry, first.Type)
	assert.Equal(t, 20.0, *first.Telemetry.Temperature)
	second := <-events
	assert.Equal(t, models.EventAlert, second.Type)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, (<-status).State)
	assert.Empty(t, events, "malformed and unknown frames are dropped")
}

func TestClientReconnectsAndResetsRetries(t *testing.T) {
	b, url := startBroker(t, func(n int32, conn *websocket.Conn, _ *frame.Frame) {
		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, Encode(frame.New(frame.ERROR, "message", "overloaded")))
			return
		}
		sendMessage(conn, `{"type":"PUMP_EVENT","plantId":"P1","data":{"pumpState":"ON"}}`)
		readFrame(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan models.Event, 4)
	status := make(chan Status, 16)
	go func() { _ = newTestClient(url, 0).Run(ctx, "P1", events, status) }()

	ev := <-events
	assert.Equal(t, models.EventPump, ev.Type)
	assert.EqualValues(t, 2, b.conns.Load())

	var seen []Status
	for len(status) > 0 {
		seen = append(seen, <-status)
	}
	require.Len(t, seen, 4)
	assert.Equal(t, StateConnecting, seen[0].State)
	assert.Equal(t, StateConnected, seen[1].State)
	assert.Equal(t, StateConnecting, seen[2].State)
	assert.Equal(t, 1, seen[2].Retries)
	assert.Contains(t, seen[2].Err, "overloaded")
	assert.Equal(t, Status{State: StateConnected}, seen[3])
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	status := make(chan Status, 16)
	err := newTestClient(url, 2).Run(context.Background(), "P1", make(chan models.Event), status)
	require.ErrorIs(t, err, ErrRetriesExhausted)

	var last Status
	for len(status) > 0 {
		last = <-status
	}
	assert.Equal(t, StateDisconnected, last.State)
	assert.True(t, last.Terminal)
	assert.Equal(t, 3, last.Retries)
}

func TestNegotiateHeartBeat(t *testing.T) {
	connected := frame.New(frame.CONNECTED, "heart-beat", "4000,10000")

	out, in := negotiateHeartBeat(5*time.Second, connected)
	assert.Equal(t, 10*time.Second, out)
	assert.Equal(t, 5*time.Second, in)

	out, in = negotiateHeartBeat(0, connected)
	assert.Zero(t, out)
	assert.Zero(t, in)

	out, in = negotiateHeartBeat(time.Second, frame.New(frame.CONNECTED, "heart-beat", "0,0"))
	assert.Zero(t, out)
	assert.Zero(t, in)
}

func TestCancelDuringHandshakeReturnsPromptly(t *testing.T) {
	b := &broker{t: t, silent: true}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- newTestClient(url, 0).Run(ctx, "P1", make(chan models.Event), nil) }()

	require.Eventually(t, func() bool { return b.conns.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run stayed blocked in the handshake after cancel")
	}
}
