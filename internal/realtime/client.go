// Package realtime implements the push side of a live device view: a STOMP
// 1.2 subscription over WebSocket to /topic/plant/{plantId} that decodes
// frames into typed events and reconnects after a fixed delay.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vesaa/plantwatch/internal/models"
)

const (
	handshakeWait = 10 * time.Second // CONNECT → CONNECTED
	writeWait     = 10 * time.Second
	maxFrameSize  = 1 << 20
)

// ErrRetriesExhausted is returned by Run once MaxRetries consecutive
// reconnects have failed.
var ErrRetriesExhausted = errors.New("realtime: reconnect retries exhausted")

// State of the push connection.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// Status is a connection lifecycle update.
// Retries counts consecutive failed attempts and resets on CONNECTED.
type Status struct {
	State    State  `json:"state"`
	Retries  int    `json:"retries"`
	Terminal bool   `json:"terminal,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Options configures a Client.
type Options struct {
	URL      string
	Username string
	Password string

	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration
	// MaxRetries bounds consecutive failures; 0 retries forever.
	MaxRetries int
	// HeartBeat is the STOMP heart-beat we offer in both directions; 0 disables.
	HeartBeat time.Duration

	Dialer   *websocket.Dialer
	Location *time.Location
	Logger   zerolog.Logger
}

// Client subscribes to one device topic at a time per Run call.
type Client struct {
	opts Options
	now  func() time.Time
}

// NewClient returns a Client with defaults filled in.
func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Client{opts: opts, now: time.Now}
}

// Topic is the destination carrying pushes for plantID.
func Topic(plantID string) string {
	return "/topic/plant/" + plantID
}

// Run connects, subscribes to plantID and forwards decoded events until ctx
// is cancelled. Status transitions are sent on status. Run returns nil on
// cancellation and ErrRetriesExhausted when MaxRetries is reached.
func (c *Client) Run(ctx context.Context, plantID string, events chan<- models.Event, status chan<- Status) error {
	log := c.opts.Logger.With().Str("plant_id", plantID).Logger()
	retries := 0

	c.emit(ctx, status, Status{State: StateConnecting})
	for {
		err := c.connectOnce(ctx, plantID, events, status, &retries, log)
		if ctx.Err() != nil {
			c.emitLast(status, Status{State: StateDisconnected, Retries: retries})
			return nil
		}

		retries++
		log.Warn().Err(err).Int("retries", retries).Msg("push connection lost")

		if c.opts.MaxRetries > 0 && retries > c.opts.MaxRetries {
			c.emit(ctx, status, Status{State: StateDisconnected, Retries: retries, Terminal: true, Err: errString(err)})
			return ErrRetriesExhausted
		}
		c.emit(ctx, status, Status{State: StateConnecting, Retries: retries, Err: errString(err)})

		select {
		case <-ctx.Done():
			c.emitLast(status, Status{State: StateDisconnected, Retries: retries})
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// connectOnce runs one connection from dial to failure.
func (c *Client) connectOnce(ctx context.Context, plantID string, events chan<- models.Event, status chan<- Status, retries *int, log zerolog.Logger) error {
	header := http.Header{}
	if c.opts.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(c.opts.Username + ":" + c.opts.Password))
		header.Set("Authorization", "Basic "+creds)
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", c.opts.URL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	var writeMu sync.Mutex
	write := func(f *frame.Frame) error {
		data := []byte{'\n'}
		if f != nil {
			data = Encode(f)
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	// Cancellation closes the socket at any stage, which unblocks the
	// handshake as well as the read loop. Once subscribed, say goodbye first.
	subID := "sub-" + uuid.NewString()
	var subscribed atomic.Bool
	stop := context.AfterFunc(ctx, func() {
		if subscribed.Load() {
			_ = write(frame.New(frame.UNSUBSCRIBE, "id", subID))
			_ = write(frame.New(frame.DISCONNECT))
		}
		conn.Close()
	})
	defer stop()

	if err := write(c.connectFrame()); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}
	connected, err := awaitConnected(conn)
	if err != nil {
		return err
	}

	subscribe := frame.New(frame.SUBSCRIBE, "id", subID, "destination", Topic(plantID), "ack", "auto")
	if err := write(subscribe); err != nil {
		return fmt.Errorf("send SUBSCRIBE: %w", err)
	}
	subscribed.Store(true)

	outgoing, incoming := negotiateHeartBeat(c.opts.HeartBeat, connected)
	done := make(chan struct{})
	defer close(done)
	if outgoing > 0 {
		go func() {
			ticker := time.NewTicker(outgoing)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := write(nil); err != nil {
						return
					}
				}
			}
		}()
	}

	*retries = 0
	c.emit(ctx, status, Status{State: StateConnected})
	log.Info().Str("topic", Topic(plantID)).Msg("push subscription active")

	for {
		if incoming > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(3 * incoming))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frames, err := DecodeFrames(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable STOMP data")
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				c.dispatch(ctx, f, events, log)
			case frame.ERROR:
				msg := f.Header.Get("message")
				return fmt.Errorf("broker error: %s", strings.TrimSpace(msg+" "+string(f.Body)))
			case frame.RECEIPT:
				log.Debug().Msg("receipt")
			default:
				log.Debug().Str("command", f.Command).Msg("ignoring frame")
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, f *frame.Frame, events chan<- models.Event, log zerolog.Logger) {
	ev, err := DecodeEvent(f.Body, c.now(), c.opts.Location)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			log.Debug().Err(err).Bytes("body", perr.Body).Msg("dropping malformed push frame")
		} else {
			log.Warn().Err(err).Msg("dropping push frame")
		}
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) connectFrame() *frame.Frame {
	host := c.opts.URL
	if u, err := url.Parse(c.opts.URL); err == nil {
		host = u.Hostname()
	}
	hb := strconv.FormatInt(c.opts.HeartBeat.Milliseconds(), 10)
	f := frame.New(frame.CONNECT,
		"accept-version", "1.2",
		"host", host,
		"heart-beat", hb+","+hb,
	)
	if c.opts.Username != "" {
		f.Header.Add("login", c.opts.Username)
		f.Header.Add("passcode", c.opts.Password)
	}
	return f
}

func awaitConnected(conn *websocket.Conn) (*frame.Frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
		frames, err := DecodeFrames(data)
		if err != nil {
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				return f, nil
			case frame.ERROR:
				return nil, fmt.Errorf("broker refused connection: %s", f.Header.Get("message"))
			}
		}
	}
}

// negotiateHeartBeat applies the STOMP heart-beat rules to our offer and the
// broker's CONNECTED header. Zero means disabled.
func negotiateHeartBeat(offer time.Duration, connected *frame.Frame) (outgoing, incoming time.Duration) {
	raw, ok := connected.Header.Contains("heart-beat")
	if !ok || offer <= 0 {
		return 0, 0
	}
	sx, sy, found := strings.Cut(raw, ",")
	if !found {
		return 0, 0
	}
	serverSend, err1 := strconv.Atoi(strings.TrimSpace(sx))
	serverWant, err2 := strconv.Atoi(strings.TrimSpace(sy))
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	if serverWant > 0 {
		outgoing = max(offer, time.Duration(serverWant)*time.Millisecond)
	}
	if serverSend > 0 {
		incoming = max(offer, time.Duration(serverSend)*time.Millisecond)
	}
	return outgoing, incoming
}

func (c *Client) emit(ctx context.Context, status chan<- Status, s Status) {
	if status == nil {
		return
	}
	select {
	case status <- s:
	case <-ctx.Done():
	}
}

// emitLast delivers the final status only if someone is still listening.
func (c *Client) emitLast(status chan<- Status, s Status) {
	if status == nil {
		return
	}
	select {
	case status <- s:
	default:
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
