// Package gateway is the REST client of the plant backend.
// Every call is a single attempt: no retries and no timeout beyond what the
// underlying http.Client carries. Authenticated calls send
// "Authorization: Basic base64(user:pass)" from the injected Session.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vesaa/plantwatch/internal/models"
)

// maxMessageBytes caps how much of an error body is kept as message text.
const maxMessageBytes = 4 << 10

// Session holds the backend credentials used for Basic auth.
type Session struct {
	Username string
	Password string
	UserID   string
}

// Client talks to the backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
	loc     *time.Location
	logger  zerolog.Logger

	mu      sync.RWMutex
	session *Session
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSession injects the credentials used for authenticated calls.
func WithSession(s Session) Option {
	return func(c *Client) { c.session = &s }
}

// WithLocation sets the zone history labels are rendered in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.loc = loc }
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL, e.g. "http://localhost:8080/api".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		loc:     time.Local,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSession replaces the injected credentials.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()
}

// Session returns the current credentials, if any.
func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Logout forgets the credentials; later authenticated calls fail with ErrNoSession.
func (c *Client) Logout() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// ── Auth ─────────────────────────────────────────────────────────────────────

// Login checks the credentials against POST /auth/login.
// It does not keep them; callers inject a Session afterwards.
func (c *Client) Login(ctx context.Context, username, password string) (*models.User, error) {
	const op = "login"
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/login", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(username, password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, ErrNetwork, err)
	}
	defer resp.Body.Close()

	if !ok(resp) {
		return nil, &APIError{Op: op, Status: resp.StatusCode, Message: readMessage(resp), Kind: ErrAuth}
	}
	var user models.User
	if err := decode(op, resp, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Register creates an account and returns the backend's confirmation text.
func (c *Client) Register(ctx context.Context, creds models.AuthRequest) (string, error) {
	const op = "register"
	resp, err := c.send(ctx, op, http.MethodPost, "/auth/register", creds, false, ErrNetwork)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	msg := readMessage(resp)
	if !ok(resp) {
		return "", &APIError{Op: op, Status: resp.StatusCode, Message: msg, Kind: kindForStatus(resp.StatusCode)}
	}
	return msg, nil
}

// ── Devices ──────────────────────────────────────────────────────────────────

// ListDevices returns every device of the authenticated owner.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	if err := c.getJSON(ctx, "list devices", "/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// CreateDevice registers plantID under ownerID.
func (c *Client) CreateDevice(ctx context.Context, plantID, name, ownerID string) (*models.Device, error) {
	const op = "create device"
	body := map[string]string{"plantId": plantID, "name": name, "userId": ownerID}
	resp, err := c.send(ctx, op, http.MethodPost, "/devices", body, true, ErrNetwork)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !ok(resp) {
		return nil, &APIError{Op: op, Status: resp.StatusCode, Message: readMessage(resp), Kind: kindForStatus(resp.StatusCode)}
	}
	var dev models.Device
	if err := decode(op, resp, &dev); err != nil {
		return nil, err
	}
	return &dev, nil
}

// ListAlerts returns the alert history of plantID.
func (c *Client) ListAlerts(ctx context.Context, plantID string) ([]models.Alert, error) {
	var alerts []models.Alert
	if err := c.getJSON(ctx, "list alerts", "/devices/"+url.PathEscape(plantID)+"/alerts", nil, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// SendCommand relays cmd to the device and returns the acknowledgement text.
func (c *Client) SendCommand(ctx context.Context, plantID string, cmd models.Command) (string, error) {
	const op = "send command"
	payload := models.CommandPayload{Command: cmd}
	resp, err := c.send(ctx, op, http.MethodPost, "/devices/"+url.PathEscape(plantID)+"/command", payload, true, ErrCommand)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	msg := readMessage(resp)
	if !ok(resp) {
		return "", &APIError{Op: op, Status: resp.StatusCode, Message: msg, Kind: ErrCommand}
	}
	return msg, nil
}

// UpdateThresholds persists patch. Pairs set completely in the patch must
// satisfy min < max; that is checked before anything is sent.
func (c *Client) UpdateThresholds(ctx context.Context, plantID string, patch models.ThresholdPatch) (*models.Device, error) {
	const op = "update thresholds"
	if patch.Empty() {
		return nil, &APIError{Op: op, Message: "nothing to update", Kind: ErrValidation}
	}
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
	}

	resp, err := c.send(ctx, op, http.MethodPut, "/devices/"+url.PathEscape(plantID)+"/thresholds", patch, true, ErrConfig)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !ok(resp) {
		return nil, &APIError{Op: op, Status: resp.StatusCode, Message: readMessage(resp), Kind: ErrConfig}
	}
	var dev models.Device
	if err := decode(op, resp, &dev); err != nil {
		return nil, err
	}
	return &dev, nil
}

// ── Analytics ────────────────────────────────────────────────────────────────

// GetKPI returns the backend's current KPI snapshot.
func (c *Client) GetKPI(ctx context.Context, plantID string) (*models.KPISnapshot, error) {
	var kpi models.KPISnapshot
	if err := c.getJSON(ctx, "get kpi", "/analytics/"+url.PathEscape(plantID)+"/kpi", nil, &kpi); err != nil {
		return nil, err
	}
	return &kpi, nil
}

// GetClustering returns the cluster distribution over window, e.g. "7d".
func (c *Client) GetClustering(ctx context.Context, plantID, window string) (*models.ClusterResult, error) {
	var res models.ClusterResult
	q := url.Values{"range": {window}}
	if err := c.getJSON(ctx, "get clustering", "/analytics/"+url.PathEscape(plantID)+"/clustering", q, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ── Plumbing ─────────────────────────────────────────────────────────────────

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// send issues a JSON request. Transport failures are reported as failKind.
func (c *Client) send(ctx context.Context, op, method, path string, body any, auth bool, failKind error) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding body: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return nil, err
	}
	if auth {
		s, ok := c.Session()
		if !ok {
			return nil, &APIError{Op: op, Kind: ErrNoSession, Message: "login required"}
		}
		req.SetBasicAuth(s.Username, s.Password)
	}

	c.logger.Debug().Str("op", op).Str("method", method).Str("path", path).Msg("backend request")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, failKind, err)
	}
	return resp, nil
}

// getJSON performs an authenticated GET; non-2xx answers are ErrNetwork.
func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, v any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	resp, err := c.send(ctx, op, http.MethodGet, path, nil, true, ErrNetwork)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !ok(resp) {
		return &APIError{Op: op, Status: resp.StatusCode, Message: readMessage(resp), Kind: ErrNetwork}
	}
	return decode(op, resp, v)
}

func ok(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func decode(op string, resp *http.Response, v any) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &APIError{Op: op, Status: resp.StatusCode, Message: "malformed response: " + err.Error(), Kind: ErrNetwork}
	}
	return nil
}

func readMessage(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes))
	return strings.TrimSpace(string(b))
}

func transportError(op string, kind, err error) error {
	return &APIError{Op: op, Message: err.Error(), Kind: kind}
}
