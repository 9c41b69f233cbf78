// Package vts drives the avatar desktop app over its WebSocket API: it
// finds the app, authenticates as a plugin, registers the bridge's custom
// parameters and injects parameter values for every transformed frame.
package vts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/facebridge/internal/health"
	"github.com/banshee-data/facebridge/internal/monitoring"
	"github.com/banshee-data/facebridge/internal/rules"
	"github.com/banshee-data/facebridge/internal/timeutil"
)

// ServiceName identifies the sink in health snapshots.
const ServiceName = "AvatarSink"

const (
	defaultRequestTimeout   = 5 * time.Second
	defaultDiscoveryTimeout = 3 * time.Second
	writeDeadline           = 2 * time.Second

	// A run of this many failed sends marks the sink unhealthy.
	unhealthyAfterFailures = 3
)

var (
	// ErrAuthenticationFailed is returned when the app refuses the plugin.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNotConnected is returned by requests while no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionLost is returned to requests pending when the socket dies.
	ErrConnectionLost = errors.New("connection lost")
)

// ConnState is the state of the WebSocket connection.
type ConnState int32

const (
	StateNone ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "none"
	}
}

// TokenStore persists the plugin's authentication token between runs.
type TokenStore interface {
	LoadToken(ctx context.Context, plugin string) (string, error)
	SaveToken(ctx context.Context, plugin, token string) error
	ClearToken(ctx context.Context, plugin string) error
}

// Config contains configuration options for the client.
type Config struct {
	Host             string
	Port             int
	Discovery        bool
	DiscoveryPort    int
	DiscoveryTimeout time.Duration
	PluginName       string
	PluginDeveloper  string
	RequestTimeout   time.Duration

	Tokens       TokenStore
	Dialer       *websocket.Dialer
	ListenPacket func(network, address string) (net.PacketConn, error)
	Clock        timeutil.Clock
}

// Client is the avatar-app WebSocket client. One goroutine reads responses
// and hands them to the waiting request; writes are serialised.
type Client struct {
	cfg Config

	mu            sync.Mutex
	conn          *websocket.Conn
	connDone      chan struct{}
	pending       map[string]chan Envelope
	authenticated bool
	lastErr       error
	lastSuccess   time.Time
	disposed      bool

	writeMu sync.Mutex
	state   atomic.Int32

	consecutiveFailures atomic.Int64
	requests            atomic.Int64
	apiErrors           atomic.Int64
	sends               atomic.Int64
	sendErrors          atomic.Int64
	parametersSynced    atomic.Int64
	connects            atomic.Int64

	closeOnce sync.Once
}

// NewClient creates a client. Call TryInitialize to connect.
func NewClient(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if cfg.Tokens == nil {
		cfg.Tokens = &memoryTokens{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	if cfg.ListenPacket == nil {
		cfg.ListenPacket = net.ListenPacket
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Client{cfg: cfg, pending: make(map[string]chan Envelope)}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// TryInitialize discovers the app, connects and authenticates. Any
// previous connection is dropped first. Failure is reported, not returned,
// so the caller can retry on its own schedule.
func (c *Client) TryInitialize(ctx context.Context) bool {
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed || ctx.Err() != nil {
		return false
	}

	c.dropConnection(StateNone)

	port := c.cfg.Port
	if c.cfg.Discovery {
		port = c.DiscoverPort(ctx)
	}

	url := "ws://" + net.JoinHostPort(c.cfg.Host, strconv.Itoa(port))
	conn, _, err := c.cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.fail(fmt.Errorf("connect %s: %w", url, err))
		return false
	}
	c.connects.Add(1)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connDone = done
	c.authenticated = false
	c.mu.Unlock()
	c.state.Store(int32(StateOpen))
	go c.readLoop(conn, done)

	if err := c.authenticate(ctx); err != nil {
		c.fail(err)
		c.dropConnection(StateClosed)
		return false
	}

	c.mu.Lock()
	c.authenticated = true
	c.lastErr = nil
	c.lastSuccess = c.cfg.Clock.Now()
	c.mu.Unlock()
	c.consecutiveFailures.Store(0)
	monitoring.Diagf("Connected to avatar app at %s", url)
	return true
}

func (c *Client) authenticate(ctx context.Context) error {
	plugin := c.cfg.PluginName
	token, err := c.cfg.Tokens.LoadToken(ctx, plugin)
	if err != nil {
		monitoring.Opsf("Warning: could not load saved token: %v", err)
	}

	if token != "" {
		ok, err := c.authenticateWith(ctx, token)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		monitoring.Opsf("Saved authentication token was rejected, requesting a new one")
		if err := c.cfg.Tokens.ClearToken(ctx, plugin); err != nil {
			monitoring.Opsf("Warning: could not clear token: %v", err)
		}
	}

	var resp tokenResponse
	err = c.request(ctx, MsgAuthenticationToken, tokenRequest{
		PluginName:      plugin,
		PluginDeveloper: c.cfg.PluginDeveloper,
	}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: %w", ErrAuthenticationFailed, apiErr)
		}
		return fmt.Errorf("request token: %w", err)
	}
	if resp.AuthenticationToken == "" {
		return fmt.Errorf("%w: empty token", ErrAuthenticationFailed)
	}
	if err := c.cfg.Tokens.SaveToken(ctx, plugin, resp.AuthenticationToken); err != nil {
		monitoring.Opsf("Warning: could not save token: %v", err)
	}

	ok, err := c.authenticateWith(ctx, resp.AuthenticationToken)
	if err != nil {
		return err
	}
	if !ok {
		_ = c.cfg.Tokens.ClearToken(ctx, plugin)
		return ErrAuthenticationFailed
	}
	return nil
}

func (c *Client) authenticateWith(ctx context.Context, token string) (bool, error) {
	var resp authResponse
	err := c.request(ctx, MsgAuthentication, authRequest{
		PluginName:          c.cfg.PluginName,
		PluginDeveloper:     c.cfg.PluginDeveloper,
		AuthenticationToken: token,
	}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return false, nil
		}
		return false, fmt.Errorf("authenticate: %w", err)
	}
	if !resp.Authenticated {
		monitoring.Diagf("Authentication refused: %s", resp.Reason)
	}
	return resp.Authenticated, nil
}

// SyncParameters registers one custom parameter per definition. Every
// definition is attempted; the failures are joined into the returned error.
func (c *Client) SyncParameters(ctx context.Context, defs []rules.ParameterDefinition) error {
	var errs []error
	synced := 0
	for _, def := range defs {
		err := c.request(ctx, MsgParameterCreation, parameterCreation{
			ParameterName: def.Name,
			Explanation:   "facebridge rule " + def.Name,
			Min:           def.Min,
			Max:           def.Max,
			DefaultValue:  def.DefaultValue,
		}, nil)
		if err != nil {
			if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionLost) || ctx.Err() != nil {
				return err
			}
			errs = append(errs, fmt.Errorf("parameter %s: %w", def.Name, err))
			continue
		}
		synced++
	}
	c.parametersSynced.Add(int64(synced))
	monitoring.Diagf("Synchronized %d of %d parameters", synced, len(defs))
	return errors.Join(errs...)
}

// SendTracking injects parameter values for one frame.
func (c *Client) SendTracking(ctx context.Context, params []rules.Parameter, faceFound bool) error {
	values := make([]parameterValue, len(params))
	for i, p := range params {
		values[i] = parameterValue{ID: p.ID, Value: p.Value}
	}

	err := c.request(ctx, MsgInjectParameterData, injectParameters{
		FaceFound:       faceFound,
		Mode:            "set",
		ParameterValues: values,
	}, nil)
	if err != nil {
		c.sendErrors.Add(1)
		c.consecutiveFailures.Add(1)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.sends.Add(1)
	c.consecutiveFailures.Store(0)
	c.mu.Lock()
	c.lastErr = nil
	c.lastSuccess = c.cfg.Clock.Now()
	c.mu.Unlock()
	return nil
}

// request sends one message and waits for its response. out may be nil.
func (c *Client) request(ctx context.Context, messageType string, data, out any) error {
	id := uuid.NewString()
	env, err := newEnvelope(id, messageType, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	reply := make(chan Envelope, 1)
	c.mu.Lock()
	conn, done := c.conn, c.connDone
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.requests.Add(1)
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", messageType, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	var resp Envelope
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrConnectionLost
	case <-timer.C:
		return fmt.Errorf("%s: no response within %v", messageType, c.cfg.RequestTimeout)
	case resp = <-reply:
	}

	if resp.MessageType == MsgAPIError {
		c.apiErrors.Add(1)
		apiErr := &APIError{}
		if err := json.Unmarshal(resp.Data, apiErr); err != nil {
			return fmt.Errorf("decode api error: %w", err)
		}
		return apiErr
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s: %w", resp.MessageType, err)
		}
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.lastErr = fmt.Errorf("connection lost: %w", err)
				}
			}
			c.mu.Unlock()
			if current {
				c.state.Store(int32(StateClosed))
				monitoring.Opsf("Avatar app connection closed: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			monitoring.Diagf("Ignoring malformed message from avatar app: %v", err)
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[env.RequestID]
		c.mu.Unlock()
		if !ok {
			monitoring.Tracef("No waiter for %s response %q", env.MessageType, env.RequestID)
			continue
		}
		select {
		case reply <- env:
		default:
		}
	}
}

// CloseConnection sends a close frame with the given code and reason and
// then closes the socket. It is a no-op when no connection is open.
func (c *Client) CloseConnection(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	conn, done := c.conn, c.connDone
	c.conn = nil
	c.authenticated = false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.state.Store(int32(StateClosed))

	deadline := time.Now().Add(writeDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	werr := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.writeMu.Unlock()

	// Give the peer a moment to echo the close before dropping the socket.
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(time.Until(deadline)):
	}
	cerr := conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return fmt.Errorf("send close frame: %w", werr)
	}
	return cerr
}

// Close disposes of the client with a normal closure. It is safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.disposed = true
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), writeDeadline)
		defer cancel()
		err = c.CloseConnection(ctx, websocket.CloseNormalClosure, "bridge shutting down")
	})
	return err
}

// dropConnection closes any open socket without a handshake.
func (c *Client) dropConnection(next ConnState) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.authenticated = false
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
		c.state.Store(int32(next))
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	monitoring.Opsf("Warning: avatar app: %v", err)
}

// Stats reports the sink's health.
func (c *Client) Stats() health.Snapshot {
	c.mu.Lock()
	authenticated, lastErr, lastSuccess, disposed := c.authenticated, c.lastErr, c.lastSuccess, c.disposed
	c.mu.Unlock()

	counters := map[string]int64{
		"requests":          c.requests.Load(),
		"api_errors":        c.apiErrors.Load(),
		"sends":             c.sends.Load(),
		"send_errors":       c.sendErrors.Load(),
		"parameters_synced": c.parametersSynced.Load(),
		"connects":          c.connects.Load(),
	}

	var status health.Status
	switch state := c.State(); {
	case disposed || state == StateClosed:
		status = health.StatusDisconnected
	case state == StateNone:
		status = health.StatusNotInitialized
	case !authenticated:
		status = health.StatusUnhealthy
	case c.consecutiveFailures.Load() >= unhealthyAfterFailures:
		status = health.StatusUnhealthy
	case lastErr != nil:
		status = health.StatusDegraded
	default:
		status = health.StatusHealthy
	}
	return health.New(ServiceName, status, lastSuccess, lastErr, counters)
}

// memoryTokens keeps the token for the life of the process only.
type memoryTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *memoryTokens) LoadToken(_ context.Context, plugin string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[plugin], nil
}

func (m *memoryTokens) SaveToken(_ context.Context, plugin, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = make(map[string]string)
	}
	m.tokens[plugin] = token
	return nil
}

func (m *memoryTokens) ClearToken(_ context.Context, plugin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, plugin)
	return nil
}
