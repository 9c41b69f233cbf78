// Package tracking talks to the phone face-tracking app over UDP: it asks
// the phone to stream tracking data, decodes the datagrams it sends back
// and hands the freshest decoded Frame to the bridge.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/facebridge/internal/health"
	"github.com/banshee-data/facebridge/internal/monitoring"
	"github.com/banshee-data/facebridge/internal/timeutil"
)

// ServiceName identifies the source in health snapshots.
const ServiceName = "TrackingSource"

const (
	// DefaultPhonePort is the UDP port the phone app listens on for requests.
	DefaultPhonePort = 21412
	// DefaultListenPort is the local UDP port tracking data is sent to.
	DefaultListenPort = 28964

	defaultReceiveTimeout = time.Second
	defaultRequestSeconds = 1.0
	defaultStaleAfter     = 10 * time.Second
	defaultRcvBuf         = 64 * 1024

	maxDatagramSize = 64 * 1024
)

// ErrNotInitialized is returned by socket operations before TryInitialize
// has succeeded.
var ErrNotInitialized = errors.New("tracking source not initialized")

// Config contains configuration options for the tracking source.
type Config struct {
	PhoneIP        string        // empty disables tracking requests (replay-only mode)
	PhonePort      int           // defaults to DefaultPhonePort
	ListenPort     int           // defaults to DefaultListenPort
	ReceiveTimeout time.Duration // per ReceiveResponse call
	RequestSeconds float64       // how long the phone keeps streaming per request
	StaleAfter     time.Duration // no frames for this long marks the source unhealthy
	RcvBuf         int
	SentBy         string
	SocketFactory  UDPSocketFactory
	Clock          timeutil.Clock
}

// Source is the UDP client for the phone tracking app.
type Source struct {
	cfg   Config
	stats *PacketStats

	mu        sync.Mutex
	conn      UDPSocket
	phone     *net.UDPAddr
	initAt    time.Time
	lastErr   error
	lastSend  time.Time
	closed    bool
	readBuf   []byte
	pubMu     sync.Mutex
	frames    chan Frame
	closeOnce sync.Once
}

// NewSource creates a tracking source. Call TryInitialize before use.
func NewSource(cfg Config) *Source {
	if cfg.PhonePort == 0 {
		cfg.PhonePort = DefaultPhonePort
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListenPort
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}
	if cfg.RequestSeconds <= 0 {
		cfg.RequestSeconds = defaultRequestSeconds
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.RcvBuf <= 0 {
		cfg.RcvBuf = defaultRcvBuf
	}
	if cfg.SentBy == "" {
		cfg.SentBy = "facebridge"
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = RealUDPSocketFactory{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Source{
		cfg:     cfg,
		stats:   NewPacketStats(),
		readBuf: make([]byte, maxDatagramSize),
		frames:  make(chan Frame, 1),
	}
}

// Frames delivers decoded frames. The channel holds at most one frame; an
// undelivered frame is replaced by a newer one.
func (s *Source) Frames() <-chan Frame {
	return s.frames
}

// TryInitialize (re)binds the listen socket and resolves the phone address.
// It reports failure instead of returning an error so the caller can start
// degraded and retry later.
func (s *Source) TryInitialize(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	var phone *net.UDPAddr
	if s.cfg.PhoneIP != "" {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.cfg.PhoneIP, fmt.Sprint(s.cfg.PhonePort)))
		if err != nil {
			s.lastErr = fmt.Errorf("failed to resolve phone address: %w", err)
			monitoring.Opsf("Warning: %v", s.lastErr)
			return false
		}
		phone = addr
	}

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, err := s.cfg.SocketFactory.ListenUDP("udp", &net.UDPAddr{Port: s.cfg.ListenPort})
	if err != nil {
		s.lastErr = fmt.Errorf("failed to listen on UDP port %d: %w", s.cfg.ListenPort, err)
		monitoring.Opsf("Warning: %v", s.lastErr)
		return false
	}
	if err := conn.SetReadBuffer(s.cfg.RcvBuf); err != nil {
		monitoring.Diagf("Failed to set UDP receive buffer size to %d: %v", s.cfg.RcvBuf, err)
	}

	s.conn = conn
	s.phone = phone
	s.initAt = s.cfg.Clock.Now()
	s.lastErr = nil
	monitoring.Diagf("Tracking source listening on %v (phone %v)", conn.LocalAddr(), phone)
	return true
}

// SendTrackingRequest asks the phone to keep streaming. It is a no-op when
// no phone address is configured. Connection resets surface as errors that
// satisfy IsConnectionReset.
func (s *Source) SendTrackingRequest(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	conn, phone := s.conn, s.phone
	s.mu.Unlock()

	if conn == nil {
		return ErrNotInitialized
	}
	if phone == nil {
		return nil
	}

	payload, err := EncodeRequest(s.cfg.SentBy, s.cfg.RequestSeconds, s.cfg.ListenPort)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(payload, phone); err != nil {
		s.stats.AddSendError()
		s.setError(err)
		return fmt.Errorf("send tracking request: %w", err)
	}
	s.stats.AddRequest()

	s.mu.Lock()
	s.lastSend = s.cfg.Clock.Now()
	s.mu.Unlock()
	return nil
}

// ReceiveResponse waits up to the configured receive timeout for one
// datagram. It returns true when a datagram was processed, even if it could
// not be decoded, and false on timeout. Cancellation of ctx is reported as
// ctx.Err() so callers can tell it apart from a timeout.
func (s *Source) ReceiveResponse(ctx context.Context) (bool, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	recvCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiveTimeout)
	defer cancel()
	deadline, _ := recvCtx.Deadline()
	_ = conn.SetReadDeadline(deadline)

	// Unblock the read promptly if the outer context is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	n, _, err := conn.ReadFromUDP(s.readBuf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return false, nil
		}
		if IsConnectionReset(err) {
			s.stats.AddReset()
			monitoring.Diagf("Tracking receive reset: %v", err)
			return false, nil
		}
		s.setError(err)
		return false, fmt.Errorf("receive tracking data: %w", err)
	}

	s.HandleDatagram(s.readBuf[:n])
	return true, nil
}

// HandleDatagram decodes one tracking datagram and publishes the frame.
// Replay feeds captured payloads through here as well.
func (s *Source) HandleDatagram(payload []byte) {
	s.stats.AddDatagram(len(payload))
	frame, err := DecodeFrame(payload)
	if err != nil {
		s.stats.AddDecodeError()
		monitoring.Tracef("Dropping malformed tracking datagram (%d bytes): %v", len(payload), err)
		return
	}
	s.stats.AddFrame(s.cfg.Clock.Now())
	s.publish(frame)
}

func (s *Source) publish(f Frame) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	select {
	case s.frames <- f:
		return
	default:
	}
	// Freshest wins: discard the undelivered frame.
	select {
	case <-s.frames:
		s.stats.AddDropped()
	default:
	}
	select {
	case s.frames <- f:
	default:
		s.stats.AddDropped()
	}
}

// Stats reports the source's health. The source is unhealthy before
// initialisation and when no frame has arrived for StaleAfter while
// requests are being sent.
func (s *Source) Stats() health.Snapshot {
	s.mu.Lock()
	initialized := s.conn != nil
	initAt, lastErr, lastSend := s.initAt, s.lastErr, s.lastSend
	s.mu.Unlock()

	lastFrame := s.stats.LastFrame()
	counters := s.stats.Counters()
	now := s.cfg.Clock.Now()

	if !initialized {
		return health.New(ServiceName, health.StatusNotInitialized, lastFrame, lastErr, counters)
	}

	since := initAt
	if lastFrame.After(since) {
		since = lastFrame
	}
	if !lastSend.IsZero() && now.Sub(since) > s.cfg.StaleAfter {
		if lastErr == nil {
			lastErr = fmt.Errorf("no tracking data for %v", now.Sub(since).Round(time.Second))
		}
		return health.New(ServiceName, health.StatusUnhealthy, lastFrame, lastErr, counters)
	}
	if lastErr != nil {
		return health.New(ServiceName, health.StatusDegraded, lastFrame, lastErr, counters)
	}
	return health.New(ServiceName, health.StatusHealthy, lastFrame, nil, counters)
}

// Close releases the socket. It is safe to call more than once.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		if s.conn != nil {
			err = s.conn.Close()
			s.conn = nil
		}
	})
	return err
}

func (s *Source) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

// IsConnectionReset reports whether err is a benign transport fault: a
// reset or refused connection, which UDP sockets report after an ICMP
// port-unreachable from a phone that is not listening yet.
func IsConnectionReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
