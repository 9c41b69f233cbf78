package tracking

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines the socket operations the tracking source needs.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// WriteToUDP sends a UDP packet to addr.
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory defines an interface for creating UDP sockets.
type UDPSocketFactory interface {
	// ListenUDP creates and returns a new UDP socket.
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
// *net.UDPConn satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket implements UDPSocket for testing. Reads return queued
// packets in order and then time out; writes are recorded.
type MockUDPSocket struct {
	mu sync.Mutex

	// Packets holds the packets to return from ReadFromUDP.
	Packets [][]byte
	// ReadIndex tracks the current position in Packets.
	ReadIndex int
	// Written records every payload passed to WriteToUDP.
	Written [][]byte
	// WrittenTo records the destination of every write.
	WrittenTo []*net.UDPAddr
	// Closed indicates whether Close was called.
	Closed bool
	// ReadBufferSize holds the value set by SetReadBuffer.
	ReadBufferSize int
	// ReadDeadline holds the value set by SetReadDeadline.
	ReadDeadline time.Time
	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// ReadError is returned on the next ReadFromUDP call if set.
	ReadError error
	// WriteError is returned by every WriteToUDP call while set.
	WriteError error
}

// NewMockUDPSocket creates a new MockUDPSocket with the given packets.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{
		Packets:      packets,
		LocalAddress: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultListenPort},
	}
}

// Queue appends packets to be returned by future reads.
func (m *MockUDPSocket) Queue(packets ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Packets = append(m.Packets, packets...)
}

// ReadFromUDP returns the next packet from the mock buffer.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return 0, nil, net.ErrClosed
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		return 0, nil, err
	}
	if m.ReadIndex >= len(m.Packets) {
		// Simulate timeout when no more packets
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	n = copy(b, pkt)
	return n, &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: DefaultPhonePort}, nil
}

// WriteToUDP records the payload.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return 0, net.ErrClosed
	}
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	m.Written = append(m.Written, append([]byte(nil), b...))
	m.WrittenTo = append(m.WrittenTo, addr)
	return len(b), nil
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadBufferSize = bytes
	return nil
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadDeadline = t
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// IsClosed reports whether Close was called.
func (m *MockUDPSocket) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// WrittenCount returns the number of payloads written so far.
func (m *MockUDPSocket) WrittenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Written)
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	mu sync.Mutex
	// Sockets are handed out in order; the last one is reused once exhausted.
	Sockets []*MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// ListenCalls records the address of every ListenUDP call.
	ListenCalls []*net.UDPAddr
}

// NewMockUDPSocketFactory creates a new MockUDPSocketFactory.
func NewMockUDPSocketFactory(sockets ...*MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Sockets: sockets}
}

// ListenUDP returns the next configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListenCalls = append(f.ListenCalls, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	idx := len(f.ListenCalls) - 1
	if idx >= len(f.Sockets) {
		idx = len(f.Sockets) - 1
	}
	if idx < 0 {
		return NewMockUDPSocket(), nil
	}
	return f.Sockets[idx], nil
}

// Calls returns how many times ListenUDP was called.
func (f *MockUDPSocketFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ListenCalls)
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
