package vts

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func broadcast(t *testing.T, apiName string, state stateBroadcast) []byte {
	t.Helper()
	env, err := newEnvelope("", MsgStateBroadcast, state)
	require.NoError(t, err)
	env.APIName = apiName
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func discoveryClient(pc net.PacketConn, listenErr error, timeout time.Duration) *Client {
	return NewClient(Config{
		Port:             8001,
		DiscoveryTimeout: timeout,
		ListenPacket: func(string, string) (net.PacketConn, error) {
			return pc, listenErr
		},
	})
}

func TestDiscoverPort(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	c := discoveryClient(pc, nil, 2*time.Second)
	inactive := broadcast(t, APIName, stateBroadcast{Active: false, Port: 9000})
	active := broadcast(t, APIName, stateBroadcast{Active: true, Port: 8123})

	go func() {
		sender, err := net.Dial("udp", pc.LocalAddr().String())
		if err != nil {
			return
		}
		defer sender.Close()
		_, _ = sender.Write([]byte("noise"))
		_, _ = sender.Write(inactive)
		_, _ = sender.Write(active)
	}()

	assert.Equal(t, 8123, c.DiscoverPort(context.Background()))
}

func TestDiscoverPortTimeoutFallsBack(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	c := discoveryClient(pc, nil, 50*time.Millisecond)

	assert.Equal(t, 8001, c.DiscoverPort(context.Background()))
}

func TestDiscoverPortListenFailure(t *testing.T) {
	c := discoveryClient(nil, errors.New("address in use"), time.Second)
	assert.Equal(t, 8001, c.DiscoverPort(context.Background()))
}

func TestDiscoverPortCancelled(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	c := discoveryClient(pc, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	assert.Equal(t, 8001, c.DiscoverPort(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestParseBroadcast(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		wantPort int
		wantOK   bool
	}{
		{"active", broadcast(t, APIName, stateBroadcast{Active: true, Port: 8001}), 8001, true},
		{"inactive", broadcast(t, APIName, stateBroadcast{Port: 8001}), 0, false},
		{"other api", broadcast(t, "SomethingElse", stateBroadcast{Active: true, Port: 8001}), 0, false},
		{"bad port", broadcast(t, APIName, stateBroadcast{Active: true, Port: 70000}), 0, false},
		{"not json", []byte("{"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, ok := parseBroadcast(tt.payload)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}
