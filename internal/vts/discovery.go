package vts

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/banshee-data/facebridge/internal/monitoring"
)

// DiscoverPort listens for the app's API state broadcast and returns the
// port it advertises. It falls back to the configured port when nothing is
// heard within the discovery timeout or the listener cannot be opened.
func (c *Client) DiscoverPort(ctx context.Context) int {
	pc, err := c.cfg.ListenPacket("udp", ":"+strconv.Itoa(c.cfg.DiscoveryPort))
	if err != nil {
		monitoring.Diagf("Port discovery unavailable, using %d: %v", c.cfg.Port, err)
		return c.cfg.Port
	}
	defer pc.Close()

	_ = pc.SetReadDeadline(time.Now().Add(c.cfg.DiscoveryTimeout))
	stop := context.AfterFunc(ctx, func() { _ = pc.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				monitoring.Diagf("Port discovery read failed: %v", err)
			}
			monitoring.Diagf("No API broadcast heard, using port %d", c.cfg.Port)
			return c.cfg.Port
		}

		port, ok := parseBroadcast(buf[:n])
		if ok {
			monitoring.Diagf("Discovered avatar app API on port %d", port)
			return port
		}
	}
}

func parseBroadcast(payload []byte) (int, bool) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return 0, false
	}
	if env.APIName != APIName || env.MessageType != MsgStateBroadcast {
		return 0, false
	}
	var state stateBroadcast
	if err := json.Unmarshal(env.Data, &state); err != nil {
		return 0, false
	}
	if !state.Active || state.Port < 1 || state.Port > 65535 {
		return 0, false
	}
	return state.Port, true
}
