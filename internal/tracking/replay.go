package tracking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/facebridge/internal/monitoring"
)

// PayloadHandler receives one captured UDP payload and its capture time.
type PayloadHandler func(payload []byte, captured time.Time)

// ReplayPCAP reads tracking datagrams addressed to udpPort from a pcap file
// and passes their payloads to handle. With speed > 0 the original
// inter-packet timing is reproduced, scaled by speed; with speed <= 0
// packets are delivered as fast as possible.
func ReplayPCAP(ctx context.Context, path string, udpPort int, handle PayloadHandler, speed float64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header %s: %w", path, err)
	}
	packetSource := gopacket.NewPacketSource(reader, reader.LinkType())

	var (
		packetCount int
		replayed    int
		firstTS     time.Time
		startTime   = time.Now()
	)

	for {
		if err := ctx.Err(); err != nil {
			monitoring.Opsf("PCAP replay stopping due to context cancellation (replayed %d packets)", replayed)
			return err
		}

		packet, err := packetSource.NextPacket()
		if errors.Is(err, io.EOF) {
			monitoring.Opsf("PCAP replay complete: %d of %d packets replayed in %v", replayed, packetCount, time.Since(startTime))
			return nil
		}
		if err != nil {
			// Truncated trailing records are common in captures cut short.
			monitoring.Diagf("PCAP read error after %d packets: %v", packetCount, err)
			return nil
		}
		packetCount++

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || int(udp.DstPort) != udpPort || len(udp.Payload) == 0 {
			continue
		}

		ts := packet.Metadata().Timestamp
		if speed > 0 {
			if firstTS.IsZero() {
				firstTS = ts
			}
			due := startTime.Add(time.Duration(float64(ts.Sub(firstTS)) / speed))
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}

		handle(udp.Payload, ts)
		replayed++
		if replayed%1000 == 0 {
			monitoring.Diagf("PCAP replay progress: %d datagrams", replayed)
		}
	}
}

// Replay feeds a capture through the source as if the datagrams had just
// arrived on the socket.
func (s *Source) Replay(ctx context.Context, path string, speed float64) error {
	return ReplayPCAP(ctx, path, s.cfg.ListenPort, func(payload []byte, _ time.Time) {
		s.HandleDatagram(payload)
	}, speed)
}
