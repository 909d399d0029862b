package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide session/traffic counter. DataChannel's
// SendString/SendBinary add to BytesSentToPeer on every send, and the egress
// handler adds to BytesReceivedFromPeer; the relay side's peer->TCP bytes
// are counted only in Relay's own counters. Nothing calls AddSession or
// RemoveSession, so the session counters stay at zero.
var Stats = &stats{}

type stats struct {
	TotalSessions  atomic.Int64 // cumulative count of sessions since process start
	ClosedSessions atomic.Int64 // cumulative count of closed sessions since process start
	BytesSentToPeer       atomic.Int64 // cumulative bytes forwarded TCP->peer
	BytesReceivedFromPeer atomic.Int64 // cumulative bytes forwarded peer->TCP
}

func (s *stats) AddSession()       { s.TotalSessions.Add(1) }
func (s *stats) RemoveSession()    { s.ClosedSessions.Add(1) }
func (s *stats) AddSentToPeer(n int)       { s.BytesSentToPeer.Add(int64(n)) }
func (s *stats) AddReceivedFromPeer(n int) { s.BytesReceivedFromPeer.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalSessions.Load()
				closed := Stats.ClosedSessions.Load()
				sent := Stats.BytesSentToPeer.Load()
				recv := Stats.BytesReceivedFromPeer.Load()

				inS := float64(sent-prevSent) / 10.0
				outS := float64(recv-prevRecv) / 10.0
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
	)
}
