// Package egress implements the remote peer's half of the tunnel: for every
// data channel the SOCKS5-facing Relay opens, read the textual SOCKS
// request, dial the real target, reply with the endpoint actually reached,
// then forward bytes until either side closes. spec.md treats this role as
// an external collaborator (the "remote egress peer [that] performs the
// actual outbound TCP connection"); it is built here, in the teacher's
// idiom, because a runnable system needs both ends of the tunnel.
// Grounded on the teacher's tunnel.HostSocketHandler (dial-then-relay
// staging) and adapter.Socket.runAsHost.
package egress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kestrel-tunnel/socks5p2p/internal/forward"
	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
	"github.com/kestrel-tunnel/socks5p2p/internal/peerconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/relay"
	"github.com/kestrel-tunnel/socks5p2p/internal/tcpconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

// Egress is the remote-peer half: one Relay (no TcpServer) whose incoming
// channels each become a dialed TCP connection.
type Egress struct {
	r *relay.Relay
}

// New constructs an Egress peer. The returned Relay is already started —
// negotiateConnection has run and onceReady will fulfill once the peer
// connection is up (there is no TcpServer leg to wait on).
func New() (*Egress, error) {
	e := &Egress{}
	r, err := relay.New(relay.Options{
		Listen:            false,
		IsOfferer:         true,
		OnIncomingChannel: e.handleChannel,
	})
	if err != nil {
		return nil, fmt.Errorf("egress: construct relay: %w", err)
	}
	e.r = r
	return e, nil
}

// Relay exposes the underlying Relay for signaling wiring and shutdown.
func (e *Egress) Relay() *relay.Relay { return e.r }

func (e *Egress) handleChannel(dc *peerconn.DataChannel) {
	go func() {
		if _, err := dc.OnceOpen().Wait(); err != nil {
			util.LogWarning("egress: channel %q failed to open: %v", dc.Label(), err)
			return
		}

		fut := dc.Inbound().SetSyncNextHandler(func(f peerconn.Frame) (peerconn.Frame, error) {
			return f, nil
		})
		frame, err := fut.Wait()
		if err != nil {
			util.LogWarning("egress: channel %q: reading request: %v", dc.Label(), err)
			dc.Close()
			return
		}
		if !frame.IsString {
			util.LogWarning("egress: channel %q: expected textual request, got binary", dc.Label())
			dc.Close()
			return
		}

		var target netmodel.Endpoint
		if err := json.Unmarshal([]byte(frame.Str), &target); err != nil {
			util.LogWarning("egress: channel %q: decode request: %v", dc.Label(), err)
			dc.Close()
			return
		}

		tc := tcpconn.New(tcpconn.Options{Dial: true, Target: target, DialCtx: context.Background()})
		info, err := tc.OnceConnected().Wait()
		if err != nil {
			util.LogWarning("egress: channel %q: dial %s: %v", dc.Label(), target, err)
			dc.Close()
			return
		}

		reached := target
		if info.Remote != nil {
			reached = *info.Remote
		}
		replyJSON, err := json.Marshal(reached)
		if err != nil {
			tc.Close()
			dc.Close()
			return
		}
		if err := dc.SendString(string(replyJSON)); err != nil {
			util.LogWarning("egress: channel %q: send endpoint reply: %v", dc.Label(), err)
			tc.Close()
			dc.Close()
			return
		}

		go func() {
			tc.OnceClosed().Wait()
			dc.Close()
		}()
		go func() {
			dc.OnceClosed().Wait()
			tc.Close()
		}()

		// DataChannel.SendBinary already adds to util.Stats on every send, so
		// TCPToPeer needs no onBytes callback here — a second call would
		// double-count the sent side.
		forward.TCPToPeer(tc, dc, nil)
		forward.PeerToTCP(dc, tc, func(n int) { util.Stats.AddReceivedFromPeer(n) })
	}()
}
