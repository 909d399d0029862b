// Package relay implements Relay per spec.md §4.E: the composition root
// that owns a TcpServer and a PeerConnection, builds a Session per accepted
// client, and orchestrates startup/shutdown ordering. Grounded on the
// teacher's internal/app.RunHost/RunClient (signal-then-forward sequencing,
// SDP offerer/answerer split by role) and internal/signaling's
// trickle-ICE/offer-answer message shapes, adapted from a direct
// WebSocket-coupled orchestration function into a transport-agnostic Relay
// that exposes signalsForPeer/handleSignalFromPeer so the embedder supplies
// the signaling transport.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/kestrel-tunnel/socks5p2p/internal/lifecycle"
	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
	"github.com/kestrel-tunnel/socks5p2p/internal/peerconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/queue"
	"github.com/kestrel-tunnel/socks5p2p/internal/session"
	"github.com/kestrel-tunnel/socks5p2p/internal/tcpconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/tcpserver"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("relay: start called more than once")

// controlChannelLabel is reserved: out-of-band strings on this label are
// logged and never dispatched to a session.
const controlChannelLabel = "_control_"

// Options configure a Relay.
type Options struct {
	// Listen, if true, causes Relay to build and own a TcpServer accepting
	// SOCKS5 clients on ListenAddr (port 0 binds an ephemeral port). Leave it
	// false for a Relay that only runs the egress (peer-driven) side;
	// ListenAddr is then unused.
	ListenAddr     netmodel.Endpoint
	Listen         bool
	MaxConnections int

	// IsOfferer selects which side creates the SDP offer. In this system
	// the side with a TcpServer (the SOCKS5-facing relay) answers; the
	// egress side offers — mirroring the teacher's host-offers/client-
	// answers split.
	IsOfferer bool

	// Obfuscate is accepted per spec.md's PeerConnection configuration
	// surface; the current transport (plain pion/webrtc/v4) has no
	// obfuscation variant to select between, so it is recorded but unused
	// today — a future obfuscated transport would branch on it here.
	Obfuscate bool

	// OnIncomingChannel, if set, receives data channels the remote peer
	// opens — the egress role's hook for turning each one into a dialed TCP
	// connection. A Relay built with a TcpServer (the SOCKS5-facing side)
	// leaves this nil: it opens channels itself and never expects the peer
	// to open one back.
	OnIncomingChannel func(*peerconn.DataChannel)
}

// Relay is the top-level composition: one TcpServer, one PeerConnection, a
// session registry, and the aggregate byte counters.
type Relay struct {
	opts Options

	tcpServer *tcpserver.TcpServer
	peerConn  *peerconn.PeerConnection

	sessionsMu sync.Mutex
	sessions   map[string]*session.Session

	signalsForPeer *queue.HandlerQueue[netmodel.SignallingMessage, struct{}]

	bytesReceivedFromPeer atomic.Int64
	bytesSentToPeer       atomic.Int64

	onceReady   *lifecycle.Signal[netmodel.Endpoint]
	onceStopped *lifecycle.Signal[struct{}]
	startOnce   sync.Once
	stopOnce    sync.Once
}

// New constructs a Relay, its PeerConnection, and — if opts.Listen is set —
// a TcpServer, then calls Start. A Relay with opts.Listen == false runs the
// egress (peer-driven) role: it has no TcpServer and relies on
// opts.OnIncomingChannel to turn peer-opened channels into work.
func New(opts Options) (*Relay, error) {
	r := &Relay{
		opts:           opts,
		sessions:       make(map[string]*session.Session),
		signalsForPeer: queue.New[netmodel.SignallingMessage, struct{}](),
		onceReady:      lifecycle.New[netmodel.Endpoint](),
		onceStopped:    lifecycle.New[struct{}](),
	}

	pc, err := peerconn.New()
	if err != nil {
		return nil, fmt.Errorf("relay: construct peer connection: %w", err)
	}

	var ts *tcpserver.TcpServer
	if opts.Listen {
		ts = tcpserver.New(tcpserver.Options{Addr: opts.ListenAddr, MaxConnections: opts.MaxConnections})
	}

	if err := r.Start(ts, pc); err != nil {
		return nil, err
	}
	return r, nil
}

// Start wires a TcpServer and PeerConnection together and begins the
// negotiate/listen sequence. It may be called at most once.
func (r *Relay) Start(ts *tcpserver.TcpServer, pc *peerconn.PeerConnection) error {
	started := true
	r.startOnce.Do(func() { started = false })
	if started {
		return ErrAlreadyStarted
	}

	r.tcpServer = ts
	r.peerConn = pc

	pc.IncomingChannels().SetSyncHandler(func(dc *peerconn.DataChannel) (struct{}, error) {
		r.handleIncomingChannel(dc)
		return struct{}{}, nil
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, _ := json.Marshal(c.ToJSON())
		r.signalsForPeer.Handle(netmodel.SignallingMessage{Kind: netmodel.SignalKindCandidate, Payload: payload})
	})

	if ts != nil {
		ts.ConnectionsQueue().SetSyncHandler(func(tc *tcpconn.TcpConnection) (struct{}, error) {
			r.makeSession(tc)
			return struct{}{}, nil
		})
	}

	if err := r.negotiateConnection(); err != nil {
		r.onceReady.Fail(err)
		r.initiateShutdown()
		return nil
	}

	go r.awaitReady()
	go r.watchFailurePaths()

	return nil
}

func (r *Relay) negotiateConnection() error {
	if !r.opts.IsOfferer {
		return nil
	}
	offer, err := r.peerConn.CreateOffer()
	if err != nil {
		return fmt.Errorf("relay: create offer: %w", err)
	}
	if err := r.peerConn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("relay: set local description: %w", err)
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("relay: encode offer: %w", err)
	}
	r.signalsForPeer.Handle(netmodel.SignallingMessage{Kind: netmodel.SignalKindOffer, Payload: payload})
	return nil
}

// HandleSignalFromPeer delegates an inbound signalling message to the
// PeerConnection's SDP/ICE handlers.
func (r *Relay) HandleSignalFromPeer(msg netmodel.SignallingMessage) error {
	switch msg.Kind {
	case netmodel.SignalKindOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &offer); err != nil {
			return fmt.Errorf("relay: decode offer: %w", err)
		}
		if err := r.peerConn.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("relay: set remote description (offer): %w", err)
		}
		answer, err := r.peerConn.CreateAnswer()
		if err != nil {
			return fmt.Errorf("relay: create answer: %w", err)
		}
		if err := r.peerConn.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("relay: set local description (answer): %w", err)
		}
		payload, err := json.Marshal(answer)
		if err != nil {
			return fmt.Errorf("relay: encode answer: %w", err)
		}
		r.signalsForPeer.Handle(netmodel.SignallingMessage{Kind: netmodel.SignalKindAnswer, Payload: payload})
		return nil

	case netmodel.SignalKindAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &answer); err != nil {
			return fmt.Errorf("relay: decode answer: %w", err)
		}
		return r.peerConn.SetRemoteDescription(answer)

	case netmodel.SignalKindCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			return fmt.Errorf("relay: decode candidate: %w", err)
		}
		return r.peerConn.AddICECandidate(candidate)

	default:
		return fmt.Errorf("relay: unknown signalling message kind %q", msg.Kind)
	}
}

// SignalsForPeer produces outbound signalling messages for the embedder's
// transport to deliver.
func (r *Relay) SignalsForPeer() *queue.HandlerQueue[netmodel.SignallingMessage, struct{}] {
	return r.signalsForPeer
}

func (r *Relay) awaitReady() {
	// The TcpServer binds alongside the peer negotiation, so a bind failure
	// fails onceReady without waiting for the peer to connect.
	var listening *lifecycle.Signal[netmodel.Endpoint]
	if r.tcpServer != nil {
		listening = r.tcpServer.Listen()
		go func() {
			if _, err := listening.Wait(); err != nil {
				r.onceReady.Fail(err)
				r.initiateShutdown()
			}
		}()
	}

	select {
	case <-r.peerConn.OnceConnected().Done():
	case <-r.onceReady.Done():
		return
	}
	if _, err := r.peerConn.OnceConnected().Wait(); err != nil {
		r.onceReady.Fail(err)
		r.initiateShutdown()
		return
	}

	if listening == nil {
		r.onceReady.Fulfill(netmodel.Endpoint{})
		return
	}

	ep, err := listening.Wait()
	if err != nil {
		r.onceReady.Fail(err)
		r.initiateShutdown()
		return
	}
	r.onceReady.Fulfill(ep)
}

func (r *Relay) watchFailurePaths() {
	r.peerConn.OnceClosed().Wait()
	r.initiateShutdown()
}

func (r *Relay) handleIncomingChannel(dc *peerconn.DataChannel) {
	if dc.Label() == controlChannelLabel {
		util.LogDebug("relay: dropping control channel %q", dc.Label())
		return
	}
	if r.opts.OnIncomingChannel != nil {
		r.opts.OnIncomingChannel(dc)
		return
	}
	util.LogWarning("relay: unexpected incoming data channel %q", dc.Label())
}

func (r *Relay) makeSession(tc *tcpconn.TcpConnection) {
	label := session.NextChannelLabel()
	s := session.New(session.Options{
		ChannelLabel:            label,
		TcpConn:                 tc,
		PeerConn:                r.peerConn,
		OnBytesSentToPeer:       func(n int) { r.bytesSentToPeer.Add(int64(n)) },
		OnBytesReceivedFromPeer: func(n int) { r.bytesReceivedFromPeer.Add(int64(n)) },
	})

	r.sessionsMu.Lock()
	r.sessions[label] = s
	r.sessionsMu.Unlock()

	go func() {
		s.OnceClosed().Wait()
		r.sessionsMu.Lock()
		delete(r.sessions, label)
		r.sessionsMu.Unlock()
	}()
}

// OnceReady fulfills once both the peer connection and (if configured) the
// TcpServer are up.
func (r *Relay) OnceReady() *lifecycle.Signal[netmodel.Endpoint] { return r.onceReady }

// OnceStopped fulfills after a single shutdown has completed.
func (r *Relay) OnceStopped() *lifecycle.Signal[struct{}] { return r.onceStopped }

// BytesSentToPeer reports the cumulative bytes forwarded TCP->peer.
func (r *Relay) BytesSentToPeer() int64 { return r.bytesSentToPeer.Load() }

// BytesReceivedFromPeer reports the cumulative bytes forwarded peer->TCP.
func (r *Relay) BytesReceivedFromPeer() int64 { return r.bytesReceivedFromPeer.Load() }

// Sessions returns a snapshot of the active session registry.
func (r *Relay) Sessions() map[string]*session.Session {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	out := make(map[string]*session.Session, len(r.sessions))
	for k, v := range r.sessions {
		out[k] = v
	}
	return out
}

// initiateShutdown is idempotent: only the first caller actually runs the
// teardown.
func (r *Relay) initiateShutdown() {
	r.stopOnce.Do(func() {
		go func() {
			var wg sync.WaitGroup
			if r.tcpServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r.tcpServer.Shutdown()
				}()
			}
			if r.peerConn != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r.peerConn.Close()
				}()
			}
			wg.Wait()
			r.onceStopped.Fulfill(struct{}{})
		}()
	})
}

// Stop requests shutdown; it is safe to call concurrently or repeatedly.
func (r *Relay) Stop() { r.initiateShutdown() }
