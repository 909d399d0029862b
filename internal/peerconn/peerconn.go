// Package peerconn wraps a pion/webrtc PeerConnection and its data channels
// behind the signals and queues the rest of the relay is built from. It is
// grounded on the teacher's internal/transport.Transport (SDP/ICE passthrough
// methods, DC-open gate via sync.Once-guarded channel, PeerConnection state
// tracking) and internal/webrtc (STUN configuration), adapted from a single
// pre-negotiated "tunnel" channel into OpenDataChannel/OnDataChannel for
// spec.md's one-data-channel-per-session model, since there is no longer a
// socketID multiplexed over one channel.
package peerconn

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kestrel-tunnel/socks5p2p/internal/lifecycle"
	"github.com/kestrel-tunnel/socks5p2p/internal/queue"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

// stunServers are the default ICE servers. No TURN — direct P2P connectivity
// with zero infrastructure cost is the design goal.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PeerConnection wraps a pion PeerConnection, adding the lifecycle signals
// and a queue of data channels opened by the remote peer, which the rest of
// the relay speaks instead of touching pion directly.
type PeerConnection struct {
	raw *webrtc.PeerConnection

	mu    sync.RWMutex
	state webrtc.PeerConnectionState

	onceConnected *lifecycle.Signal[struct{}]
	onceClosed    *lifecycle.Signal[struct{}]

	// incomingChannels delivers DataChannels the remote peer opened, in
	// open order — used by the egress role, which does not know channel
	// labels in advance.
	incomingChannels *queue.HandlerQueue[*DataChannel, struct{}]

	closeOnce sync.Once
}

// New creates a PeerConnection configured with the default STUN servers.
func New() (*PeerConnection, error) {
	raw, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("peerconn: create peer connection: %w", err)
	}

	pc := &PeerConnection{
		raw:              raw,
		onceConnected:    lifecycle.New[struct{}](),
		onceClosed:       lifecycle.New[struct{}](),
		incomingChannels: queue.New[*DataChannel, struct{}](),
	}

	raw.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer connection state: %s", state.String())
		pc.mu.Lock()
		pc.state = state
		pc.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateConnected:
			pc.onceConnected.Fulfill(struct{}{})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			pc.triggerClosed()
		}
	})

	raw.OnDataChannel(func(dc *webrtc.DataChannel) {
		pc.incomingChannels.Handle(wrapDataChannel(dc))
	})

	return pc, nil
}

func (pc *PeerConnection) triggerClosed() {
	pc.closeOnce.Do(func() {
		pc.onceClosed.Fulfill(struct{}{})
	})
}

// OpenDataChannel creates a fresh, non-pre-negotiated, ordered data channel
// identified by label. Ordered delivery keeps the textual endpoint reply
// ahead of the binary frames that follow it and keeps forwarded bytes in
// sequence; each channel is its own SCTP stream, so one session's frames
// never wait behind another session's.
func (pc *PeerConnection) OpenDataChannel(label string) (*DataChannel, error) {
	ordered := true
	raw, err := pc.raw.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("peerconn: open data channel %q: %w", label, err)
	}
	return wrapDataChannel(raw), nil
}

// IncomingChannels produces each data channel the remote peer opens, in
// open order.
func (pc *PeerConnection) IncomingChannels() *queue.HandlerQueue[*DataChannel, struct{}] {
	return pc.incomingChannels
}

// OnceConnected fulfills once the ICE/DTLS handshake completes.
func (pc *PeerConnection) OnceConnected() *lifecycle.Signal[struct{}] { return pc.onceConnected }

// OnceClosed fulfills once the peer connection fails, disconnects, or closes.
func (pc *PeerConnection) OnceClosed() *lifecycle.Signal[struct{}] { return pc.onceClosed }

// State returns the last observed connection state.
func (pc *PeerConnection) State() webrtc.PeerConnectionState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.state
}

// Close tears down the peer connection and every data channel on it.
func (pc *PeerConnection) Close() error {
	pc.triggerClosed()
	return pc.raw.Close()
}

// ---------------------------------------------------------------------------
// Signaling passthrough
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (pc *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return pc.raw.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (pc *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return pc.raw.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and begins ICE gathering.
func (pc *PeerConnection) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return pc.raw.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (pc *PeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return pc.raw.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for each locally gathered ICE
// candidate. A nil candidate marks the end of gathering.
func (pc *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	pc.raw.OnICECandidate(fn)
}

// AddICECandidate applies a remote ICE candidate received via signaling.
func (pc *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return pc.raw.AddICECandidate(candidate)
}
