// Package session implements Session per spec.md §4.D: one SOCKS client
// bound to exactly one data channel. Grounded on the teacher's
// internal/app.RunHost/RunClient connect-and-forward sequencing and
// internal/adapter.Socket's handshake-then-forward staging, generalized from
// the teacher's binary socketID-multiplexed packets to this spec's
// JSON-over-text handshake frames followed by binary data frames on a
// dedicated channel.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kestrel-tunnel/socks5p2p/internal/forward"
	"github.com/kestrel-tunnel/socks5p2p/internal/lifecycle"
	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
	"github.com/kestrel-tunnel/socks5p2p/internal/peerconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/socks"
	"github.com/kestrel-tunnel/socks5p2p/internal/tcpconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

var labelSeq atomic.Int64

// NextChannelLabel returns the next process-global channel label (c0, c1, …).
func NextChannelLabel() string {
	return fmt.Sprintf("c%d", labelSeq.Add(1)-1)
}

// Options configure a Session.
type Options struct {
	ChannelLabel string
	TcpConn      *tcpconn.TcpConnection
	PeerConn     *peerconn.PeerConnection

	// OnBytesSentToPeer / OnBytesReceivedFromPeer let the owning Relay
	// aggregate per-session counters without Session knowing about Relay.
	OnBytesSentToPeer       func(int)
	OnBytesReceivedFromPeer func(int)
}

// Session couples one TcpConnection to one data channel: handshake,
// endpoint exchange, then bidirectional forwarding.
type Session struct {
	label string
	tc    *tcpconn.TcpConnection
	pc    *peerconn.PeerConnection

	onBytesSent func(int)
	onBytesRecv func(int)

	mu                sync.Mutex
	state             State
	dc                *peerconn.DataChannel
	dataChannelClosed bool

	onceReady  *lifecycle.Signal[netmodel.Endpoint]
	onceClosed *lifecycle.Signal[struct{}]
	closeOnce  sync.Once

	// dcReady fulfills once run() has learned whether a data channel exists
	// at all (nil if OpenDataChannel never produced one). Close() may race
	// ahead of that assignment, so it defers to this signal rather than a
	// snapshot of dc taken under its own lock.
	dcReady *lifecycle.Signal[*peerconn.DataChannel]
}

// New constructs a Session and starts its handshake sequence in the
// background. It never blocks.
func New(opts Options) *Session {
	s := &Session{
		label:       opts.ChannelLabel,
		tc:          opts.TcpConn,
		pc:          opts.PeerConn,
		onBytesSent: opts.OnBytesSentToPeer,
		onBytesRecv: opts.OnBytesReceivedFromPeer,
		state:       StateHandshakeAuth,
		onceReady:   lifecycle.New[netmodel.Endpoint](),
		onceClosed:  lifecycle.New[struct{}](),
		dcReady:     lifecycle.New[*peerconn.DataChannel](),
	}

	go func() {
		s.tc.OnceClosed().Wait()
		s.Close()
	}()

	go s.run()
	return s
}

// Label returns the channel label identifying this session.
func (s *Session) Label() string { return s.label }

// OnceReady fulfills with the endpoint the egress peer actually reached.
func (s *Session) OnceReady() *lifecycle.Signal[netmodel.Endpoint] { return s.onceReady }

// OnceClosed fulfills after both the TCP connection and the data channel
// have closed.
func (s *Session) OnceClosed() *lifecycle.Signal[struct{}] { return s.onceClosed }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) run() {
	dc, err := s.pc.OpenDataChannel(s.label)
	if err != nil {
		util.LogWarning("session %s: open data channel: %v", s.label, err)
		s.dcReady.Fulfill(nil)
		s.failReady(err)
		return
	}

	s.mu.Lock()
	s.dc = dc
	closedAlready := s.dataChannelClosed
	s.mu.Unlock()
	s.dcReady.Fulfill(dc)

	if closedAlready {
		// Close() ran before the channel finished opening (e.g. the TCP leg
		// died during negotiation); it could not close what did not exist
		// yet, so finish that job now.
		dc.Close()
		return
	}

	go func() {
		dc.OnceClosed().Wait()
		s.Close()
	}()

	openResult := make(chan error, 1)
	go func() { _, err := dc.OnceOpen().Wait(); openResult <- err }()

	authResult := make(chan error, 1)
	go func() { authResult <- s.handshakeAuth() }()

	if err := <-openResult; err != nil {
		s.failReady(fmt.Errorf("session %s: data channel open: %w", s.label, err))
		return
	}
	if err := <-authResult; err != nil {
		s.failReady(fmt.Errorf("session %s: socks auth handshake: %w", s.label, err))
		return
	}

	s.setState(StateHandshakeRequest)

	target, err := s.handshakeRequest()
	if err != nil {
		s.failReady(fmt.Errorf("session %s: socks request handshake: %w", s.label, err))
		return
	}

	reqJSON, err := json.Marshal(target)
	if err != nil {
		s.failReady(fmt.Errorf("session %s: encode request: %w", s.label, err))
		return
	}
	if err := dc.SendString(string(reqJSON)); err != nil {
		s.failReady(fmt.Errorf("session %s: send request to peer: %w", s.label, err))
		return
	}

	endpoint, err := s.awaitEndpointReply()
	if err != nil {
		s.failReady(fmt.Errorf("session %s: peer endpoint reply: %w", s.label, err))
		return
	}

	reply := socks.ComposeSuccessReply(endpoint)
	if _, err := s.tc.Send(reply).Wait(); err != nil {
		s.failReady(fmt.Errorf("session %s: write socks success reply: %w", s.label, err))
		return
	}

	s.setState(StateReady)
	s.onceReady.Fulfill(endpoint)

	forward.TCPToPeer(s.tc, dc, s.onBytesSent)
	forward.PeerToTCP(dc, s.tc, s.onBytesRecv)
}

// handshakeAuth reads exactly one inbound TCP buffer, parses it as the SOCKS5
// greeting, and replies selecting NOAUTH. Per spec.md §9, the greeting is
// assumed to arrive un-fragmented in that single buffer.
func (s *Session) handshakeAuth() error {
	buf, err := s.tc.ReceiveNext().Wait()
	if err != nil {
		return err
	}
	methods, err := socks.ParseAuthMethods(buf)
	if err != nil {
		return err
	}
	selected, ok := socks.SelectNoAuth(methods)
	if _, writeErr := s.tc.Send(socks.ComposeAuthReply(selected)).Wait(); writeErr != nil {
		return writeErr
	}
	if !ok {
		return fmt.Errorf("socks: client did not offer NOAUTH")
	}
	return nil
}

// handshakeRequest reads exactly one more inbound buffer and parses it as a
// SOCKS5 CONNECT request, assumed to arrive un-fragmented in that buffer.
func (s *Session) handshakeRequest() (netmodel.Endpoint, error) {
	buf, err := s.tc.ReceiveNext().Wait()
	if err != nil {
		return netmodel.Endpoint{}, err
	}
	req, err := socks.ParseConnectRequest(buf)
	if err != nil {
		return netmodel.Endpoint{}, err
	}
	return req.Target, nil
}

// awaitEndpointReply waits for the next data-channel frame and requires it
// to be a textual JSON Endpoint.
func (s *Session) awaitEndpointReply() (netmodel.Endpoint, error) {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()

	fut := dc.Inbound().SetSyncNextHandler(func(f peerconn.Frame) (peerconn.Frame, error) {
		return f, nil
	})
	frame, err := fut.Wait()
	if err != nil {
		return netmodel.Endpoint{}, err
	}
	if !frame.IsString {
		return netmodel.Endpoint{}, fmt.Errorf("expected a textual endpoint reply, got a binary frame")
	}

	var ep netmodel.Endpoint
	if err := json.Unmarshal([]byte(frame.Str), &ep); err != nil {
		return netmodel.Endpoint{}, fmt.Errorf("decode endpoint reply: %w", err)
	}
	return ep, nil
}

func (s *Session) failReady(err error) {
	s.onceReady.Fail(err)
	s.Close()
}

// Close is idempotent: it closes whichever leg(s) are not yet closed.
// OnceClosed fulfills only once both legs have closed.
func (s *Session) Close() {
	s.mu.Lock()
	dc := s.dc
	alreadyDC := s.dataChannelClosed
	if !alreadyDC {
		s.dataChannelClosed = true
	}
	s.state = StateClosed
	s.mu.Unlock()

	if !s.tc.IsClosed() {
		s.tc.Close()
	}
	if dc != nil && !alreadyDC {
		dc.Close()
	}

	s.closeOnce.Do(func() {
		go func() {
			s.tc.OnceClosed().Wait()
			// Don't trust the dc snapshotted above: run() may still be
			// inside OpenDataChannel and assign (then immediately close) a
			// real data channel after this goroutine started. dcReady is
			// the single point where run() reports the final answer.
			if realDC, _ := s.dcReady.Wait(); realDC != nil {
				realDC.OnceClosed().Wait()
			}
			s.onceClosed.Fulfill(struct{}{})
		}()
	})
}
