// Package tcpconn implements TcpConnection: lifecycle plus a duplex byte
// stream over one accepted or dialed socket. It is grounded on the teacher's
// adapter.Socket (per-socket lifecycle, closeOnce cleanup consolidation) and
// tunnel.tcpToDataChannel (the deadline-loop idiom that lets a blocking Read
// be interrupted by context cancellation), generalized into the state
// machine and HandlerQueue-backed streams spec.md §3/§4.B describe.
package tcpconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kestrel-tunnel/socks5p2p/internal/lifecycle"
	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
	"github.com/kestrel-tunnel/socks5p2p/internal/queue"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

// ErrBadConstruction is the configuration error reported when a
// TcpConnection is built with neither or both of the Adopt/Dial variants.
var ErrBadConstruction = errors.New("tcpconn: exactly one of Adopt or Dial must be supplied")

// readBufferSize bounds a single Read() call; it mirrors the teacher's
// tunnel.MaxPayloadSize / adapter.maxPayloadSize framing unit.
const readBufferSize = 16 * 1024

// The inbound and outbound HandlerQueues have no hard cap; they are bounded
// only by memory.

// WriteInfo is the result of one outbound buffer being written to the
// socket.
type WriteInfo struct {
	BytesWritten int
}

var connSeq atomic.Int64

func nextConnID() string {
	return fmt.Sprintf("N%d", connSeq.Add(1))
}

// Options configure construction. Exactly one of Adopt/Dial must be set.
type Options struct {
	// Adopt wraps an already-accepted socket. SocketID is an opaque
	// identifier (typically the TcpServer's accept-order counter) appended
	// to the connection's identity as ".A<SocketID>".
	Adopt    net.Conn
	SocketID uint64

	// Dial opens a new connection to Target.
	Dial     bool
	Target   netmodel.Endpoint
	DialCtx  context.Context
	// StartPaused keeps the socket paused after connect completes instead
	// of auto-resuming; the caller must call Resume() themselves.
	StartPaused bool
}

// TcpConnection is the lifecycle + duplex byte stream over one socket.
type TcpConnection struct {
	id string

	mu    sync.Mutex
	state State
	conn  net.Conn

	weClosed atomic.Bool
	paused   atomic.Bool
	resumeCh chan struct{}
	closeCh  chan struct{}

	inbound  *queue.HandlerQueue[[]byte, []byte]
	outbound *queue.HandlerQueue[[]byte, WriteInfo]

	onceConnected *lifecycle.Signal[netmodel.ConnectionInfo]
	onceClosed    *lifecycle.Signal[netmodel.CloseKind]

	closeOnce sync.Once
}

// New constructs a TcpConnection per Options. Construction never blocks: for
// Dial it returns immediately in CONNECTING state and completes
// asynchronously; for Adopt it returns already CONNECTED.
func New(opts Options) *TcpConnection {
	tc := &TcpConnection{
		id:            nextConnID(),
		resumeCh:      make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
		inbound:       queue.New[[]byte, []byte](),
		outbound:      queue.New[[]byte, WriteInfo](),
		onceConnected: lifecycle.New[netmodel.ConnectionInfo](),
		onceClosed:    lifecycle.New[netmodel.CloseKind](),
	}

	hasAdopt := opts.Adopt != nil

	switch {
	case hasAdopt == opts.Dial:
		// Neither or both supplied: configuration error.
		tc.state = StateError
		tc.onceConnected.Fail(ErrBadConstruction)
		tc.onceClosed.Fulfill(netmodel.NeverConnected)
		close(tc.closeCh)

	case hasAdopt:
		if opts.SocketID != 0 {
			tc.id = fmt.Sprintf("%s.A%d", tc.id, opts.SocketID)
		}
		tc.beginAdopt(opts.Adopt)

	default:
		tc.beginDial(opts.DialCtx, opts.Target, opts.StartPaused)
	}

	return tc
}

func (tc *TcpConnection) beginAdopt(conn net.Conn) {
	tc.mu.Lock()
	tc.conn = conn
	tc.state = StateConnected
	tc.mu.Unlock()

	tc.setupOutboundHandler()
	tc.onceConnected.Fulfill(connInfo(conn))
	go tc.readLoop()
}

func (tc *TcpConnection) beginDial(ctx context.Context, target netmodel.Endpoint, startPaused bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	tc.mu.Lock()
	tc.state = StateConnecting
	tc.mu.Unlock()

	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", target.String())
		if err != nil {
			tc.mu.Lock()
			if tc.state == StateClosed {
				// Close() already ran while dialing: CLOSED is terminal and
				// onDisconnect has closed closeCh, so only fail the connect.
				tc.mu.Unlock()
				tc.onceConnected.Fail(fmt.Errorf("tcpconn: dial %s: %w", target, err))
				return
			}
			tc.state = StateError
			tc.mu.Unlock()
			tc.onceConnected.Fail(fmt.Errorf("tcpconn: dial %s: %w", target, err))
			tc.onceClosed.Fulfill(netmodel.NeverConnected)
			close(tc.closeCh)
			return
		}

		tc.mu.Lock()
		if tc.state == StateClosed {
			// Close() ran while the dial was still in flight (conn was nil,
			// so it went through onDisconnect directly). The dial just
			// produced a socket nothing asked for — close it and fail
			// rather than reviving CLOSED back to CONNECTED.
			tc.mu.Unlock()
			conn.Close()
			tc.onceConnected.Fail(fmt.Errorf("tcpconn: dial %s: connection closed before dial completed", target))
			return
		}

		// Pause immediately upon connect so no data event can fire before
		// the read loop — which only starts after this function returns —
		// is in place. This closes the window the design notes call out:
		// deferring readLoop's start is equivalent to, and simpler than,
		// pausing a loop that is already running.
		tc.paused.Store(true)
		tc.conn = conn
		tc.state = StateConnected
		tc.mu.Unlock()

		tc.setupOutboundHandler()
		tc.onceConnected.Fulfill(connInfo(conn))

		if !startPaused {
			tc.Resume()
		}
		go tc.readLoop()
	}()
}

func connInfo(conn net.Conn) netmodel.ConnectionInfo {
	info := netmodel.ConnectionInfo{}
	if ep, ok := endpointOf(conn.LocalAddr()); ok {
		info.Bound = &ep
	}
	if ep, ok := endpointOf(conn.RemoteAddr()); ok {
		info.Remote = &ep
	}
	return info
}

func endpointOf(addr net.Addr) (netmodel.Endpoint, bool) {
	if addr == nil {
		return netmodel.Endpoint{}, false
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return netmodel.Endpoint{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return netmodel.Endpoint{}, false
	}
	return netmodel.Endpoint{Address: host, Port: uint16(port)}, true
}

// setupOutboundHandler installs the socket-write primitive as the outbound
// queue's permanent handler. Anything sent before this point (while
// CONNECTING) was buffered in enqueue order and drains now.
func (tc *TcpConnection) setupOutboundHandler() {
	tc.outbound.SetSyncHandler(func(buf []byte) (WriteInfo, error) {
		tc.mu.Lock()
		conn := tc.conn
		tc.mu.Unlock()
		if conn == nil {
			return WriteInfo{}, net.ErrClosed
		}
		n, err := conn.Write(buf)
		return WriteInfo{BytesWritten: n}, err
	})
}

// readLoop is the sole reader of the socket. It honors the pause/resume gate
// before every Read call and feeds each buffer to the inbound queue in
// arrival order.
func (tc *TcpConnection) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		if tc.paused.Load() {
			select {
			case <-tc.resumeCh:
			case <-tc.closeCh:
				return
			}
			continue
		}

		tc.mu.Lock()
		conn := tc.conn
		tc.mu.Unlock()
		if conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			tc.inbound.Handle(cp)
		}
		if err != nil {
			tc.onDisconnect(classifyReadErr(err))
			return
		}
	}
}

func classifyReadErr(err error) netmodel.CloseKind {
	if errors.Is(err, net.ErrClosed) {
		return netmodel.WeClosedIt
	}
	return netmodel.RemotelyClosed
}

// onDisconnect is the single authority for all close semantics: it runs
// exactly once (a second event is logged and ignored), drains and locks the
// outbound queue, destroys the socket, and fulfills onceClosed.
func (tc *TcpConnection) onDisconnect(kind netmodel.CloseKind) {
	tc.mu.Lock()
	if tc.state == StateClosed {
		tc.mu.Unlock()
		util.LogDebug("[%s] disconnect event re-entered after close, ignoring", tc.id)
		return
	}
	tc.state = StateClosed
	conn := tc.conn
	tc.mu.Unlock()

	if tc.weClosed.Load() {
		kind = netmodel.WeClosedIt
	}

	tc.outbound.StopHandling()
	tc.outbound.Clear()

	if conn != nil {
		conn.Close()
	}

	tc.closeOnce.Do(func() { close(tc.closeCh) })
	tc.onceClosed.Fulfill(kind)
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// ID returns the process-unique connection identity.
func (tc *TcpConnection) ID() string { return tc.id }

// State returns the current lifecycle state.
func (tc *TcpConnection) State() State {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state
}

// IsClosed reports whether state == CLOSED.
func (tc *TcpConnection) IsClosed() bool { return tc.State() == StateClosed }

// OnceConnected fulfills once with ConnectionInfo, or fails, exactly once.
func (tc *TcpConnection) OnceConnected() *lifecycle.Signal[netmodel.ConnectionInfo] {
	return tc.onceConnected
}

// OnceClosed fulfills exactly once with the classified close reason.
func (tc *TcpConnection) OnceClosed() *lifecycle.Signal[netmodel.CloseKind] {
	return tc.onceClosed
}

// Inbound exposes the raw inbound HandlerQueue for callers that want to
// install a permanent forwarding handler (e.g. Session's TCP->peer leg)
// instead of pulling buffers one at a time.
func (tc *TcpConnection) Inbound() *queue.HandlerQueue[[]byte, []byte] { return tc.inbound }

// ReceiveNext returns a Future for the next inbound buffer — a thin wrapper
// over the inbound queue's one-shot handler.
func (tc *TcpConnection) ReceiveNext() queue.Future[[]byte] {
	return tc.inbound.SetSyncNextHandler(func(buf []byte) ([]byte, error) {
		return buf, nil
	})
}

// Send enqueues buf for writing. If called before the connection reaches
// CONNECTED, it is buffered and flushed in offer order once connected. After
// CLOSED, it fails immediately without touching the queue.
func (tc *TcpConnection) Send(buf []byte) queue.Future[WriteInfo] {
	if tc.IsClosed() {
		return queue.Resolved(WriteInfo{}, net.ErrClosed)
	}
	return tc.outbound.Handle(buf)
}

// Pause stops the read loop from issuing further Read calls.
func (tc *TcpConnection) Pause() { tc.paused.Store(true) }

// Resume lets a paused read loop proceed.
func (tc *TcpConnection) Resume() {
	if tc.paused.CompareAndSwap(true, false) {
		select {
		case tc.resumeCh <- struct{}{}:
		default:
		}
	}
}

// Close is idempotent: if not already closed, it requests the socket close
// and returns OnceClosed for the caller to await.
func (tc *TcpConnection) Close() *lifecycle.Signal[netmodel.CloseKind] {
	tc.mu.Lock()
	conn := tc.conn
	already := tc.state == StateClosed
	tc.mu.Unlock()

	if !already {
		tc.weClosed.Store(true)
		if conn != nil {
			conn.Close()
		} else {
			tc.onDisconnect(netmodel.WeClosedIt)
		}
	}
	return tc.onceClosed
}
