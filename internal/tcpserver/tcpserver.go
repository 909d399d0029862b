// Package tcpserver implements TcpServer: bind, accept, per-server
// connection registry, max-connections admission, and graceful shutdown. It
// is grounded on the teacher's tunnel.ListenAndServe (ephemeral-port bind +
// accept loop) and signaling.Server.Start/WaitForClient (the
// net.Listen("tcp", ":0") + Addr().(*net.TCPAddr).Port pattern for resolving
// an OS-assigned port), and on adapter.adapter's registry-with-auto-cleanup.
package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/kestrel-tunnel/socks5p2p/internal/lifecycle"
	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
	"github.com/kestrel-tunnel/socks5p2p/internal/queue"
	"github.com/kestrel-tunnel/socks5p2p/internal/tcpconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

// DefaultMaxConnections is the admission bound applied when Options.MaxConnections is 0.
const DefaultMaxConnections = 1 << 20 // 1,048,576

// ErrAlreadyListening is returned by a second call to Listen.
var ErrAlreadyListening = errors.New("tcpserver: listen called more than once")

// Options configure a TcpServer.
type Options struct {
	Addr           netmodel.Endpoint
	MaxConnections int
}

// TcpServer binds, accepts, and tracks TCP connections up to an admission
// bound.
type TcpServer struct {
	maxConnections int

	mu        sync.Mutex
	addr      netmodel.Endpoint
	listener  net.Listener
	registry  map[uint64]*tcpconn.TcpConnection
	listening bool

	listenCalled   atomic.Bool
	weStoppedListening atomic.Bool
	socketSeq      atomic.Uint64

	connectionsQueue *queue.HandlerQueue[*tcpconn.TcpConnection, struct{}]
	onceListening    *lifecycle.Signal[netmodel.Endpoint]
	onceShutdown     *lifecycle.Signal[netmodel.CloseKind]
}

// New creates a TcpServer bound to the given endpoint. Listen() must be
// called to actually bind.
func New(opts Options) *TcpServer {
	max := opts.MaxConnections
	if max <= 0 {
		max = DefaultMaxConnections
	}
	return &TcpServer{
		maxConnections:   max,
		addr:             opts.Addr,
		registry:         make(map[uint64]*tcpconn.TcpConnection),
		connectionsQueue: queue.New[*tcpconn.TcpConnection, struct{}](),
		onceListening:    lifecycle.New[netmodel.Endpoint](),
		onceShutdown:     lifecycle.New[netmodel.CloseKind](),
	}
}

// Listen binds the listening socket. It may be called at most once; a
// second call rejects with ErrAlreadyListening instead of disturbing the
// first attempt's signal.
func (s *TcpServer) Listen() *lifecycle.Signal[netmodel.Endpoint] {
	if !s.listenCalled.CompareAndSwap(false, true) {
		sig := lifecycle.New[netmodel.Endpoint]()
		sig.Fail(ErrAlreadyListening)
		return sig
	}

	go s.listen()
	return s.onceListening
}

func (s *TcpServer) listen() {
	ln, err := net.Listen("tcp", s.addr.String())
	if err != nil {
		s.onceListening.Fail(fmt.Errorf("tcpserver: listen %s: %w", s.addr, err))
		s.onceShutdown.Fulfill(netmodel.NeverConnected)
		return
	}

	s.mu.Lock()
	s.listener = ln
	s.listening = true
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.addr = netmodel.Endpoint{Address: tcpAddr.IP.String(), Port: uint16(tcpAddr.Port)}
	}
	addr := s.addr
	s.mu.Unlock()

	s.onceListening.Fulfill(addr)
	s.acceptLoop(ln)
}

func (s *TcpServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			kind := netmodel.Unknown
			if s.weStoppedListening.Load() {
				kind = netmodel.WeClosedIt
			}
			s.onceShutdown.Fulfill(kind)
			return
		}

		s.mu.Lock()
		full := len(s.registry) >= s.maxConnections
		s.mu.Unlock()
		if full {
			util.LogWarning("tcpserver: admission bound reached, dropping new connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		socketID := s.socketSeq.Add(1)
		util.LogDebug("tcpserver: accepted connection #%d (%08x) from %s", socketID, util.SocketIDFromConn(conn), conn.RemoteAddr())
		tc := tcpconn.New(tcpconn.Options{Adopt: conn, SocketID: socketID})

		s.mu.Lock()
		s.registry[socketID] = tc
		s.mu.Unlock()

		go func() {
			tc.OnceClosed().Wait()
			s.mu.Lock()
			delete(s.registry, socketID)
			s.mu.Unlock()
		}()

		s.connectionsQueue.Handle(tc)
	}
}

// Shutdown stops listening, then closes all registered connections. This
// order is mandatory: closing the listener first prevents new arrivals from
// racing with CloseAll's snapshot of the registry.
func (s *TcpServer) Shutdown() {
	s.StopListening()
	s.CloseAll()
}

// StopListening closes only the listening socket.
func (s *TcpServer) StopListening() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.weStoppedListening.Store(true)
	if ln != nil {
		ln.Close()
		// Wait for the accept loop to exit, so no connection is registered
		// after this returns and OnceShutdown has resolved.
		s.onceShutdown.Wait()
	}
}

// CloseAll closes every registered connection, waits for all of them, and
// removes them from the registry before returning.
func (s *TcpServer) CloseAll() {
	s.mu.Lock()
	conns := make(map[uint64]*tcpconn.TcpConnection, len(s.registry))
	for id, c := range s.registry {
		conns[id] = c
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(conns))
	for id, c := range conns {
		go func(id uint64, c *tcpconn.TcpConnection) {
			defer wg.Done()
			c.Close().Wait()
			s.mu.Lock()
			delete(s.registry, id)
			s.mu.Unlock()
		}(id, c)
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// ConnectionsQueue produces each accepted connection, in accept order.
func (s *TcpServer) ConnectionsQueue() *queue.HandlerQueue[*tcpconn.TcpConnection, struct{}] {
	return s.connectionsQueue
}

// OnceListening fulfills with the bound endpoint (post ephemeral-port
// resolution) or fails if bind failed.
func (s *TcpServer) OnceListening() *lifecycle.Signal[netmodel.Endpoint] { return s.onceListening }

// OnceShutdown fulfills once the listening socket's own lifetime ends.
func (s *TcpServer) OnceShutdown() *lifecycle.Signal[netmodel.CloseKind] { return s.onceShutdown }

// Connections returns a snapshot of currently registered connections.
func (s *TcpServer) Connections() []*tcpconn.TcpConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*tcpconn.TcpConnection, 0, len(s.registry))
	for _, c := range s.registry {
		out = append(out, c)
	}
	return out
}

// ConnectionsCount reports the current registry size.
func (s *TcpServer) ConnectionsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

// IsListening reports whether the listening socket is bound.
func (s *TcpServer) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// IsShutdown reports whether OnceShutdown has already resolved.
func (s *TcpServer) IsShutdown() bool { return s.onceShutdown.Peek() }

// Endpoint returns the configured (and, post-listen, resolved) endpoint.
func (s *TcpServer) Endpoint() netmodel.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
