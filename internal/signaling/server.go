// Package signaling provides the WebSocket transport that carries
// spec.md's signalsForPeer/handleSignalFromPeer messages between the two
// relay processes. It is grounded on the teacher's internal/signaling
// (PIN-gated WS server, single-client acceptance, gorilla/websocket dialer),
// adapted to pump generic netmodel.SignallingMessage envelopes through a
// Relay instead of driving a Transport's SDP/ICE methods directly — signal
// routing now belongs to Relay per spec.md §4.E/§6.
package signaling

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the listening side's PIN-gated WebSocket signaling endpoint.
type Server struct {
	pin      string
	listener net.Listener
	connCh   chan *websocket.Conn
	accepted atomic.Bool
}

// NewServer creates a signaling server gated by pin.
func NewServer(pin string) *Server {
	return &Server{pin: pin, connCh: make(chan *websocket.Conn, 1)}
}

// GeneratePIN returns a random numeric PIN of the given length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}

// Start begins listening on a random port and returns it.
func (s *Server) Start() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("signaling: start server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	go http.Serve(listener, mux)

	return port, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if s.accepted.CompareAndSwap(false, true) {
		s.connCh <- conn
	} else {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
	}
}

// WaitForClient blocks until a client connects or ctx is cancelled.
func (s *Server) WaitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// Connect dials a signaling server's WebSocket URL (PIN included as a query
// parameter by the caller).
func Connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: connect: %w", err)
	}
	return conn, nil
}
