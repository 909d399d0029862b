package relay

import (
	"net"
	"testing"
	"time"

	"github.com/kestrel-tunnel/socks5p2p/internal/egress"
	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
)

// startEchoServer starts a TCP listener that echoes back whatever it reads,
// standing in for "the real target" the egress peer dials.
func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start echo server: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

// wireSignaling pumps netmodel.SignallingMessage envelopes directly between
// a Relay and an Egress, both directions, in-process.
func wireSignaling(r *Relay, e *egress.Egress) {
	eg := e.Relay()
	r.SignalsForPeer().SetSyncHandler(func(msg netmodel.SignallingMessage) (struct{}, error) {
		return struct{}{}, eg.HandleSignalFromPeer(msg)
	})
	eg.SignalsForPeer().SetSyncHandler(func(msg netmodel.SignallingMessage) (struct{}, error) {
		return struct{}{}, r.HandleSignalFromPeer(msg)
	})
}

func TestRelayHappyPathProxiesSocksConnectToEchoServer(t *testing.T) {
	echoLn := startEchoServer(t)
	defer echoLn.Close()
	echoAddr := echoLn.Addr().(*net.TCPAddr)

	eg, err := egress.New()
	if err != nil {
		t.Fatalf("new egress: %v", err)
	}
	defer eg.Relay().Stop()

	r, err := New(Options{
		ListenAddr: netmodel.Endpoint{Address: "127.0.0.1", Port: 0},
		Listen:     true,
		IsOfferer:  false,
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	defer r.Stop()

	wireSignaling(r, eg)

	ep, err := r.OnceReady().Wait()
	if err != nil {
		t.Fatalf("relay OnceReady: %v", err)
	}

	conn, err := net.Dial("tcp", ep.String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	authReply := readN(t, conn, 2)
	if authReply[0] != 0x05 || authReply[1] != 0x00 {
		t.Fatalf("auth reply = % x", authReply)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, echoAddr.IP.To4()...)
	req = append(req, byte(echoAddr.Port>>8), byte(echoAddr.Port))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	successReply := readN(t, conn, 10)
	if successReply[1] != 0x00 {
		t.Fatalf("connect reply = % x, want success", successReply)
	}

	payload := []byte("round trip through the tunnel")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := readN(t, conn, len(payload))
	if string(echoed) != string(payload) {
		t.Fatalf("echoed = %q, want %q", echoed, payload)
	}
}

func TestRelayListenBindFailureFailsOnceReady(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start blocking listener: %v", err)
	}
	defer blocker.Close()
	busyAddr := blocker.Addr().(*net.TCPAddr)

	r, err := New(Options{
		ListenAddr: netmodel.Endpoint{Address: "127.0.0.1", Port: uint16(busyAddr.Port)},
		Listen:     true,
		IsOfferer:  true,
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	defer r.Stop()

	if _, err := r.OnceReady().Wait(); err == nil {
		t.Fatal("expected OnceReady to fail when the listen address is already bound")
	}

	select {
	case <-r.OnceStopped().Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for relay to shut down after bind failure")
	}
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	read := 0
	for read < n {
		m, err := conn.Read(buf[read:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		read += m
	}
	return buf
}
