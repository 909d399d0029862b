package session

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
	"github.com/kestrel-tunnel/socks5p2p/internal/peerconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/tcpconn"
)

// connectPeers wires two real PeerConnections together in-process, trickling
// ICE candidates directly between them — the same pattern peerconn's own
// tests use, standing in for what signaling.PumpOutbound/PumpInbound would
// do over a WebSocket.
func connectPeers(t *testing.T) (relaySide, remoteSide *peerconn.PeerConnection) {
	t.Helper()

	relaySide, err := peerconn.New()
	if err != nil {
		t.Fatalf("new relay-side peer: %v", err)
	}
	remoteSide, err = peerconn.New()
	if err != nil {
		t.Fatalf("new remote-side peer: %v", err)
	}

	remoteSide.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			relaySide.AddICECandidate(c.ToJSON())
		}
	})
	relaySide.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			remoteSide.AddICECandidate(c.ToJSON())
		}
	})

	// The remote (egress-like) side offers, mirroring Relay's IsOfferer
	// split: the side without a TcpServer creates the SDP offer.
	offer, err := remoteSide.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := remoteSide.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description (offer): %v", err)
	}
	if err := relaySide.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote description (offer): %v", err)
	}

	answer, err := relaySide.CreateAnswer()
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := relaySide.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local description (answer): %v", err)
	}
	if err := remoteSide.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote description (answer): %v", err)
	}

	if _, err := relaySide.OnceConnected().Wait(); err != nil {
		t.Fatalf("relay side connect: %v", err)
	}
	if _, err := remoteSide.OnceConnected().Wait(); err != nil {
		t.Fatalf("remote side connect: %v", err)
	}

	return relaySide, remoteSide
}

// runFakeEgress stands in for the egress package (which this test cannot
// import without an external test package, since egress -> relay -> session
// would otherwise cycle): for each channel it receives, read the
// textual target request, reply with a fixed reached-endpoint, then echo
// every binary frame back unchanged.
func runFakeEgress(t *testing.T, remoteSide *peerconn.PeerConnection, reached netmodel.Endpoint) {
	t.Helper()

	remoteSide.IncomingChannels().SetSyncHandler(func(dc *peerconn.DataChannel) (struct{}, error) {
		go func() {
			if _, err := dc.OnceOpen().Wait(); err != nil {
				return
			}

			fut := dc.Inbound().SetSyncNextHandler(func(f peerconn.Frame) (peerconn.Frame, error) {
				return f, nil
			})
			frame, err := fut.Wait()
			if err != nil || !frame.IsString {
				return
			}

			replyJSON, _ := json.Marshal(reached)
			if err := dc.SendString(string(replyJSON)); err != nil {
				return
			}

			dc.Inbound().SetSyncHandler(func(f peerconn.Frame) (struct{}, error) {
				if !f.IsString {
					dc.SendBinary(f.Data)
				}
				return struct{}{}, nil
			})
		}()
		return struct{}{}, nil
	})
}

func TestSessionHappyPathEchoesThroughFakeEgress(t *testing.T) {
	relaySide, remoteSide := connectPeers(t)
	defer relaySide.Close()
	defer remoteSide.Close()

	reached := netmodel.Endpoint{Address: "93.184.216.34", Port: 443}
	runFakeEgress(t, remoteSide, reached)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	tc := tcpconn.New(tcpconn.Options{Adopt: serverConn})

	s := New(Options{
		ChannelLabel: "c0",
		TcpConn:      tc,
		PeerConn:     relaySide,
	})
	defer s.Close()

	// SOCKS5 greeting: VER=5, NMETHODS=1, METHODS=[NOAUTH].
	if _, err := clientConn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	authReply := readExactly(t, clientConn, 2)
	if authReply[0] != 0x05 || authReply[1] != 0x00 {
		t.Fatalf("auth reply = % x, want 05 00", authReply)
	}

	// CONNECT request for example.com:443 (domain ATYP).
	domain := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, 0x01, 0xBB) // port 443
	if _, err := clientConn.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	successReply := readExactly(t, clientConn, 10)
	if successReply[0] != 0x05 || successReply[1] != 0x00 {
		t.Fatalf("connect reply = % x, want success", successReply)
	}

	if _, err := s.OnceReady().Wait(); err != nil {
		t.Fatalf("session OnceReady: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %v, want StateReady", s.State())
	}

	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	if _, err := clientConn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	echoed := readExactly(t, clientConn, len(payload))
	if string(echoed) != string(payload) {
		t.Fatalf("echoed payload = %q, want %q", echoed, payload)
	}
}

func TestSessionClosesBothLegsOnTcpClose(t *testing.T) {
	relaySide, remoteSide := connectPeers(t)
	defer relaySide.Close()
	defer remoteSide.Close()

	runFakeEgress(t, remoteSide, netmodel.Endpoint{Address: "127.0.0.1", Port: 1})

	clientConn, serverConn := net.Pipe()
	tc := tcpconn.New(tcpconn.Options{Adopt: serverConn})

	s := New(Options{
		ChannelLabel: "c0",
		TcpConn:      tc,
		PeerConn:     relaySide,
	})

	clientConn.Close()

	select {
	case <-s.OnceClosed().Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for session to close after TCP leg closed")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want StateClosed", s.State())
	}
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
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
