package signaling

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
	"github.com/kestrel-tunnel/socks5p2p/internal/relay"
)

func TestPumpOutboundAndInboundRoundTripASignallingMessage(t *testing.T) {
	srv := NewServer("424242")
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientConn, err := Connect(ctx, wsURLFor(port, "424242"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer clientConn.Close()

	serverConn, err := srv.WaitForClient(ctx)
	if err != nil {
		t.Fatalf("WaitForClient: %v", err)
	}
	defer serverConn.Close()

	r, err := relay.New(relay.Options{Listen: false, IsOfferer: false})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	defer r.Stop()

	// PumpOutbound writes whatever the relay pushes onto signalsForPeer to
	// serverConn; a plain candidate message is pushed directly here since
	// HandleSignalFromPeer's offer/answer path needs a real PeerConnection
	// counterpart, which isn't the point of this test.
	PumpOutbound(serverConn, r)

	payload, _ := json.Marshal(map[string]string{"candidate": "fake"})
	r.SignalsForPeer().Handle(netmodel.SignallingMessage{Kind: netmodel.SignalKindCandidate, Payload: payload})

	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got netmodel.SignallingMessage
	if err := clientConn.ReadJSON(&got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if got.Kind != netmodel.SignalKindCandidate {
		t.Fatalf("kind = %q, want %q", got.Kind, netmodel.SignalKindCandidate)
	}
}

func wsURLFor(port int, pin string) string {
	return "ws://127.0.0.1:" + strconv.Itoa(port) + "/ws?pin=" + pin
}
