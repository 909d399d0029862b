package signaling

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
	"github.com/kestrel-tunnel/socks5p2p/internal/relay"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

// PumpOutbound installs the permanent consumer that writes every message
// Relay wants delivered to the peer onto wsConn, in offer order.
func PumpOutbound(wsConn *websocket.Conn, r *relay.Relay) {
	var mu sync.Mutex
	r.SignalsForPeer().SetSyncHandler(func(msg netmodel.SignallingMessage) (struct{}, error) {
		mu.Lock()
		defer mu.Unlock()
		if err := wsConn.WriteJSON(msg); err != nil {
			util.LogWarning("signaling: write failed: %v", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
}

// PumpInbound reads messages off wsConn until it closes or errors, handing
// each to the Relay's signal-in entry point. It blocks; run it in its own
// goroutine.
func PumpInbound(wsConn *websocket.Conn, r *relay.Relay) error {
	for {
		var msg netmodel.SignallingMessage
		if err := wsConn.ReadJSON(&msg); err != nil {
			return err
		}
		if err := r.HandleSignalFromPeer(msg); err != nil {
			util.LogWarning("signaling: handle inbound message: %v", err)
		}
	}
}
