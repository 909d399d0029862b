// Package forward holds the bidirectional byte-copy wiring shared by
// Session (the client-facing relay side) and the egress peer handler — both
// sides of a connected SOCKS tunnel do the same two things: pump a
// TcpConnection's inbound bytes out as binary data channel frames, and pump
// a data channel's inbound binary frames into the TcpConnection. Grounded on
// the teacher's tunnel.tcpToDataChannel / tunnel.dataChannelToTCP pair,
// which the same split existed in — one function per direction, installed
// as the permanent consumer of each side's inbound queue.
package forward

import (
	"github.com/kestrel-tunnel/socks5p2p/internal/peerconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/tcpconn"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

// TCPToPeer installs the permanent handler that forwards every buffer read
// off tc as a binary data channel frame. onBytes, if non-nil, is called with
// the byte count of each successfully forwarded buffer.
func TCPToPeer(tc *tcpconn.TcpConnection, dc *peerconn.DataChannel, onBytes func(int)) {
	tc.Inbound().SetSyncHandler(func(buf []byte) (struct{}, error) {
		if err := dc.SendBinary(buf); err != nil {
			util.LogDebug("forward: tcp->peer send on %q failed: %v", dc.Label(), err)
			return struct{}{}, err
		}
		if onBytes != nil {
			onBytes(len(buf))
		}
		return struct{}{}, nil
	})
}

// PeerToTCP installs the permanent handler that forwards every binary frame
// received on dc into tc. Non-binary frames arriving during this phase are
// logged and dropped rather than treated as an error — only the handshake
// phase expects a `{str: ...}` frame.
func PeerToTCP(dc *peerconn.DataChannel, tc *tcpconn.TcpConnection, onBytes func(int)) {
	dc.Inbound().SetSyncHandler(func(frame peerconn.Frame) (struct{}, error) {
		if frame.IsString {
			util.LogWarning("forward: unexpected string frame on %q during data phase, dropping", dc.Label())
			return struct{}{}, nil
		}
		tc.Send(frame.Data)
		if onBytes != nil {
			onBytes(len(frame.Data))
		}
		return struct{}{}, nil
	})
}
