package netmodel

import "encoding/json"

// SignallingMessage is the opaque envelope carried between peers while they
// negotiate a PeerConnection. The core never interprets Payload beyond Kind
// dispatch; transport of these messages (the WebSocket wire format, in this
// implementation) is the embedder's responsibility per spec.md §6.
type SignallingMessage struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const (
	SignalKindOffer     = "offer"
	SignalKindAnswer    = "answer"
	SignalKindCandidate = "candidate"
)
