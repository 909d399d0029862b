package peerconn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kestrel-tunnel/socks5p2p/internal/lifecycle"
	"github.com/kestrel-tunnel/socks5p2p/internal/queue"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

const (
	// highWaterMark/lowWaterMark reproduce the teacher's backpressure
	// thresholds in internal/transport/sender.go.
	highWaterMark = 256 * 1024
	lowWaterMark  = 64 * 1024
)

// ErrClosed is returned by Send* calls made after the channel has closed.
var ErrClosed = errors.New("peerconn: data channel closed")

// Frame is one inbound data channel message, tagged the way spec.md's
// `{str: ...}` / `{buffer: ...}` wire convention requires. IsString mirrors
// pion's webrtc.DataChannelMessage.IsString, which already carries exactly
// this distinction — the tagging the spec describes needs no extra wire
// framing on top of what the SCTP data channel protocol already provides.
type Frame struct {
	IsString bool
	Str      string
	Data     []byte
}

// DataChannel wraps a pion DataChannel, adding open/close signals and
// send-side backpressure.
type DataChannel struct {
	raw *webrtc.DataChannel

	drainSignal chan struct{}

	onceOpen   *lifecycle.Signal[struct{}]
	onceClosed *lifecycle.Signal[struct{}]

	inbound *queue.HandlerQueue[Frame, struct{}]

	mu     sync.Mutex
	closed bool
}

func wrapDataChannel(raw *webrtc.DataChannel) *DataChannel {
	dc := &DataChannel{
		raw:         raw,
		drainSignal: make(chan struct{}, 1),
		onceOpen:    lifecycle.New[struct{}](),
		onceClosed:  lifecycle.New[struct{}](),
		inbound:     queue.New[Frame, struct{}](),
	}

	raw.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	raw.OnBufferedAmountLow(func() {
		select {
		case dc.drainSignal <- struct{}{}:
		default:
		}
	})

	raw.OnOpen(func() { dc.onceOpen.Fulfill(struct{}{}) })
	raw.OnClose(func() {
		dc.mu.Lock()
		dc.closed = true
		dc.mu.Unlock()
		dc.onceClosed.Fulfill(struct{}{})
	})
	raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame := Frame{IsString: msg.IsString}
		if msg.IsString {
			frame.Str = string(msg.Data)
		} else {
			frame.Data = msg.Data
		}
		dc.inbound.Handle(frame)
	})

	return dc
}

// Label returns the channel's negotiated label.
func (dc *DataChannel) Label() string { return dc.raw.Label() }

// OnceOpen fulfills once the channel reaches the open state.
func (dc *DataChannel) OnceOpen() *lifecycle.Signal[struct{}] { return dc.onceOpen }

// OnceClosed fulfills once the channel closes.
func (dc *DataChannel) OnceClosed() *lifecycle.Signal[struct{}] { return dc.onceClosed }

// Inbound produces every received frame, tagged string-vs-binary, in
// arrival order.
func (dc *DataChannel) Inbound() *queue.HandlerQueue[Frame, struct{}] { return dc.inbound }

// SendString transmits a `{str: ...}` frame, blocking on backpressure if the
// underlying SCTP buffer is over the high water mark.
func (dc *DataChannel) SendString(s string) error {
	if err := dc.waitForDrain(); err != nil {
		return err
	}
	if err := dc.raw.SendText(s); err != nil {
		return fmt.Errorf("peerconn: send string on %q: %w", dc.Label(), err)
	}
	util.Stats.AddSentToPeer(len(s))
	return nil
}

// SendBinary transmits a `{buffer: ...}` frame, blocking on backpressure if
// the underlying SCTP buffer is over the high water mark.
func (dc *DataChannel) SendBinary(data []byte) error {
	if err := dc.waitForDrain(); err != nil {
		return err
	}
	if err := dc.raw.Send(data); err != nil {
		return fmt.Errorf("peerconn: send binary on %q: %w", dc.Label(), err)
	}
	util.Stats.AddSentToPeer(len(data))
	return nil
}

func (dc *DataChannel) waitForDrain() error {
	dc.mu.Lock()
	closed := dc.closed
	dc.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if dc.raw.BufferedAmount() > uint64(highWaterMark) {
		<-dc.drainSignal
	}
	return nil
}

// Close closes the underlying data channel.
func (dc *DataChannel) Close() error {
	return dc.raw.Close()
}
