// Package connection implements the established-connection half of a
// socket: the data-packet send/receive window that gives unreliable,
// ordered-notification delivery without retransmission (§3 "packet
// window", §4.2), and the per-connection symmetric cipher keyed off the
// handshake's negotiated symmetric_key/init_vector (distinct from the
// shared_secret that only ever covers handshake-path messages, §4.5).
package connection

import (
	"sort"

	"github.com/torquesockets/torquesockets/tsevent"
)

// WindowWidth is the number of trailing sequence numbers a receiver keeps
// delivery history for, and the number of ack bits a sender can read back
// per acknowledged packet (§6).
const WindowWidth = 31

// SendWindow tracks outstanding sent data packets so that, once the peer's
// ack/mask comes back, the caller can raise a ConnectionPacketNotify event
// per packet telling the application whether it was actually delivered —
// the protocol's substitute for retransmission (§3, §4.2).
type SendWindow struct {
	nextSequence uint32
	// pending maps a sent sequence number to the event record to notify
	// once its delivery status is known.
	pending map[uint32]tsevent.Event
}

// NewSendWindow starts a send window at initialSequence, the
// initial_send_sequence exchanged during the handshake (§3).
func NewSendWindow(initialSequence uint32) *SendWindow {
	return &SendWindow{
		nextSequence: initialSequence,
		pending:      make(map[uint32]tsevent.Event),
	}
}

// NextSequence allocates the sequence number for the next outgoing data
// packet and records a notify record to fire once its fate is known.
func (w *SendWindow) NextSequence(notify tsevent.Event) uint32 {
	seq := w.nextSequence
	notify.PacketSequence = seq
	w.pending[seq] = notify
	w.nextSequence++
	return seq
}

// ApplyAck processes an incoming ack: ackSequence is the highest sequence
// number the peer has received, and mask's bit i (0-indexed from the LSB)
// records whether ackSequence-1-i was also received, covering the
// WindowWidth packets immediately prior (§4.2 "delivery notification").
// It returns the notify events for every sequence whose delivery status
// was just resolved, each with Delivered set accordingly, ordered by
// strictly increasing sent sequence regardless of the map-iteration and
// descending-mask order they were resolved in (§4.2, §5 "strictly ordered
// by increasing sent sequence"), and forgets them (the protocol
// deliberately never retransmits, so there is nothing further to track once
// a verdict is reached).
func (w *SendWindow) ApplyAck(ackSequence uint32, mask uint32) []tsevent.Event {
	var out []tsevent.Event
	if e, ok := w.pending[ackSequence]; ok {
		e.Delivered = true
		out = append(out, e)
		delete(w.pending, ackSequence)
	}
	for i := uint32(0); i < WindowWidth; i++ {
		seq := ackSequence - 1 - i
		e, ok := w.pending[seq]
		if !ok {
			continue
		}
		e.Delivered = mask&(1<<i) != 0
		out = append(out, e)
		delete(w.pending, seq)
	}
	// Anything older than the window the peer just reported on is presumed
	// lost: the window has moved past it and no further ack can ever cover
	// it. The mask above covers ackSequence-1 down to ackSequence-WindowWidth
	// inclusive, so the boundary here is the next sequence back from that.
	for seq, e := range w.pending {
		if seqBefore(seq, ackSequence-WindowWidth) {
			e.Delivered = false
			out = append(out, e)
			delete(w.pending, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return seqBefore(out[i].PacketSequence, out[j].PacketSequence)
	})
	return out
}

// RecvWindow tracks which of the trailing WindowWidth packets before the
// highest received sequence number have actually arrived, so outgoing
// packets can carry an ack+mask summarizing that history back to the
// sender (§4.2).
type RecvWindow struct {
	highest uint32
	seen    bool
	mask    uint32
}

// NewRecvWindow starts an empty receive window; the first sequence number
// passed to Accept becomes its initial highest sequence.
func NewRecvWindow() *RecvWindow {
	return &RecvWindow{}
}

// Accept records an incoming data packet's sequence number. It reports ok
// as false for a duplicate or a packet too old to fit in the window — the
// caller must silently drop those rather than deliver them to the
// application (§4.2, §7).
func (w *RecvWindow) Accept(seq uint32) (ok bool) {
	if !w.seen {
		w.seen = true
		w.highest = seq
		w.mask = 0
		return true
	}
	if seq == w.highest {
		return false
	}
	if seqAfter(seq, w.highest) {
		shift := seq - w.highest
		if shift > WindowWidth {
			w.mask = 0
		} else {
			w.mask = (w.mask << shift) | (1 << (shift - 1))
		}
		w.highest = seq
		return true
	}
	// seq is behind highest: still deliverable if within the tracked
	// window and not already marked received.
	back := w.highest - seq
	if back == 0 || back > WindowWidth {
		return false
	}
	bit := uint32(1) << (back - 1)
	if w.mask&bit != 0 {
		return false
	}
	w.mask |= bit
	return true
}

// AckFields returns the (ackSequence, mask) pair to stamp on the next
// outgoing data packet, summarizing everything Accept has observed so far
// (§4.2).
func (w *RecvWindow) AckFields() (ackSequence uint32, mask uint32) {
	return w.highest, w.mask
}

func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
