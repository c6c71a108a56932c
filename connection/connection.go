package connection

import (
	"net"

	"github.com/torquesockets/torquesockets/cipher"
	"github.com/torquesockets/torquesockets/handshake"
	"github.com/torquesockets/torquesockets/tsevent"
)

// Connection wraps a handshake.Engine that has reached StateConnected with
// the send/receive window and per-connection symmetric cipher state needed
// to exchange application data (§3, §4.2).
type Connection struct {
	ID uint64

	RemoteAddr net.Addr

	symmetricKey [16]byte
	initVector   [16]byte

	send *SendWindow
	recv *RecvWindow

	State handshake.State
}

// perPacketBlockStride reserves enough AES blocks per sequence number that
// no two packets' keystream regions can ever overlap (MaxDatagramPayload
// needs at most 93 blocks, well under the stride), while letting the block offset be computed
// directly from a packet's own sequence number — required because packets
// can be decrypted out of the order they were sent (§3, §4.2, §4.5).
const perPacketBlockStride = 128

func blockOffsetForSequence(seq uint32) uint64 {
	return uint64(seq) * perPacketBlockStride
}

// NewFromEngine builds a Connection from a handshake.Engine once it has
// reached StateConnected, taking the negotiated symmetric key/init vector
// and initial send sequence for whichever side this is (§3).
func NewFromEngine(id uint64, e *handshake.Engine, initialSendSequence uint32) *Connection {
	c := &Connection{
		ID:           id,
		RemoteAddr:   e.RemoteAddr,
		symmetricKey: e.SymmetricKey,
		initVector:   e.InitVector,
		send:         NewSendWindow(initialSendSequence),
		recv:         NewRecvWindow(),
		State:        handshake.StateConnected,
	}
	return c
}

// Send encrypts and MACs an application payload under the per-connection
// symmetric cipher, stamping the next sequence number and the current
// receive-side ack/mask (§3, §4.2, §4.5).
func (c *Connection) Send(payload []byte) ([]byte, error) {
	notify := tsevent.Event{Type: tsevent.ConnectionPacketNotify, ConnectionID: c.ID}
	seq := c.send.NextSequence(notify)
	ack, mask := c.recv.AckFields()

	pkt := DataPacket{Sequence: seq, AckSequence: ack, AckMask: mask}
	ciphertext, mac, err := cipher.Seal(c.symmetricKey, c.initVector, blockOffsetForSequence(seq), pkt.unencryptedPrefix(), payload)
	if err != nil {
		return nil, err
	}
	pkt.EncryptedBlob = ciphertext
	copy(pkt.MAC[:], mac)
	return pkt.Encode(), nil
}

// Receive authenticates and decrypts an incoming data packet, updates the
// receive window, and applies the packet's ack/mask to the send window.
// It returns the decrypted payload (nil if the packet was a duplicate or
// otherwise not to be delivered), and the notify events the send-window ack
// processing resolved.
func (c *Connection) Receive(raw []byte) (payload []byte, notifies []tsevent.Event, err error) {
	pkt, err := DecodeDataPacket(raw)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := cipher.Open(c.symmetricKey, c.initVector, blockOffsetForSequence(pkt.Sequence), pkt.unencryptedPrefix(), pkt.EncryptedBlob, pkt.MAC[:])
	if err != nil {
		if err == cipher.ErrMACMismatch {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	notifies = c.send.ApplyAck(pkt.AckSequence, pkt.AckMask)

	if !c.recv.Accept(pkt.Sequence) {
		return nil, notifies, nil
	}
	return plaintext, notifies, nil
}
