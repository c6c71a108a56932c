package connection

import (
	"encoding/binary"
	"errors"

	"github.com/torquesockets/torquesockets/handshake"
)

// DataPacketType marks every connected-protocol packet: the high bit of the
// first byte is set, distinguishing it at the socket's dispatch point from
// the handshake packet types 0-9 and the 32-127 application info packets
// (§6).
const DataPacketType = 0x80

// dataPacketHeaderSize is the type byte, sequence, ack fields, and MAC that
// frame every data packet (§4.2) — fixed overhead subtracted from
// handshake.MaxDatagramPayload to get the largest payload send_to_connection
// can accept (§6 "Max datagram payload").
const dataPacketHeaderSize = 1 + 4 + 4 + 4 + 5

// MaxPayloadSize is the largest application payload send_to_connection will
// accept without the resulting datagram exceeding handshake.MaxDatagramPayload
// (§4.1, §6, §8 "payload.len == max_datagram_size succeeds; +1 byte rejected").
const MaxPayloadSize = handshake.MaxDatagramPayload - dataPacketHeaderSize

var (
	ErrTruncated = errors.New("connection: packet truncated")
	ErrBadType   = errors.New("connection: not a connected-protocol data packet")
)

// DataPacket is one application payload carried over an established
// connection, sequenced and ack-bearing for the delivery-notification
// window (§3, §4.2).
type DataPacket struct {
	Sequence      uint32
	AckSequence   uint32
	AckMask       uint32
	EncryptedBlob []byte
	MAC           [5]byte
}

func (p DataPacket) Encode() []byte {
	buf := make([]byte, 0, 17+len(p.EncryptedBlob)+5)
	buf = append(buf, DataPacketType)
	buf = binary.LittleEndian.AppendUint32(buf, p.Sequence)
	buf = binary.LittleEndian.AppendUint32(buf, p.AckSequence)
	buf = binary.LittleEndian.AppendUint32(buf, p.AckMask)
	buf = append(buf, p.EncryptedBlob...)
	buf = append(buf, p.MAC[:]...)
	return buf
}

func DecodeDataPacket(b []byte) (DataPacket, error) {
	if len(b) < 1+4+4+4+5 {
		return DataPacket{}, ErrTruncated
	}
	if b[0] != DataPacketType {
		return DataPacket{}, ErrBadType
	}
	var p DataPacket
	p.Sequence = binary.LittleEndian.Uint32(b[1:5])
	p.AckSequence = binary.LittleEndian.Uint32(b[5:9])
	p.AckMask = binary.LittleEndian.Uint32(b[9:13])
	payloadEnd := len(b) - 5
	p.EncryptedBlob = append([]byte(nil), b[13:payloadEnd]...)
	copy(p.MAC[:], b[payloadEnd:])
	return p, nil
}

func (p DataPacket) unencryptedPrefix() []byte {
	buf := make([]byte, 0, 13)
	buf = append(buf, DataPacketType)
	buf = binary.LittleEndian.AppendUint32(buf, p.Sequence)
	buf = binary.LittleEndian.AppendUint32(buf, p.AckSequence)
	buf = binary.LittleEndian.AppendUint32(buf, p.AckMask)
	return buf
}
