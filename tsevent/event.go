// Package tsevent implements the pull-model event queue the application
// drains via a single call, per §4.6.
package tsevent

import "net"

// Type identifies the kind of event record (§4.6). The set is stable and
// exhaustive — application code is expected to switch on it.
type Type int

const (
	ChallengeResponse Type = iota
	ConnectionRequested
	IntroducedConnectionRequest
	Accepted
	Rejected
	TimedOut
	Disconnected
	Established
	ConnectionPacket
	ConnectionPacketNotify
	SocketPacket
)

func (t Type) String() string {
	switch t {
	case ChallengeResponse:
		return "challenge_response"
	case ConnectionRequested:
		return "connection_requested"
	case IntroducedConnectionRequest:
		return "introduced_connection_request"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	case Disconnected:
		return "disconnected"
	case Established:
		return "established"
	case ConnectionPacket:
		return "connection_packet"
	case ConnectionPacketNotify:
		return "connection_packet_notify"
	case SocketPacket:
		return "socket_packet"
	default:
		return "unknown"
	}
}

// Event is a single queue record. Fields not meaningful for a given Type are
// left at their zero value; see §4.6 for the per-type field set.
type Event struct {
	Type Type

	ConnectionID   uint64
	IntroducerID   uint64
	ClientIdentity uint32
	PublicKey      []byte
	Data           []byte
	PacketSequence uint32
	Delivered      bool
	SourceAddress  net.Addr
}
