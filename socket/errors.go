package socket

import "errors"

// Bind-time error taxonomy (§4.1), following the teacher's convention of
// package-level sentinel errors (e.g. p2p/rlpx/framing.go's
// ErrProtocolClaimTimeout) rather than an error-code enum.
var (
	ErrAddressInUse           = errors.New("socket: address already in use")
	ErrAddressInvalid         = errors.New("socket: address invalid")
	ErrSocketAllocationFailure = errors.New("socket: could not allocate underlying transport")
	ErrInitializationFailure  = errors.New("socket: initialization failure")
	ErrGenericFailure         = errors.New("socket: generic failure")

	ErrNoSuchConnection  = errors.New("socket: no such connection")
	ErrIncomingDisallowed = errors.New("socket: incoming connections not allowed")
	ErrNoPrivateKey      = errors.New("socket: private key not set")

	ErrPayloadTooLarge       = errors.New("socket: payload exceeds maximum datagram size")
	ErrInvalidInfoPacketType = errors.New("socket: info packet type outside the reserved 32-127 range")
)

// Local-initiated disconnect reasons the library itself chooses, rather
// than an application-supplied blob (§7).
const (
	ReasonReconnecting  = "RECONNECTING"
	ReasonOldConnection = "OLD_CONNECTION"
	ReasonNewConnection = "NEW_CONNECTION"
	ReasonShutdown      = "SHUTDOWN"
)
