// Package rendezvous tracks the bounded candidate-address set a socket
// sprays punch packets to during an introduced connection attempt, including
// the externally visible endpoints a peer's datagrams were observed arriving
// from (§3 "candidate address set", §4.3 "Introduced connection
// sequence").
//
// Grounded on p2p/netutil/iptrack.go's IPTracker: same
// statement-with-timestamp-plus-garbage-collection shape, repurposed from
// "predict my own public IP" to "track one peer's candidate addresses".
package rendezvous

import (
	"net"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/torquesockets/torquesockets/handshake"
)

// MaxCandidates bounds the candidate address set forwarded to a peer during
// rendezvous (§3).
const MaxCandidates = handshake.MaxCandidateAddrs

// StatementWindow is how long a reported candidate address stays eligible
// before it's garbage collected, mirroring IPTracker's "window" (§4.3).
const StatementWindow = 20 * time.Minute

type statement struct {
	addr handshake.CandidateAddress
	seen mclock.AbsTime
}

// Tracker accumulates candidate addresses for one remote client, the
// sources being: the client's own local-interface enumeration, relayed via
// the introducer, and any address the introducer itself observed the
// client's handshake packets arrive from (the public, NAT-mapped address).
type Tracker struct {
	clock      mclock.Clock
	statements map[string]statement
}

// NewTracker creates an empty tracker. clock may be nil to use the system
// clock.
func NewTracker(clock mclock.Clock) *Tracker {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Tracker{clock: clock, statements: make(map[string]statement)}
}

// Add records or refreshes one candidate address.
func (t *Tracker) Add(addr handshake.CandidateAddress) {
	key := addrKey(addr)
	t.statements[key] = statement{addr: addr, seen: t.clock.Now()}
}

// AddObservedSource records the address a datagram was actually seen
// arriving from — the strongest candidate of all, since it's the live NAT
// mapping rather than a self-reported local address.
func (t *Tracker) AddObservedSource(remote net.Addr) {
	if udp, ok := remote.(*net.UDPAddr); ok {
		t.Add(handshake.CandidateAddress{IP: udp.IP, Port: uint16(udp.Port)})
	}
}

// Candidates returns up to MaxCandidates live addresses, most-recently-seen
// first, for inclusion in a send_punch_packet (§3, §4.3).
func (t *Tracker) Candidates() []handshake.CandidateAddress {
	t.gc()
	type ranked struct {
		addr handshake.CandidateAddress
		seen mclock.AbsTime
	}
	all := make([]ranked, 0, len(t.statements))
	for _, s := range t.statements {
		all = append(all, ranked{s.addr, s.seen})
	}
	// Simple insertion sort: the statement set is small (one peer's
	// addresses seen within StatementWindow), so an O(n^2) sort costs
	// nothing; it is cut down to MaxCandidates only after sorting.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].seen > all[j-1].seen; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) > MaxCandidates {
		all = all[:MaxCandidates]
	}
	out := make([]handshake.CandidateAddress, len(all))
	for i, r := range all {
		out[i] = r.addr
	}
	return out
}

func (t *Tracker) gc() {
	cutoff := t.clock.Now().Add(-StatementWindow)
	for k, s := range t.statements {
		if s.seen < cutoff {
			delete(t.statements, k)
		}
	}
}

func addrKey(a handshake.CandidateAddress) string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}
