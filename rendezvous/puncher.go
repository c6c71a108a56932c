package rendezvous

import (
	"net"

	"github.com/torquesockets/torquesockets/handshake"
)

// Puncher sprays a connection's punch packets across its candidate address
// set and tracks which addresses have been tried, so a socket's retry tick
// (§4.3, §6) can round-robin through them instead of hammering one address.
type Puncher struct {
	candidates []handshake.CandidateAddress
	next       int
}

// NewPuncher starts a punch round against the given candidate set, as
// reported by an introducer's send_punch_packet.
func NewPuncher(candidates []handshake.CandidateAddress) *Puncher {
	cp := make([]handshake.CandidateAddress, len(candidates))
	copy(cp, candidates)
	return &Puncher{candidates: cp}
}

// NextTarget returns the next candidate address to punch, round-robining
// across the set so repeated retries spread load instead of fixating on
// the first (possibly unreachable) candidate.
func (p *Puncher) NextTarget() (net.Addr, bool) {
	if len(p.candidates) == 0 {
		return nil, false
	}
	c := p.candidates[p.next%len(p.candidates)]
	p.next++
	return &net.UDPAddr{IP: c.IP, Port: int(c.Port)}, true
}

// Targets returns every candidate address as a net.Addr, for a single punch
// burst that hits them all at once rather than round-robining.
func (p *Puncher) Targets() []net.Addr {
	out := make([]net.Addr, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = &net.UDPAddr{IP: c.IP, Port: int(c.Port)}
	}
	return out
}
