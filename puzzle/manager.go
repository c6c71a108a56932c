// Package puzzle implements the host-side client-puzzle manager and the
// client-side background solver described in §4.4. The manager issues
// server nonces and difficulty and verifies solutions; the solver runs on a
// single background worker and never touches connection state (§5).
//
// Grounded on original_source/platform_library/net/client_puzzle.h, which
// fixes the exact hash-input layout and the constants reused here.
package puzzle

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

// Difficulty bounds and refresh cadence (§4.4, §6).
const (
	InitialDifficulty = 17
	MaxDifficulty      = 26
	RefreshPeriod      = 30 * time.Second
)

// CheckResult enumerates the outcomes of CheckSolution (§4.4, §7).
type CheckResult int

const (
	Success CheckResult = iota
	InvalidSolution
	InvalidServerNonce
	InvalidClientNonce
	InvalidPuzzleDifficulty
)

func (r CheckResult) String() string {
	switch r {
	case Success:
		return "success"
	case InvalidSolution:
		return "invalid-solution"
	case InvalidServerNonce:
		return "invalid-server-nonce"
	case InvalidClientNonce:
		return "invalid-client-nonce"
	case InvalidPuzzleDifficulty:
		return "invalid-puzzle-difficulty"
	default:
		return "unknown"
	}
}

// nonceSet tracks client nonces seen against one server nonce generation,
// for replay protection within that generation (§4.4). A plain Go map
// replaces the original's hand-rolled hash table (§9 design note).
type nonceSet map[uint64]struct{}

func (s nonceSet) checkAdd(n uint64) bool {
	if _, seen := s[n]; seen {
		return false
	}
	s[n] = struct{}{}
	return true
}

// Manager is the host-side puzzle issuer/verifier (§4.4).
type Manager struct {
	mu sync.Mutex

	clock          mclock.Clock
	difficulty     uint32
	currentNonce   uint64
	previousNonce  uint64
	currentSeen    nonceSet
	previousSeen   nonceSet
	lastRefresh    mclock.AbsTime
	randSource     func() (uint64, error)
}

// NewManager creates a puzzle manager with a fresh pair of server nonces and
// the initial difficulty. randSource supplies fresh 64-bit nonces; pass nil
// to use crypto/rand via the default implementation.
func NewManager(clock mclock.Clock, randSource func() (uint64, error)) (*Manager, error) {
	if clock == nil {
		clock = mclock.System{}
	}
	if randSource == nil {
		randSource = RandomNonce
	}
	cur, err := randSource()
	if err != nil {
		return nil, err
	}
	prev, err := randSource()
	if err != nil {
		return nil, err
	}
	return &Manager{
		clock:         clock,
		difficulty:    InitialDifficulty,
		currentNonce:  cur,
		previousNonce: prev,
		currentSeen:   make(nonceSet),
		previousSeen:  make(nonceSet),
		lastRefresh:   clock.Now(),
		randSource:    randSource,
	}, nil
}

// Tick rotates the server nonce every RefreshPeriod, discarding the stale
// previous-generation seen-set (§4.4).
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if time.Duration(now-m.lastRefresh) < RefreshPeriod {
		return
	}
	m.lastRefresh = now
	m.previousNonce = m.currentNonce
	m.previousSeen = m.currentSeen
	next, err := m.randSource()
	if err != nil {
		return
	}
	m.currentNonce = next
	m.currentSeen = make(nonceSet)
}

// Issue returns the current server nonce and difficulty for a fresh
// connect_challenge_response (§4.3 step 2).
func (m *Manager) Issue() (serverNonce uint64, difficulty uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentNonce, m.difficulty
}

// SetDifficulty tunes the current difficulty to scale with load, clamped to
// [0, MaxDifficulty] (§4.4).
func (m *Manager) SetDifficulty(k uint32) {
	if k > MaxDifficulty {
		k = MaxDifficulty
	}
	m.mu.Lock()
	m.difficulty = k
	m.mu.Unlock()
}

// CheckSolution verifies a client's puzzle solution against the current or
// previous server nonce generation, enforcing replay protection within that
// generation (§4.4).
func (m *Manager) CheckSolution(solution uint32, clientNonce, serverNonce uint64, k uint32, clientIdentity uint32) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if k != m.difficulty {
		return InvalidPuzzleDifficulty
	}
	var set nonceSet
	switch serverNonce {
	case m.currentNonce:
		set = m.currentSeen
	case m.previousNonce:
		set = m.previousSeen
	default:
		return InvalidServerNonce
	}
	if !CheckOneSolution(solution, clientNonce, serverNonce, k, clientIdentity) {
		return InvalidSolution
	}
	if !set.checkAdd(clientNonce) {
		return InvalidClientNonce
	}
	return Success
}

// CheckOneSolution reports whether SHA256(solution||client_identity||
// client_nonce||server_nonce) has its leading k bits zero (§4.4). The
// 24-byte input layout (4+4+8+8) is fixed by the original client_puzzle.h.
func CheckOneSolution(solution uint32, clientNonce, serverNonce uint64, k uint32, clientIdentity uint32) bool {
	var buf [24]byte
	binary.LittleEndian.PutUint32(buf[0:4], solution)
	binary.LittleEndian.PutUint32(buf[4:8], clientIdentity)
	binary.LittleEndian.PutUint64(buf[8:16], clientNonce)
	binary.LittleEndian.PutUint64(buf[16:24], serverNonce)

	digest := sha256.Sum256(buf[:])
	return leadingZeroBits(digest[:], k)
}

func leadingZeroBits(hash []byte, k uint32) bool {
	index := 0
	for k > 8 {
		if hash[index] != 0 {
			return false
		}
		index++
		k -= 8
	}
	if k == 0 {
		return true
	}
	mask := byte(0xFF << (8 - k))
	return hash[index]&mask == 0
}
