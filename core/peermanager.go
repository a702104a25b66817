package core

// Peer manager (C8): endpoint table, backoff, reputation, ban, authenticated
// identity, reconnection loop. Grounded concretely in the pack's
// original_source/include/network/peer_connection_manager.h's
// PeerConnectionInfo struct (endpoint, counters, reputation, ban expiry) and
// peer_authentication.h's challenge/response fields, re-architected per spec
// §9's guidance against shared mutable pointer graphs: peers are keyed by a
// string PeerKey in one map, never referenced by pointer from multiple
// indices.

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PeerKey identifies a peer endpoint as "address:port".
type PeerKey string

func NewPeerKey(address string, port int) PeerKey {
	return PeerKey(fmt.Sprintf("%s:%d", address, port))
}

// ConnState is a peer's connection lifecycle state, independent of its
// protocol Session (a peer can be Known but not currently connected).
type ConnState int

const (
	ConnUnknown ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnBanned
)

// Reputation increments/decrements (spec §4.8).
const (
	RepGoodBlock       = 10
	RepGoodTx          = 5
	RepHelpfulResponse = 3
	RepStable          = 2
)

const (
	repMinScore = -1000
	repMaxScore = 1000
	banThreshold = -500
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 5 * time.Minute
)

const (
	banBaseDuration  = 60 * time.Second
	banMaxDuration   = 24 * time.Hour
	severeRepThresh  = -800
)

// PeerConnectionInfo is the peer manager's full record for one endpoint
// (spec §3).
type PeerConnectionInfo struct {
	Key    PeerKey
	Address string
	Port    int
	NodeID  string // derived identity, empty until authenticated

	State ConnState

	Attempts  uint64
	Successes uint64
	Failures  uint64
	Bytes     uint64
	Messages  uint64
	LatencyMs uint64

	Reputation int // [-1000, +1000]

	ConsecutiveFailures int
	LastAttempt         time.Time
	NextAttemptAt       time.Time

	BanExpiry time.Time // zero means not banned

	LastInactivityDecay time.Time
	BehaviorHistogram   map[string]int

	NodeIDCachedAt time.Time
	SessionLifetime time.Duration

	// LibP2PID is the transport-level libp2p peer ID, learned once a session
	// to this endpoint completes its HELLO handshake (inbound or outbound).
	// It is distinct from NodeID, which is the application-level
	// authenticated identity derived from a signed challenge (spec §4.8).
	LibP2PID string

	Trusted   bool
	Blacklisted bool
}

func newPeerConnectionInfo(key PeerKey, address string, port int) *PeerConnectionInfo {
	return &PeerConnectionInfo{
		Key:                 key,
		Address:             address,
		Port:                port,
		State:               ConnUnknown,
		LastInactivityDecay: time.Now(),
		BehaviorHistogram:   make(map[string]int),
	}
}

// PeerManager owns the known-endpoint table and enforces the policies of
// spec §4.8. The session layer calls back into it on every protocol-visible
// event; it never holds a reference into the session layer itself.
type PeerManager struct {
	mu sync.Mutex

	peers map[PeerKey]*PeerConnectionInfo

	trusted    map[PeerKey]struct{}
	blacklist  map[PeerKey]struct{}

	listPath string
}

// NewPeerManager creates an empty table; call LoadPersistedList to seed it
// from the on-disk peer list (spec §6).
func NewPeerManager(listPath string) *PeerManager {
	return &PeerManager{
		peers:     make(map[PeerKey]*PeerConnectionInfo),
		trusted:   make(map[PeerKey]struct{}),
		blacklist: make(map[PeerKey]struct{}),
		listPath:  listPath,
	}
}

// LoadPersistedList parses the UTF-8 text peer list: one "address port
// node_id" triple per line, '#' comments, blank lines ignored (spec §4.8/§6).
func (pm *PeerManager) LoadPersistedList() error {
	f, err := os.Open(pm.listPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return NewError(KindStoreIO, "open peer list", err)
	}
	defer f.Close()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		key := NewPeerKey(fields[0], port)
		info := newPeerConnectionInfo(key, fields[0], port)
		if len(fields) >= 3 {
			info.NodeID = fields[2]
		}
		pm.peers[key] = info
	}
	return scanner.Err()
}

// PersistList writes the current known endpoints back to pm.listPath.
func (pm *PeerManager) PersistList() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("# generated peer list\n")
	for _, info := range pm.peers {
		if info.NodeID != "" {
			fmt.Fprintf(&sb, "%s %d %s\n", info.Address, info.Port, info.NodeID)
		} else {
			fmt.Fprintf(&sb, "%s %d\n", info.Address, info.Port)
		}
	}

	tmp := pm.listPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o640); err != nil {
		return NewError(KindStoreIO, "write peer list", err)
	}
	if err := os.Rename(tmp, pm.listPath); err != nil {
		return NewError(KindStoreIO, "rename peer list", err)
	}
	return nil
}

// Connect registers or updates an endpoint as a connection attempt target.
func (pm *PeerManager) Connect(address string, port int) *PeerConnectionInfo {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	key := NewPeerKey(address, port)
	info, ok := pm.peers[key]
	if !ok {
		info = newPeerConnectionInfo(key, address, port)
		pm.peers[key] = info
	}
	info.State = ConnConnecting
	info.Attempts++
	info.LastAttempt = time.Now()
	return info
}

// RegisterInbound records a peer connection initiated by the remote side,
// without touching Connect's outbound attempt/backoff counters.
func (pm *PeerManager) RegisterInbound(key PeerKey, address string, port int) *PeerConnectionInfo {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.peers[key]
	if !ok {
		info = newPeerConnectionInfo(key, address, port)
		pm.peers[key] = info
	}
	info.State = ConnConnected
	info.Successes++
	info.LastAttempt = time.Now()
	return info
}

// SetLibP2PID records the transport-level peer ID learned from a completed
// handshake, used by the reconnection loop to dial the endpoint again later.
func (pm *PeerManager) SetLibP2PID(key PeerKey, id string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if info, ok := pm.peers[key]; ok {
		info.LibP2PID = id
	}
}

// RecordSuccess marks a connection attempt as having completed.
func (pm *PeerManager) RecordSuccess(key PeerKey) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.peers[key]
	if !ok {
		return
	}
	info.State = ConnConnected
	info.Successes++
	info.ConsecutiveFailures = 0
}

// RecordFailure applies the backoff schedule after a failed attempt:
// min(base*2^consecutive_failures + jitter, cap) (spec §4.8).
func (pm *PeerManager) RecordFailure(key PeerKey, jitter time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.peers[key]
	if !ok {
		return
	}
	info.State = ConnDisconnected
	info.Failures++
	info.ConsecutiveFailures++

	delay := backoffBase * (1 << uint(min(info.ConsecutiveFailures, 20)))
	delay += jitter
	if delay > backoffCap {
		delay = backoffCap
	}
	info.NextAttemptAt = time.Now().Add(delay)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ApplyReputationDelta adjusts a peer's score, clamps it to [-1000,+1000],
// and bans automatically once the score crosses the ban threshold (spec
// §4.8).
func (pm *PeerManager) ApplyReputationDelta(key PeerKey, delta int, reason string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.peers[key]
	if !ok {
		return
	}
	info.Reputation += delta
	if info.Reputation < repMinScore {
		info.Reputation = repMinScore
	}
	if info.Reputation > repMaxScore {
		info.Reputation = repMaxScore
	}
	info.BehaviorHistogram[reason]++
	info.LastInactivityDecay = time.Now() // any reputation event restarts the inactivity clock

	if info.Reputation <= banThreshold {
		pm.banLocked(info)
	}
}

// InvalidBlockPenalty, InvalidTxPenalty, SpamPenalty, ConnectionAbusePenalty,
// and TimeoutPenalty compute the negative delta for a violation of the given
// severity s in [1,10] (spec §4.8).
func InvalidBlockPenalty(s int) int     { return -50 * s }
func InvalidTxPenalty(s int) int        { return -20 * s }
func SpamPenalty(s int) int             { return -15 * s }
func ConnectionAbusePenalty(s int) int  { return -10 * s }
func TimeoutPenalty(s int) int          { return -5 * s }

func (pm *PeerManager) banLocked(info *PeerConnectionInfo) {
	prevDuration := banBaseDuration
	if !info.BanExpiry.IsZero() {
		elapsedBans := info.BehaviorHistogram["ban_count"]
		prevDuration = banBaseDuration
		for i := 0; i < elapsedBans; i++ {
			prevDuration *= 2
			if prevDuration > banMaxDuration {
				prevDuration = banMaxDuration
				break
			}
		}
	}
	if info.Reputation <= severeRepThresh {
		prevDuration *= 2
		if prevDuration > banMaxDuration {
			prevDuration = banMaxDuration
		}
	}
	info.BehaviorHistogram["ban_count"]++
	info.State = ConnBanned
	info.BanExpiry = time.Now().Add(prevDuration)
}

// IsBanned reports whether key is currently under an unexpired ban.
func (pm *PeerManager) IsBanned(key PeerKey) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.peers[key]
	if !ok {
		return false
	}
	return !info.BanExpiry.IsZero() && time.Now().Before(info.BanExpiry)
}

// Unban clears a peer's ban expiry and resets reputation to 0.
func (pm *PeerManager) Unban(key PeerKey) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.peers[key]
	if !ok {
		return
	}
	info.BanExpiry = time.Time{}
	info.State = ConnDisconnected
	info.Reputation = 0
}

// DecayInactive pulls every peer not touched in the last 24h's negative
// reputation 1 point toward zero, per day of inactivity (spec §4.8). Intended
// to be called once per day by the reputation-decay worker (spec §4.9/§5).
func (pm *PeerManager) DecayInactive(now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, info := range pm.peers {
		if info.Reputation >= 0 {
			continue
		}
		days := int(now.Sub(info.LastInactivityDecay) / (24 * time.Hour))
		if days <= 0 {
			continue
		}
		info.Reputation += days
		if info.Reputation > 0 {
			info.Reputation = 0
		}
		info.LastInactivityDecay = now
	}
}

// AssignNodeID records the authenticated node_id derived as
// first_16_hex(SHA256(pubkey)) for a peer, with a session lifetime after
// which it must be re-verified (spec §4.8).
func (pm *PeerManager) AssignNodeID(key PeerKey, pubKey []byte, lifetime time.Duration) string {
	sum := Sha256(pubKey)
	nodeID := sum.String()[:16]

	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.peers[key]
	if !ok {
		return nodeID
	}
	info.NodeID = nodeID
	info.NodeIDCachedAt = time.Now()
	info.SessionLifetime = lifetime
	return nodeID
}

// IsTrusted / IsBlacklisted implement the admission filters spec §4.8
// mentions alongside authenticated identity.
func (pm *PeerManager) IsTrusted(key PeerKey) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	_, ok := pm.trusted[key]
	return ok
}

func (pm *PeerManager) IsBlacklisted(key PeerKey) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	_, ok := pm.blacklist[key]
	return ok
}

func (pm *PeerManager) SetTrusted(key PeerKey, trusted bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if trusted {
		pm.trusted[key] = struct{}{}
	} else {
		delete(pm.trusted, key)
	}
}

func (pm *PeerManager) SetBlacklisted(key PeerKey, blacklisted bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if blacklisted {
		pm.blacklist[key] = struct{}{}
	} else {
		delete(pm.blacklist, key)
	}
}

// Get returns a copy of a peer's current record for read-only display (spec
// §6 list_peers/network_info).
func (pm *PeerManager) Get(key PeerKey) (PeerConnectionInfo, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	info, ok := pm.peers[key]
	if !ok {
		return PeerConnectionInfo{}, false
	}
	return *info, true
}

// ListEligibleForReconnect returns the keys of persistent peers that are
// Disconnected, not banned, and whose backoff has elapsed — the queue for
// the single-worker reconnection loop (spec §4.8).
func (pm *PeerManager) ListEligibleForReconnect(now time.Time) []PeerKey {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var out []PeerKey
	for key, info := range pm.peers {
		if info.State != ConnDisconnected {
			continue
		}
		if !info.BanExpiry.IsZero() && now.Before(info.BanExpiry) {
			continue
		}
		if now.Before(info.NextAttemptAt) {
			continue
		}
		out = append(out, key)
	}
	return out
}

// All returns a snapshot of every known peer, for list_peers/network_info.
func (pm *PeerManager) All() []PeerConnectionInfo {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]PeerConnectionInfo, 0, len(pm.peers))
	for _, info := range pm.peers {
		out = append(out, *info)
	}
	return out
}
