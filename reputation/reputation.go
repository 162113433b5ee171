// Package reputation implements the persistent node/ban store: a signed
// score per known peer, crossing a threshold triggers an automatic ban.
//
// Adapted from decred.org/dcrdex's server/auth/reputation.go, which scores
// order-matching misbehavior (preimage misses, failure to swap/redeem);
// here the same scoring shape is retargeted at P2P-layer misbehavior
// (malformed packets, failed handshakes, bad gossip, invalidation
// spoofing) per spec.md §4.3 and §7.
package reputation

import (
	"sync"
	"time"
)

// Violation is a specific observable peer misbehavior.
type Violation int32

const (
	ViolationMalformedPacket Violation = iota
	ViolationFailedHandshake
	ViolationInvalidOrder
	ViolationInvalidationSpoof
	ViolationResponseStalling
	ViolationGoodBehavior // a positive event, offsets prior violations
)

// scores mirrors the shape of dcrdex's violation-score table: small
// integer badness per violation kind, a single ban threshold.
var scores = map[Violation]struct {
	delta int32
	desc  string
}{
	ViolationMalformedPacket:   {6, "malformed packet"},
	ViolationFailedHandshake:   {4, "failed handshake"},
	ViolationInvalidOrder:      {3, "invalid order"},
	ViolationInvalidationSpoof: {8, "order invalidation spoofing"},
	ViolationResponseStalling:  {2, "response stalling"},
	ViolationGoodBehavior:      {-1, "good behavior"},
}

// Score returns the violation's contribution to a node's ban score.
func (v Violation) Score() int32 { return scores[v].delta }

// String describes the violation.
func (v Violation) String() string { return scores[v].desc }

// DefaultBanScore is the cumulative score at which a node is
// automatically banned.
const DefaultBanScore = 20

// Node is the persistent record for a known peer.
type Node struct {
	PubKey   string
	Addrs    []string
	Score    int32
	Banned   bool
	LastSeen time.Time
}

// Store is the single persistent choke point for node/reputation data;
// per §5, writes are serialized through its lock so two peer connections
// scoring concurrently never race.
type Store struct {
	banScore int32

	mtx   sync.Mutex
	nodes map[string]*Node
}

// NewStore constructs a Store with the given ban threshold (DefaultBanScore
// if 0).
func NewStore(banScore int32) *Store {
	if banScore == 0 {
		banScore = DefaultBanScore
	}
	return &Store{banScore: banScore, nodes: make(map[string]*Node)}
}

// Touch records that pubKey was seen at addr, creating the Node record on
// first successful handshake. Never deletes an existing record.
func (s *Store) Touch(pubKey string, addr string) *Node {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n, ok := s.nodes[pubKey]
	if !ok {
		n = &Node{PubKey: pubKey}
		s.nodes[pubKey] = n
	}
	if addr != "" && !containsStr(n.Addrs, addr) {
		n.Addrs = append(n.Addrs, addr)
	}
	n.LastSeen = time.Now()
	return n
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Get returns the node record for pubKey, if any.
func (s *Store) Get(pubKey string) (*Node, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n, ok := s.nodes[pubKey]
	return n, ok
}

// IsBanned reports whether pubKey is currently banned. Banned nodes are
// refused on both inbound and outbound connection paths until an
// explicit Unban.
func (s *Store) IsBanned(pubKey string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n, ok := s.nodes[pubKey]
	return ok && n.Banned
}

// Score records a violation (or ViolationGoodBehavior) against pubKey,
// creating its node record if necessary, and returns whether this event
// pushed the node over the ban threshold. Ban, once applied, sticks: only
// an explicit Unban clears it.
func (s *Store) Score(pubKey string, v Violation) (banned bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n, ok := s.nodes[pubKey]
	if !ok {
		n = &Node{PubKey: pubKey}
		s.nodes[pubKey] = n
	}
	n.Score += v.Score()
	if n.Score < 0 {
		n.Score = 0
	}
	if !n.Banned && n.Score >= s.banScore {
		n.Banned = true
	}
	return n.Banned
}

// Ban unconditionally bans pubKey.
func (s *Store) Ban(pubKey string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n, ok := s.nodes[pubKey]
	if !ok {
		n = &Node{PubKey: pubKey}
		s.nodes[pubKey] = n
	}
	n.Banned = true
}

// Unban clears a node's ban flag and resets its score.
func (s *Store) Unban(pubKey string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if n, ok := s.nodes[pubKey]; ok {
		n.Banned = false
		n.Score = 0
	}
}

// Addrs returns the known advertised addresses for pubKey.
func (s *Store) Addrs(pubKey string) []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n, ok := s.nodes[pubKey]
	if !ok {
		return nil
	}
	out := make([]string, len(n.Addrs))
	copy(out, n.Addrs)
	return out
}
