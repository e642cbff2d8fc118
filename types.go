package main

import (
	"encoding/hex"
	"net/netip"
	"sync"
	"time"
)

// InfoHash identifies a swarm. HTTP clients send it as raw bytes (20 for a
// SHA-1 info dictionary hash) but any non-empty byte string is accepted.
type InfoHash string

func (h InfoHash) String() string {
	return hex.EncodeToString([]byte(h))
}

// PeerKey identifies a peer inside a swarm: the address other peers dial.
// The client supplied peer_id is carried as metadata only.
type PeerKey = netip.AddrPort

// NewPeerKey builds a PeerKey from a normalized address, so that
// ::ffff:1.2.3.4 and 1.2.3.4 are the same peer.
func NewPeerKey(ip netip.Addr, port uint16) PeerKey {
	return netip.AddrPortFrom(normalizeIP(ip), port)
}

// normalizeIP unmaps IPv4-in-IPv6 and drops any IPv6 zone. A zone names an
// interface on the tracker host and means nothing to other peers.
func normalizeIP(ip netip.Addr) netip.Addr {
	return ip.Unmap().WithZone("")
}

// Event is the lifecycle event carried by an announce.
type Event uint8

const (
	EventNone Event = iota // regular update
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return "none"
	}
}

type Peer struct {
	LastAnnounced time.Time
	ID            string
	Addr          PeerKey
	Uploaded      uint64
	Downloaded    uint64
	Left          uint64
	seq           uint64 // insertion order inside the swarm
	Completed     bool
}

// PeerInfo is the copy of a peer handed out of the registry.
type PeerInfo struct {
	ID   string
	Addr PeerKey
}

// PeerSnapshot is what an announcing peer gets back: the other peers of the
// swarm plus the swarm-wide counts, both taken under the same lock.
type PeerSnapshot struct {
	Peers      []PeerInfo
	Complete   int
	Incomplete int
}

type Swarm struct {
	peers     map[PeerKey]*Peer
	mu        sync.RWMutex
	seq       uint64
	seeders   int
	leechers  int
	completed int
	removed   bool // unlinked from the registry by prune
}

type Registry struct {
	swarms map[InfoHash]*Swarm
	clock  Clock
	mu     sync.RWMutex
}
