package main

import (
	"cmp"
	"context"
	"slices"
	"time"
)

// NewRegistry creates an empty registry. A nil clock means wall time.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = systemClock{}
	}
	return &Registry{
		swarms: make(map[InfoHash]*Swarm),
		clock:  clock,
	}
}

// getOrCreateSwarm returns the swarm for hash, creating it on first use.
// The existence check is repeated under the write lock so concurrent first
// announces for the same hash end up sharing one swarm.
func (r *Registry) getOrCreateSwarm(hash InfoHash) *Swarm {
	r.mu.RLock()
	s, ok := r.swarms[hash]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	if s, ok := r.swarms[hash]; ok {
		r.mu.Unlock()
		return s
	}
	s = &Swarm{peers: make(map[PeerKey]*Peer)}
	r.swarms[hash] = s
	r.mu.Unlock()
	if debugEnabled.Load() {
		debug("created new swarm %s", hash.String())
	}
	return s
}

func (r *Registry) getSwarm(hash InfoHash) *Swarm {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.swarms[hash]
}

// Upsert applies one announce to the swarm and returns what the announcing
// peer gets to see: up to numWant other peers and the swarm counts.
// A stopped event removes the peer; anything else inserts or refreshes it.
func (r *Registry) Upsert(hash InfoHash, p Peer, event Event, numWant int) PeerSnapshot {
	key := p.Addr

	if event == EventStopped {
		s := r.getSwarm(hash)
		if s == nil {
			return PeerSnapshot{}
		}
		s.mu.Lock()
		s.removePeer(key)
		snap := s.snapshot(key, numWant)
		s.mu.Unlock()
		return snap
	}

	if event == EventCompleted {
		p.Left = 0
	}

	now := r.clock.Now()
	for {
		s := r.getOrCreateSwarm(hash)
		s.mu.Lock()
		if s.removed {
			// prune unlinked this swarm between lookup and lock
			s.mu.Unlock()
			continue
		}
		s.putPeer(key, p, now)
		snap := s.snapshot(key, numWant)
		s.mu.Unlock()
		return snap
	}
}

// SwarmSize returns the number of live peers in a swarm.
func (r *Registry) SwarmSize(hash InfoHash) int {
	s := r.getSwarm(hash)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.peers)
}

// Len returns the number of swarms currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.swarms)
}

// putPeer inserts or refreshes a peer. s.mu must be held.
func (s *Swarm) putPeer(key PeerKey, p Peer, now time.Time) {
	if cur, exists := s.peers[key]; exists {
		if cur.Left == 0 && p.Left > 0 {
			s.seeders--
			s.leechers++
			if debugEnabled.Load() {
				debug("peer %s became leecher", key)
			}
		} else if cur.Left > 0 && p.Left == 0 {
			s.leechers--
			s.seeders++
			if !cur.Completed {
				cur.Completed = true
				s.completed++
				if debugEnabled.Load() {
					debug("peer %s completed torrent", key)
				}
			}
		}
		cur.ID = p.ID
		cur.Uploaded, cur.Downloaded, cur.Left = p.Uploaded, p.Downloaded, p.Left
		cur.LastAnnounced = now
		return
	}

	s.seq++
	peer := &Peer{
		ID:            p.ID,
		Addr:          key,
		Uploaded:      p.Uploaded,
		Downloaded:    p.Downloaded,
		Left:          p.Left,
		LastAnnounced: now,
		seq:           s.seq,
	}
	if p.Left == 0 {
		s.seeders++
		peer.Completed = true
		s.completed++
	} else {
		s.leechers++
	}
	s.peers[key] = peer
	if debugEnabled.Load() {
		debug("added peer %q @ %s", p.ID, key)
	}
}

// removePeer drops a peer if present. s.mu must be held.
func (s *Swarm) removePeer(key PeerKey) {
	p, exists := s.peers[key]
	if !exists {
		return
	}

	if p.Left == 0 {
		s.seeders--
	} else {
		s.leechers--
	}
	delete(s.peers, key)
	if debugEnabled.Load() {
		debug("removed peer %q @ %s", p.ID, key)
	}
}

// snapshot copies up to numWant peers other than exclude, oldest first.
// s.mu must be held.
func (s *Swarm) snapshot(exclude PeerKey, numWant int) PeerSnapshot {
	snap := PeerSnapshot{Complete: s.seeders, Incomplete: s.leechers}
	if numWant <= 0 || len(s.peers) == 0 {
		return snap
	}

	others := make([]*Peer, 0, len(s.peers))
	for key, p := range s.peers {
		if key != exclude {
			others = append(others, p)
		}
	}
	slices.SortFunc(others, func(a, b *Peer) int { return cmp.Compare(a.seq, b.seq) })

	n := min(numWant, len(others))
	snap.Peers = make([]PeerInfo, n)
	for i, p := range others[:n] {
		snap.Peers[i] = PeerInfo{ID: p.ID, Addr: p.Addr}
	}
	return snap
}

// Prune removes peers that have not announced within ttl and unlinks swarms
// left empty. Returns the number of peers removed.
func (r *Registry) Prune(now time.Time, ttl time.Duration) int {
	deadline := now.Add(-ttl)

	// Phase 1: Clean peers and identify empty swarms
	removed, empty := r.prunePeersAndFindEmpty(deadline)

	// Phase 2: Remove empty swarms
	if len(empty) > 0 {
		r.removeEmptySwarms(empty)
	}
	return removed
}

// prunePeersAndFindEmpty sweeps every swarm under its own lock.
func (r *Registry) prunePeersAndFindEmpty(deadline time.Time) (removed int, empty []InfoHash) {
	// Snapshot so announces keep creating swarms during the sweep
	r.mu.RLock()
	swarms := make(map[InfoHash]*Swarm, len(r.swarms))
	for h, s := range r.swarms {
		swarms[h] = s
	}
	r.mu.RUnlock()

	for hash, s := range swarms {
		n, isEmpty := s.pruneStale(deadline)
		removed += n
		if isEmpty {
			empty = append(empty, hash)
		}
	}
	return removed, empty
}

// pruneStale removes peers last seen before deadline.
// Returns how many were removed and whether the swarm is now empty.
func (s *Swarm) pruneStale(deadline time.Time) (removed int, isEmpty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return 0, false
	}
	for key, p := range s.peers {
		if p.LastAnnounced.Before(deadline) {
			if p.Left == 0 {
				s.seeders--
			} else {
				s.leechers--
			}
			delete(s.peers, key)
			removed++
			if debugEnabled.Load() {
				debug("prune: removed stale peer %q @ %s", p.ID, key)
			}
		}
	}
	return removed, len(s.peers) == 0
}

// removeEmptySwarms unlinks swarms that are still empty after the sweep.
// Lock ordering: registry -> swarm.
func (r *Registry) removeEmptySwarms(empty []InfoHash) {
	r.mu.Lock()
	for _, hash := range empty {
		s, ok := r.swarms[hash]
		if !ok {
			continue
		}
		s.mu.Lock()
		if len(s.peers) == 0 {
			s.removed = true
			delete(r.swarms, hash)
			if debugEnabled.Load() {
				debug("prune: removed inactive swarm %s", hash.String())
			}
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()
}

// pruneLoop periodically runs Prune until ctx is canceled.
func (r *Registry) pruneLoop(ctx context.Context, every, ttl time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Prune(r.clock.Now(), ttl); removed > 0 {
				info("pruned %d stale peers, %d swarms active", removed, r.Len())
			}
		}
	}
}
