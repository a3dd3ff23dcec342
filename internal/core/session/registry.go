// Package session tracks live connections and the documents they have joined.
package session

import (
	"context"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/vantagenotes/notesync/internal/core/protocol"
)

// Peer is the sending half of one live connection.
type Peer interface {
	ID() string
	Send(ctx context.Context, msg protocol.ServerMessage) error
}

// Registry maps each document to the peers that joined it. It only lives in
// memory and starts empty.
type Registry struct {
	mu      sync.RWMutex
	members map[string]mapset.Set[string]
	peers   map[string]Peer
	joined  map[string]mapset.Set[string]
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]mapset.Set[string]),
		peers:   make(map[string]Peer),
		joined:  make(map[string]mapset.Set[string]),
	}
}

// Join adds peer to docID. It reports false if the peer was already a member.
func (r *Registry) Join(docID string, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[docID]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		r.members[docID] = set
	}
	if !set.Add(peer.ID()) {
		return false
	}

	r.peers[peer.ID()] = peer
	docs, ok := r.joined[peer.ID()]
	if !ok {
		docs = mapset.NewThreadUnsafeSet[string]()
		r.joined[peer.ID()] = docs
	}
	docs.Add(docID)
	return true
}

// Leave removes the peer from docID. It reports false if it was not a member.
func (r *Registry) Leave(docID, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(docID, peerID)
}

func (r *Registry) leaveLocked(docID, peerID string) bool {
	set, ok := r.members[docID]
	if !ok || !set.Contains(peerID) {
		return false
	}
	set.Remove(peerID)
	if set.Cardinality() == 0 {
		delete(r.members, docID)
	}

	if docs, ok := r.joined[peerID]; ok {
		docs.Remove(docID)
		if docs.Cardinality() == 0 {
			delete(r.joined, peerID)
			delete(r.peers, peerID)
		}
	}
	return true
}

// LeaveAll removes the peer from every document and returns those documents.
func (r *Registry) LeaveAll(peerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs, ok := r.joined[peerID]
	if !ok {
		return nil
	}
	left := docs.ToSlice()
	sort.Strings(left)
	for _, docID := range left {
		r.leaveLocked(docID, peerID)
	}
	return left
}

// Members returns the peers of docID ordered by id.
func (r *Registry) Members(docID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.members[docID]
	if !ok {
		return nil
	}
	ids := set.ToSlice()
	sort.Strings(ids)
	out := make([]Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.peers[id])
	}
	return out
}

// Others returns the members of docID except the peer with id exclude.
func (r *Registry) Others(docID, exclude string) []Peer {
	members := r.Members(docID)
	out := members[:0:0]
	for _, p := range members {
		if p.ID() != exclude {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) Count(docID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if set, ok := r.members[docID]; ok {
		return set.Cardinality()
	}
	return 0
}

func (r *Registry) IsMember(docID, peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.members[docID]
	return ok && set.Contains(peerID)
}

// Documents lists the documents with at least one member.
func (r *Registry) Documents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for docID := range r.members {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out
}

// Peers is the number of distinct peers joined to any document.
func (r *Registry) Peers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
