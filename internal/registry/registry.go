package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
	"github.com/rs/xid"
)

// Registry holds every connected peer and the room membership sets. Rooms
// are implicit: created on first join, garbage-collected when the last
// member leaves.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	rooms map[string]map[string]struct{}
	pool  workerpool.WorkerPool
}

// NewRegistry creates an empty registry. pool, when non-nil, carries
// broadcast sends so one slow socket cannot stall the caller.
func NewRegistry(pool workerpool.WorkerPool) *Registry {
	return &Registry{
		peers: make(map[string]*Peer),
		rooms: make(map[string]map[string]struct{}),
		pool:  pool,
	}
}

// AddPeer mints a peer id, installs the record, and returns it.
func (r *Registry) AddPeer(conn Sender) *Peer {
	p := newPeer(xid.New().String(), conn)
	r.mu.Lock()
	r.peers[p.ID] = p
	r.mu.Unlock()
	return p
}

// GetPeer returns a peer record by id.
func (r *Registry) GetPeer(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// RemovePeer drops the peer from its room and from the registry, returning
// the record so the caller can release owned resources.
func (r *Registry) RemovePeer(id string) (*Peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.peers, id)
	r.leaveLocked(p)
	r.mu.Unlock()
	return p, true
}

// JoinRoom moves the peer into roomID, leaving any prior room first. The
// leave-then-join is atomic under the registry lock.
func (r *Registry) JoinRoom(peerID, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("roomId must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return fmt.Errorf("peer %s not found", peerID)
	}

	r.leaveLocked(p)

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[peerID] = struct{}{}
	p.setRoomID(roomID)
	return nil
}

// LeaveRoom removes the peer from its current room, if any.
func (r *Registry) LeaveRoom(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok {
		r.leaveLocked(p)
	}
}

// leaveLocked removes the peer from its room and deletes the room when it
// becomes empty. Caller holds r.mu.
func (r *Registry) leaveLocked(p *Peer) {
	roomID := p.RoomID()
	if roomID == "" {
		return
	}
	if members, ok := r.rooms[roomID]; ok {
		delete(members, p.ID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	p.setRoomID("")
}

// RoomPeers returns the ids of all members of a room.
func (r *Registry) RoomPeers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// Counts reports the number of live peers and rooms.
func (r *Registry) Counts() (peers, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers), len(r.rooms)
}

// Broadcast fans payload out to every live member of roomID. Per-peer send
// failures are logged and swallowed; a broken socket never aborts the fanout.
func (r *Registry) Broadcast(ctx context.Context, roomID string, payload any) {
	r.mu.RLock()
	targets := make([]*Peer, 0)
	if members, ok := r.rooms[roomID]; ok {
		for id := range members {
			if p, ok := r.peers[id]; ok {
				targets = append(targets, p)
			}
		}
	}
	r.mu.RUnlock()

	for _, p := range targets {
		p := p
		send := func() {
			if err := p.Send(payload); err != nil {
				util.Log(ctx).WithError(err).Error(
					fmt.Sprintf("broadcast: send to peer %s in room %s failed", p.ID, roomID))
			}
		}
		if r.pool != nil {
			if err := r.pool.Submit(ctx, send); err != nil {
				send()
			}
		} else {
			send()
		}
	}
}
