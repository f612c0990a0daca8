/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reflector

import (
	"sync"

	"github.com/ShaYmez/urfd/callsign"
	"github.com/ShaYmez/urfd/protocol"
)

// Reflector owns the three shared collections named in §5 — Peers,
// Clients, Users — each guarded by its own exclusive lock, plus the
// StreamRegistry. A task may hold at most one of {Peers, Clients,
// Users} at a time; nested acquisition across these three is forbidden
// to prevent deadlock (§5). GetX/ReleaseX bracket that borrow.
type Reflector struct {
	peersMu sync.Mutex
	peers   *PeerRegistry

	clientsMu sync.Mutex
	clients   *ClientRegistry

	usersMu sync.Mutex
	users   *Users

	Streams *StreamRegistry
}

// New returns an empty Reflector.
func New() *Reflector {
	return &Reflector{
		peers:   NewPeerRegistry(),
		clients: NewClientRegistry(),
		users:   NewUsers(),
		Streams: NewStreamRegistry(),
	}
}

// GetPeers returns a locked borrow of the peer registry.
func (r *Reflector) GetPeers() *PeerRegistry {
	r.peersMu.Lock()
	return r.peers
}

// ReleasePeers releases the borrow obtained by GetPeers.
func (r *Reflector) ReleasePeers() {
	r.peersMu.Unlock()
}

// GetClients returns a locked borrow of the client registry.
func (r *Reflector) GetClients() *ClientRegistry {
	r.clientsMu.Lock()
	return r.clients
}

// ReleaseClients releases the borrow obtained by GetClients.
func (r *Reflector) ReleaseClients() {
	r.clientsMu.Unlock()
}

// GetUsers returns a locked borrow of the last-heard ring.
func (r *Reflector) GetUsers() *Users {
	r.usersMu.Lock()
	return r.users
}

// ReleaseUsers releases the borrow obtained by GetUsers.
func (r *Reflector) ReleaseUsers() {
	r.usersMu.Unlock()
}

// StreamHandle is the result of a successful OpenStream: enough
// information for the caller to track and later close the stream
// without holding a reference into the registry's internals.
type StreamHandle struct {
	ID     uint16
	Module byte
}

// OpenStream locates the Client that should own a new stream (by
// endpoint, protocol-kind, and the DvHeader's rpt2 module), and
// requests registration from StreamRegistry. Returns false if no such
// client exists, or if the stream id is already live.
func (r *Reflector) OpenStream(header protocol.DvHeader, ep Endpoint, fromPeer bool) (StreamHandle, bool) {
	module := header.Rpt2Module()

	var owner *Client
	if fromPeer {
		peers := r.GetPeers()
		p, ok := peers.Get(ep)
		r.ReleasePeers()
		if !ok {
			return StreamHandle{}, false
		}
		owner, ok = p.ClientForModule(module)
		if !ok {
			return StreamHandle{}, false
		}
	} else {
		clients := r.GetClients()
		c, ok := clients.Get(ep, module)
		r.ReleaseClients()
		if !ok {
			return StreamHandle{}, false
		}
		owner = c
	}

	s, ok := r.Streams.OpenStream(header.StreamID, module, owner)
	if !ok {
		return StreamHandle{}, false
	}

	users := r.GetUsers()
	users.Hearing(header.My, module)
	r.ReleaseUsers()

	return StreamHandle{ID: s.ID, Module: s.Module}, true
}

// ClearMasterAt clears the master flag of whichever client (peer-owned
// or local) is registered at ep, across whichever module it is
// currently master for. Used by StreamRegistry.Close/TimeoutScan to
// release a stream's owner without the registry holding a strong
// client reference.
func (r *Reflector) ClearMasterAt(ep Endpoint) {
	peers := r.GetPeers()
	if p, ok := peers.Get(ep); ok {
		for _, c := range p.Clients() {
			if c.IsMaster() {
				c.SetMaster(false)
			}
		}
	}
	r.ReleasePeers()

	clients := r.GetClients()
	for _, c := range clients.All() {
		if c.Endpoint.ClientKey() == ep.ClientKey() && c.IsMaster() {
			c.SetMaster(false)
		}
	}
	r.ReleaseClients()
}

// RemovePeer removes a peer and, transitively, its clients (§3: removing
// the Peer removes those Clients atomically since they are reachable
// only through it).
func (r *Reflector) RemovePeer(ep Endpoint) {
	peers := r.GetPeers()
	peers.Delete(ep)
	r.ReleasePeers()
}

// FindPeerByCallsign returns the live peer matching cs, if any.
func (r *Reflector) FindPeerByCallsign(cs callsign.Callsign) (*Peer, bool) {
	peers := r.GetPeers()
	defer r.ReleasePeers()
	return peers.FindByCallsign(cs)
}
