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
)

// PeerRegistry is a locked collection of live Peers, keyed by their
// endpoint (peer lookup ignores source port per §3). Grounded on
// ptp4u's syncMapCli: a mutex-guarded map with load/store/delete/keys.
type PeerRegistry struct {
	mu sync.Mutex
	m  map[string]*Peer
}

// NewPeerRegistry returns an empty PeerRegistry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{m: make(map[string]*Peer)}
}

// Get returns the peer at ep, if any.
func (r *PeerRegistry) Get(ep Endpoint) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[ep.PeerKey()]
	return p, ok
}

// Store inserts or replaces the peer at its own endpoint.
func (r *PeerRegistry) Store(p *Peer) {
	r.mu.Lock()
	r.m[p.Endpoint.PeerKey()] = p
	r.mu.Unlock()
}

// Delete removes the peer at ep. Removing a Peer removes its Clients
// atomically since they are reachable only through it (§3).
func (r *PeerRegistry) Delete(ep Endpoint) {
	r.mu.Lock()
	delete(r.m, ep.PeerKey())
	r.mu.Unlock()
}

// FindByCallsign returns the first peer whose callsign matches cs.
func (r *PeerRegistry) FindByCallsign(cs callsign.Callsign) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.m {
		if p.Callsign.HasSameCallsign(cs) {
			return p, true
		}
	}
	return nil, false
}

// All returns a snapshot slice of every live peer.
func (r *PeerRegistry) All() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.m))
	for _, p := range r.m {
		out = append(out, p)
	}
	return out
}

// Len reports the number of live peers.
func (r *PeerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// ClientRegistry is a locked collection of Clients not owned by any
// Peer: local-gateway clients directly attached to this reflector.
// Keyed by (ip, port, module) since client lookup includes source
// port (§3).
type ClientRegistry struct {
	mu sync.Mutex
	m  map[string]*Client
}

// NewClientRegistry returns an empty ClientRegistry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{m: make(map[string]*Client)}
}

func clientKey(ep Endpoint, module byte) string {
	return ep.ClientKey() + "/" + string(module)
}

// Get returns the client at (ep, module), if any.
func (r *ClientRegistry) Get(ep Endpoint, module byte) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.m[clientKey(ep, module)]
	return c, ok
}

// Store inserts or replaces a client.
func (r *ClientRegistry) Store(c *Client) {
	r.mu.Lock()
	r.m[clientKey(c.Endpoint, c.Module)] = c
	r.mu.Unlock()
}

// Delete removes the client at (ep, module).
func (r *ClientRegistry) Delete(ep Endpoint, module byte) {
	r.mu.Lock()
	delete(r.m, clientKey(ep, module))
	r.mu.Unlock()
}

// All returns a snapshot slice of every locally-registered client.
func (r *ClientRegistry) All() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.m))
	for _, c := range r.m {
		out = append(out, c)
	}
	return out
}
