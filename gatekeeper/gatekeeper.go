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

package gatekeeper

import (
	"net"
	"strings"
	"sync"

	"github.com/ShaYmez/urfd/callsign"
)

// Blacklist is a mutex-guarded set of denied IP addresses.
type Blacklist struct {
	mu   sync.Mutex
	ips  map[string]struct{}
}

// NewBlacklist returns an empty Blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{ips: make(map[string]struct{})}
}

// Add denies ip.
func (b *Blacklist) Add(ip net.IP) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ips[ip.String()] = struct{}{}
}

// Contains reports whether ip is denied.
func (b *Blacklist) Contains(ip net.IP) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.ips[ip.String()]
	return ok
}

// Gatekeeper composes the transmitter-allow, node-allow, and
// peer-allow access lists plus an IP blacklist into the two policy
// decisions the rest of the reflector needs: may a client key up a
// stream, and may a peer link.
type Gatekeeper struct {
	mu sync.Mutex

	TransmitAllow *List
	NodeAllow     *List
	PeerAllow     *List
	Blacklist     *Blacklist
}

// New returns a Gatekeeper with empty, unbound access lists.
func New() *Gatekeeper {
	return &Gatekeeper{
		TransmitAllow: NewList(),
		NodeAllow:     NewList(),
		PeerAllow:     NewList(),
		Blacklist:     NewBlacklist(),
	}
}

// MayTransmit reports whether cs is allowed to key up a stream from ip:
// listed (wildcard, no module filter) in the transmit-allow list, and ip
// is not blacklisted.
func (g *Gatekeeper) MayTransmit(cs callsign.Callsign, ip net.IP) bool {
	if g.Blacklist.Contains(ip) {
		return false
	}
	return g.TransmitAllow.IsCallsignListedWithWildcard(cs)
}

// MayLink reports whether cs is allowed to establish a peer link
// requesting requestedModules: listed in peer-allow with a module mask
// that is a superset of requestedModules, and ip not blacklisted. proto
// selects which sub-list is consulted (reserved for future multi-protocol
// deployments; today only the peer-allow list is checked).
func (g *Gatekeeper) MayLink(cs callsign.Callsign, ip net.IP, proto string, requestedModules string) bool {
	if g.Blacklist.Contains(ip) {
		return false
	}
	item, ok := g.PeerAllow.Find(cs)
	if !ok {
		return false
	}
	if !cs.HasSameCallsignWithWildcard(item.Callsign) {
		return false
	}
	return isSuperset(item.Modules, requestedModules)
}

// isSuperset reports whether every character of requested is present in
// mask, or mask is the wildcard "*".
func isSuperset(mask, requested string) bool {
	if mask == "*" {
		return true
	}
	for _, r := range requested {
		if !strings.ContainsRune(mask, r) {
			return false
		}
	}
	return true
}

// GetPeerList returns the locked peer-allow list. The caller must call
// ReleasePeerList when done; GetPeerList/ReleasePeerList bracket a read of
// PeerAllow's contents under Gatekeeper's own lock, mirroring the
// get_X/release_X borrow contract used by the Reflector's shared
// collections (§5).
func (g *Gatekeeper) GetPeerList() *List {
	g.mu.Lock()
	return g.PeerAllow
}

// ReleasePeerList releases the borrow obtained by GetPeerList.
func (g *Gatekeeper) ReleasePeerList() {
	g.mu.Unlock()
}
