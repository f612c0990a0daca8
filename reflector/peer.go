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
	"strings"
	"sync"
	"time"

	"github.com/ShaYmez/urfd/callsign"
	"github.com/ShaYmez/urfd/protocol"
)

// Kind distinguishes the tagged peer variants that replace the original
// implementation's CPeer subclass hierarchy (CUrfPeer vs CBmPeer): same
// struct, different revision-negotiation and keepalive-cadence rules.
type Kind int

const (
	KindURF Kind = iota
	KindBM
)

// KindFromCallsign tags a peer by the "BM*" wildcard convention used
// throughout the original implementation's connection-revision dispatch.
func KindFromCallsign(cs callsign.Callsign) Kind {
	if cs.HasPrefix("BM") {
		return KindBM
	}
	return KindURF
}

// NegotiateRevision maps an advertised Version to a protocol revision
// using the mapping appropriate to kind.
func (k Kind) NegotiateRevision(v protocol.Version) protocol.Rev {
	if k == KindBM {
		return protocol.BMRevision(v)
	}
	return protocol.URFRevision(v)
}

// Peer is one linked reflector or bridge, owning one Client per module
// letter in its Modules string.
type Peer struct {
	mu sync.Mutex

	Callsign callsign.Callsign
	Endpoint Endpoint
	Kind     Kind
	Modules  string
	Version  protocol.Version
	Revision protocol.Rev
	lastSeen time.Time

	clients map[byte]*Client
}

// NewPeer constructs a Peer and materializes one Client per module
// letter in modules.
func NewPeer(cs callsign.Callsign, ep Endpoint, kind Kind, modules string, version protocol.Version) *Peer {
	rev := kind.NegotiateRevision(version)
	p := &Peer{
		Callsign: cs,
		Endpoint: ep,
		Kind:     kind,
		Modules:  strings.ToUpper(modules),
		Version:  version,
		Revision: rev,
		lastSeen: time.Now(),
		clients:  make(map[byte]*Client),
	}
	for i := 0; i < len(p.Modules); i++ {
		m := p.Modules[i]
		p.clients[m] = NewClient(cs, ep, m, rev)
	}
	return p
}

// Clients returns the peer's per-module clients.
func (p *Peer) Clients() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}

// ClientForModule returns the peer's client for the given module
// letter, if any.
func (p *Peer) ClientForModule(module byte) (*Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[module]
	return c, ok
}

// Touch stamps the peer's last-keepalive timestamp.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// LastSeenAt returns the last-keepalive timestamp.
func (p *Peer) LastSeenAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// IsXRF reports whether this peer's callsign carries the "XRF*" prefix
// owned by other (non-URF) protocols, excluded from handle_peer_links
// reconnection attempts (§4.4).
func IsXRF(cs callsign.Callsign) bool {
	return cs.HasPrefix("XRF")
}
