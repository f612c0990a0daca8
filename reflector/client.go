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
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ShaYmez/urfd/callsign"
	"github.com/ShaYmez/urfd/protocol"
)

// Endpoint is an IP+port UDP peer address. Peer lookup equality ignores
// Port; Client lookup equality includes it (§3).
type Endpoint struct {
	IP   net.IP
	Port int
}

// PeerKey returns the comparable key used for peer-level lookups,
// which ignore the source port.
func (e Endpoint) PeerKey() string {
	return e.IP.String()
}

// ClientKey returns the comparable key used for client-level lookups,
// which include the source port.
func (e Endpoint) ClientKey() string {
	return e.IP.String() + "/" + strconv.Itoa(e.Port)
}

// Client represents one module-subscription endpoint, on a local
// gateway or on a remote peer. Owned by at most one Peer, or by no
// Peer at all (a directly-connected local gateway client).
type Client struct {
	mu sync.Mutex

	Callsign callsign.Callsign
	Endpoint Endpoint
	Module   byte
	Revision protocol.Rev
	LastSeen time.Time
	master   bool
}

// NewClient builds a Client for the given callsign/endpoint/module/revision.
func NewClient(cs callsign.Callsign, ep Endpoint, module byte, rev protocol.Rev) *Client {
	return &Client{
		Callsign: cs,
		Endpoint: ep,
		Module:   module,
		Revision: rev,
		LastSeen: time.Now(),
	}
}

// IsMaster reports whether this client currently owns the transmitting
// end of an open stream, and therefore must be skipped during fan-out.
func (c *Client) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master
}

// SetMaster sets or clears the master flag.
func (c *Client) SetMaster(master bool) {
	c.mu.Lock()
	c.master = master
	c.mu.Unlock()
}

// Touch stamps LastSeen to now.
func (c *Client) Touch() {
	c.mu.Lock()
	c.LastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeenAt returns the last-touched timestamp.
func (c *Client) LastSeenAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastSeen
}
