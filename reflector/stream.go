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
	"time"
)

// Stream is one open digital-voice transmission, keyed by its 16-bit
// stream id. Opened on first valid DvHeader whose rpt2 module matches
// an existing Client; closed on last-frame or on inactivity beyond the
// timeout given to TimeoutScan. Removing the owning Client does not
// close the stream directly; the next timeout scan closes it once idle.
type Stream struct {
	mu sync.Mutex

	ID           uint16
	Module       byte
	OwnerCs      string // owning client's callsign, recorded when the stream is opened
	ownerEp      Endpoint
	lastPacket   time.Time
}

func newStream(id uint16, module byte, owner *Client) *Stream {
	return &Stream{
		ID:         id,
		Module:     module,
		OwnerCs:    owner.Callsign.String(),
		ownerEp:    owner.Endpoint,
		lastPacket: time.Now(),
	}
}

// Tickle stamps the stream's last-packet timestamp.
func (s *Stream) Tickle() {
	s.mu.Lock()
	s.lastPacket = time.Now()
	s.mu.Unlock()
}

// IdleSince reports how long the stream has been without a packet.
func (s *Stream) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastPacket)
}

// OwnerEndpoint returns the endpoint of the client that opened this
// stream, used to re-resolve the owning Client on demand rather than
// holding a strong reference to it (avoids a Stream keeping a removed
// Client's memory alive).
func (s *Stream) OwnerEndpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerEp
}

// StreamRegistry maps stream-id to open Stream.
type StreamRegistry struct {
	mu sync.Mutex
	m  map[uint16]*Stream
}

// NewStreamRegistry returns an empty StreamRegistry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{m: make(map[uint16]*Stream)}
}

// OpenStream creates and registers a new Stream for id, failing if a
// stream with this id is already live (the caller should Tickle the
// existing one instead).
func (r *StreamRegistry) OpenStream(id uint16, module byte, owner *Client) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[id]; exists {
		return nil, false
	}
	s := newStream(id, module, owner)
	r.m[id] = s
	owner.SetMaster(true)
	return s, true
}

// Get returns the open stream for id, if any.
func (r *StreamRegistry) Get(id uint16) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	return s, ok
}

// Close removes the stream for id and clears its owning client's
// master flag via the supplied lookup (the registry itself holds no
// strong client reference).
func (r *StreamRegistry) Close(id uint16, clearMaster func(Endpoint)) {
	r.mu.Lock()
	s, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	r.mu.Unlock()
	if ok && clearMaster != nil {
		clearMaster(s.OwnerEndpoint())
	}
}

// TimeoutScan closes every stream idle beyond timeout, invoking
// clearMaster with each closed stream's owner endpoint. Intended to be
// called once per PeerProtocol tick (§4.6).
func (r *StreamRegistry) TimeoutScan(timeout time.Duration, clearMaster func(Endpoint)) []uint16 {
	r.mu.Lock()
	var expired []uint16
	var owners []Endpoint
	for id, s := range r.m {
		if s.IdleSince() > timeout {
			expired = append(expired, id)
			owners = append(owners, s.OwnerEndpoint())
		}
	}
	for _, id := range expired {
		delete(r.m, id)
	}
	r.mu.Unlock()

	if clearMaster != nil {
		for _, ep := range owners {
			clearMaster(ep)
		}
	}
	return expired
}

// Len reports the number of open streams.
func (r *StreamRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
