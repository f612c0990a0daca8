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

// Package urfprotocol implements the PeerProtocol task: the UDP
// receive/classify/dispatch loop, keepalive and peer-reconnection
// housekeeping, and the outbound stream-packet fan-out.
package urfprotocol

import (
	"net"

	"github.com/ShaYmez/urfd/protocol"
	"github.com/ShaYmez/urfd/reflector"
	"github.com/ShaYmez/urfd/stats"
)

// OutboundPacket is a stream packet queued by another protocol handler
// for cross-reflector fan-out (§4.5).
type OutboundPacket struct {
	StreamID    uint16
	Module      byte
	LocalOrigin bool
	Frame       protocol.Frame
}

// Sender is the minimal UDP send surface the fan-out workers need; a
// thin wrapper over *net.UDPConn in production, a recording fake in
// tests.
type Sender interface {
	SendTo(buf []byte, ip net.IP, port int) error
}

// UDPSender adapts a *net.UDPConn to Sender.
type UDPSender struct {
	Conn *net.UDPConn
}

// SendTo writes buf to ip:port.
func (u *UDPSender) SendTo(buf []byte, ip net.IP, port int) error {
	_, err := u.Conn.WriteToUDP(buf, &net.UDPAddr{IP: ip, Port: port})
	return err
}

// fanOutWorker drains one affinity class of the outbound queue. All
// packets for a given stream id are routed to the same worker (see
// affinity), so per-stream ordering is preserved without a global
// lock on the send path — deliberately different from ptp4u's
// findWorker, which load-balances by a hash of the client identity
// rather than by a value that must stay ordered.
type fanOutWorker struct {
	id     int
	queue  chan OutboundPacket
	ref    *reflector.Reflector
	sender Sender
	stats  stats.Stats
}

func newFanOutWorker(id, queueSize int, ref *reflector.Reflector, sender Sender, st stats.Stats) *fanOutWorker {
	return &fanOutWorker{
		id:     id,
		queue:  make(chan OutboundPacket, queueSize),
		ref:    ref,
		sender: sender,
		stats:  st,
	}
}

func (w *fanOutWorker) run() {
	for pkt := range w.queue {
		w.deliver(pkt)
	}
}

// deliver implements handle_queue's per-packet fan-out logic (§4.5):
// drop non-local-origin packets, encode once to the 45-byte form, skip
// masters and module mismatches, pick legacy vs rev2 encoding by the
// client's negotiated revision.
func (w *fanOutWorker) deliver(pkt OutboundPacket) {
	if !pkt.LocalOrigin {
		return
	}

	rev2 := protocol.EncodeFrame(pkt.Frame)
	legacy := protocol.Truncate27(rev2)

	clients := w.ref.GetClients()
	snapshot := clients.All()
	w.ref.ReleaseClients()

	for _, c := range snapshot {
		if c.IsMaster() {
			continue
		}
		if c.Module != pkt.Module {
			continue
		}
		buf := legacy
		if c.Revision == protocol.Rev2 {
			buf = rev2
		}
		if err := w.sender.SendTo(buf, c.Endpoint.IP, c.Endpoint.Port); err == nil && w.stats != nil {
			kind := protocol.KindDvFrame
			if pkt.Frame.Last {
				kind = protocol.KindDvLastFrame
			}
			w.stats.IncTX(kind)
		}
	}
}

// FanOut is the outbound-queue fan-out worker pool (§4.5.1, grounded
// on ptp4u's sendWorker pool, generalized from random load-balancing to
// stream-id affinity).
type FanOut struct {
	workers []*fanOutWorker
}

// NewFanOut starts numWorkers fan-out workers, each with its own
// queueSize-deep channel.
func NewFanOut(numWorkers, queueSize int, ref *reflector.Reflector, sender Sender, st stats.Stats) *FanOut {
	if numWorkers < 1 {
		numWorkers = 1
	}
	f := &FanOut{workers: make([]*fanOutWorker, numWorkers)}
	for i := range f.workers {
		f.workers[i] = newFanOutWorker(i, queueSize, ref, sender, st)
		go f.workers[i].run()
	}
	return f
}

// affinity maps a stream id to a worker index. Using the stream id
// itself (not a random or least-busy choice) guarantees every packet
// belonging to the same stream is processed by the same worker, in
// the order it was pushed.
func (f *FanOut) affinity(streamID uint16) int {
	return int(streamID) % len(f.workers)
}

// Push enqueues pkt onto its affinity worker's queue.
func (f *FanOut) Push(pkt OutboundPacket) {
	f.workers[f.affinity(pkt.StreamID)].queue <- pkt
}

// QueueDepths returns the current depth of every worker's queue, for
// stats reporting.
func (f *FanOut) QueueDepths() []int {
	depths := make([]int, len(f.workers))
	for i, w := range f.workers {
		depths[i] = len(w.queue)
	}
	return depths
}

// Close stops accepting new work by closing every worker's queue. Any
// already-queued packets are still delivered before each worker
// goroutine exits.
func (f *FanOut) Close() {
	for _, w := range f.workers {
		close(w.queue)
	}
}
