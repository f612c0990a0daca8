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

package urfprotocol

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ShaYmez/urfd/callsign"
	"github.com/ShaYmez/urfd/gatekeeper"
	"github.com/ShaYmez/urfd/protocol"
	"github.com/ShaYmez/urfd/reflector"
	"github.com/ShaYmez/urfd/stats"
)

const (
	// receiveWait bounds each Task iteration's blocking read, so
	// shutdown latency is bounded even though there is no other
	// suspension point in the loop (§5).
	receiveWait = 20 * time.Millisecond

	keepAlivePeriod = 10 * time.Second
	reconnectPeriod = 10 * time.Second
	streamTimeout   = 200 * time.Millisecond
)

// wellKnownPort is the UDP port handlePeerLinks sends Connect packets to.
var wellKnownPort = 10017

// PeerProtocol is the core URF/XLX peering task: one instance owns a
// single UDP socket and runs the receive/classify/dispatch loop
// described in §4.4. The outer runtime cancels ctx to signal shutdown;
// there are no long blocking operations other than the bounded receive,
// which replaces the original implementation's polled-flag cancellation
// with idiomatic context.Context cancellation.
type PeerProtocol struct {
	conn *net.UDPConn

	gk  *gatekeeper.Gatekeeper
	ref *reflector.Reflector
	st  stats.Stats

	fanOut *FanOut

	lastKeepAlive time.Time
	lastPeerLink  time.Time

	drained int32

	streamMu sync.Mutex
	myModule map[uint16]byte // locally-opened streams this instance is tracking
}

// New constructs a PeerProtocol bound to conn.
func New(conn *net.UDPConn, gk *gatekeeper.Gatekeeper, ref *reflector.Reflector, st stats.Stats, fanOut *FanOut) *PeerProtocol {
	return &PeerProtocol{
		conn:          conn,
		gk:            gk,
		ref:           ref,
		st:            st,
		fanOut:        fanOut,
		lastKeepAlive: time.Now(),
		lastPeerLink:  time.Now(),
		myModule:      make(map[uint16]byte),
	}
}

// Run executes Task iterations until ctx is cancelled.
func (p *PeerProtocol) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.Task()
	}
}

// Task is one cooperative loop iteration (§4.4).
func (p *PeerProtocol) Task() {
	if buf, ep, ok := p.receive(); ok {
		p.classifyAndDispatch(buf, ep)
	}

	p.checkStreamsTimeout()

	if time.Since(p.lastKeepAlive) > keepAlivePeriod {
		p.handleKeepalives()
		p.lastKeepAlive = time.Now()
	}

	if !p.isDrained() && time.Since(p.lastPeerLink) > reconnectPeriod {
		p.handlePeerLinks()
		p.lastPeerLink = time.Now()
	}
}

// Drain pauses handlePeerLinks from initiating new connections.
func (p *PeerProtocol) Drain() {
	atomic.StoreInt32(&p.drained, 1)
	if p.st != nil {
		p.st.SetDrain(1)
	}
}

// Undrain resumes handlePeerLinks.
func (p *PeerProtocol) Undrain() {
	atomic.StoreInt32(&p.drained, 0)
	if p.st != nil {
		p.st.SetDrain(0)
	}
}

func (p *PeerProtocol) isDrained() bool { return atomic.LoadInt32(&p.drained) == 1 }

func (p *PeerProtocol) receive() ([]byte, reflector.Endpoint, bool) {
	buf := make([]byte, 1500)
	if err := p.conn.SetReadDeadline(time.Now().Add(receiveWait)); err != nil {
		log.Errorf("failed to set read deadline: %v", err)
		return nil, reflector.Endpoint{}, false
	}
	n, addr, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, reflector.Endpoint{}, false
		}
		log.Debugf("receive error: %v", err)
		return nil, reflector.Endpoint{}, false
	}
	return buf[:n], reflector.Endpoint{IP: addr.IP, Port: addr.Port}, true
}

// classifyAndDispatch implements the "first match wins" ordering of
// §4.4 step 2.
func (p *PeerProtocol) classifyAndDispatch(buf []byte, ep reflector.Endpoint) {
	kind := protocol.Classify(buf)
	if p.st != nil {
		p.st.IncRX(kind)
	}

	switch kind {
	case protocol.KindDvFrame:
		p.onDvFrame(buf, ep, false)
	case protocol.KindDvHeader:
		p.onDvHeader(buf, ep)
	case protocol.KindDvLastFrame:
		p.onDvFrame(buf, ep, true)
	case protocol.KindConnect:
		p.onConnect(buf, ep)
	case protocol.KindConnectAck:
		p.onConnectAck(buf, ep)
	case protocol.KindDisconnect:
		p.onDisconnect(buf, ep)
	case protocol.KindConnectNack:
		log.Debugf("nack packet from %s", ep.IP)
	case protocol.KindKeepAlive:
		p.onKeepAlive(buf, ep)
	default:
		if p.st != nil {
			p.st.IncMalformed()
		}
		log.Debugf("unknown packet from %s (%d bytes)", ep.IP, len(buf))
	}
}

func (p *PeerProtocol) onDvHeader(buf []byte, ep reflector.Endpoint) {
	header, err := protocol.ParseDvHeader(buf)
	if err != nil {
		if p.st != nil {
			p.st.IncMalformed()
		}
		return
	}
	if !p.gk.MayTransmit(header.My, ep.IP) {
		if p.st != nil {
			p.st.IncAuthDenied()
		}
		return
	}

	if s, ok := p.ref.Streams.Get(header.StreamID); ok {
		s.Tickle()
		return
	}

	handle, ok := p.ref.OpenStream(header, ep, true)
	if !ok {
		return
	}
	p.streamMu.Lock()
	p.myModule[handle.ID] = handle.Module
	p.streamMu.Unlock()
}

func (p *PeerProtocol) onDvFrame(buf []byte, ep reflector.Endpoint, last bool) {
	frame, err := protocol.ParseFrame(buf)
	if err != nil {
		if p.st != nil {
			p.st.IncMalformed()
		}
		return
	}
	frame.RemoteOrigin = true

	p.streamMu.Lock()
	module, tracked := p.myModule[frame.StreamID]
	p.streamMu.Unlock()
	if !tracked {
		if s, ok := p.ref.Streams.Get(frame.StreamID); ok {
			module = s.Module
			tracked = true
		}
	}
	if !tracked {
		return
	}

	if s, ok := p.ref.Streams.Get(frame.StreamID); ok {
		s.Tickle()
	}

	if p.fanOut != nil {
		p.fanOut.Push(OutboundPacket{
			StreamID:    frame.StreamID,
			Module:      module,
			LocalOrigin: true,
			Frame:       frame,
		})
	}

	if last {
		p.closeStream(frame.StreamID)
	}
}

func (p *PeerProtocol) closeStream(id uint16) {
	p.ref.Streams.Close(id, p.ref.ClearMasterAt)
	p.streamMu.Lock()
	delete(p.myModule, id)
	p.streamMu.Unlock()
}

func (p *PeerProtocol) checkStreamsTimeout() {
	expired := p.ref.Streams.TimeoutScan(streamTimeout, p.ref.ClearMasterAt)
	if len(expired) > 0 {
		p.streamMu.Lock()
		for _, id := range expired {
			delete(p.myModule, id)
		}
		p.streamMu.Unlock()
	}
	if p.st != nil {
		p.st.SetOpenStreams(int64(p.ref.Streams.Len()))
		if p.fanOut != nil {
			for i, d := range p.fanOut.QueueDepths() {
				p.st.SetWorkerQueue(i, int64(d))
			}
		}
	}
}

func (p *PeerProtocol) onConnect(buf []byte, ep reflector.Endpoint) {
	c, err := protocol.ParseConnect(buf)
	if err != nil {
		if p.st != nil {
			p.st.IncMalformed()
		}
		return
	}
	log.Infof("connect packet (v%d.%d.%d) for modules %s from %s at %s", c.Version.Major, c.Version.Minor, c.Version.Revision, c.Modules, c.Callsign, ep.IP)

	if !p.gk.MayLink(c.Callsign, ep.IP, "urf", c.Modules) {
		p.send(protocol.EncodeConnectNack(protocol.ConnectNack{Callsign: c.Callsign}), ep)
		return
	}

	kind := reflector.KindFromCallsign(c.Callsign)
	rev := kind.NegotiateRevision(c.Version)

	peers := p.ref.GetPeers()
	_, exists := peers.Get(ep)
	p.ref.ReleasePeers()

	switch rev {
	case protocol.Rev0:
		// A revision-0 caller gets no repeat ConnectAck once a peer exists
		// at this endpoint, while revision 1+ callers are always acked.
		// This asymmetry is kept deliberately; see DESIGN.md, Open Questions.
		if !exists {
			p.send(protocol.EncodeConnectAck(protocol.ConnectAck{Callsign: localCallsign, Version: protocol.OurVersion, Modules: c.Modules}), ep)
		}
	default:
		p.send(protocol.EncodeConnectAck(protocol.ConnectAck{Callsign: localCallsign, Version: protocol.OurVersion, Modules: c.Modules}), ep)
	}
}

func (p *PeerProtocol) onConnectAck(buf []byte, ep reflector.Endpoint) {
	a, err := protocol.ParseConnectAck(buf)
	if err != nil {
		if p.st != nil {
			p.st.IncMalformed()
		}
		return
	}
	log.Infof("ack packet for modules %s from %s at %s", a.Modules, a.Callsign, ep.IP)

	if !p.gk.MayLink(a.Callsign, ep.IP, "urf", a.Modules) {
		return
	}

	peers := p.ref.GetPeers()
	defer p.ref.ReleasePeers()
	if _, exists := peers.Get(ep); exists {
		return
	}

	kind := reflector.KindFromCallsign(a.Callsign)
	peer := reflector.NewPeer(a.Callsign, ep, kind, a.Modules, a.Version)
	peers.Store(peer)
	if p.st != nil {
		p.st.IncPeerConnect()
		p.st.SetLivePeers(int64(peers.Len()))
	}
}

func (p *PeerProtocol) onDisconnect(buf []byte, ep reflector.Endpoint) {
	d, err := protocol.ParseDisconnect(buf)
	if err != nil {
		if p.st != nil {
			p.st.IncMalformed()
		}
		return
	}
	log.Infof("disconnect packet from %s at %s", d.Callsign, ep.IP)

	peers := p.ref.GetPeers()
	_, exists := peers.Get(ep)
	if exists {
		peers.Delete(ep)
	}
	n := peers.Len()
	p.ref.ReleasePeers()
	if exists && p.st != nil {
		p.st.IncPeerDisconnect()
		p.st.SetLivePeers(int64(n))
	}
}

func (p *PeerProtocol) onKeepAlive(_ []byte, ep reflector.Endpoint) {
	peers := p.ref.GetPeers()
	peer, ok := peers.Get(ep)
	p.ref.ReleasePeers()
	if ok {
		peer.Touch()
	}
}

// handleKeepalives sends KeepAlive to every live peer and disconnects
// any peer that has gone silent beyond peerTimeout, mirroring
// HandleKeepalives in the original implementation.
func (p *PeerProtocol) handleKeepalives() {
	ka := protocol.EncodeKeepAlive(protocol.KeepAlive{Callsign: localCallsign})

	peers := p.ref.GetPeers()
	defer p.ref.ReleasePeers()

	for _, peer := range peers.All() {
		p.send(ka, peer.Endpoint)

		master := false
		for _, c := range peer.Clients() {
			if c.IsMaster() {
				master = true
				break
			}
		}
		if master {
			peer.Touch()
			continue
		}
		if time.Since(peer.LastSeenAt()) > peerTimeout {
			p.send(protocol.EncodeDisconnect(protocol.Disconnect{Callsign: localCallsign}), peer.Endpoint)
			log.Infof("peer %s keepalive timeout", peer.Callsign)
			peers.Delete(peer.Endpoint)
			if p.st != nil {
				p.st.IncPeerDisconnect()
			}
		}
	}
}

// handlePeerLinks reconciles the gatekeeper's peer-allow list against
// the live peer set: disconnects peers no longer listed, and
// (re)connects listed peers (other than XRF*, owned by other
// protocols) that are not currently linked (§4.4).
func (p *PeerProtocol) handlePeerLinks() {
	allow := p.gk.GetPeerList()
	defer p.gk.ReleasePeerList()

	peers := p.ref.GetPeers()
	defer p.ref.ReleasePeers()

	for _, peer := range peers.All() {
		if _, ok := allow.Find(peer.Callsign); !ok {
			p.send(protocol.EncodeDisconnect(protocol.Disconnect{Callsign: localCallsign}), peer.Endpoint)
			log.Infof("sending disconnect to peer %s (no longer allow-listed)", peer.Callsign)
			peers.Delete(peer.Endpoint)
		}
	}

	for _, item := range allow.Snapshot() {
		if reflector.IsXRF(item.Callsign) {
			continue
		}
		if _, ok := peers.FindByCallsign(item.Callsign); ok {
			continue
		}
		_ = allow.ResolveIP(item.Callsign)
		resolved, _ := allow.Find(item.Callsign)
		connectEp := reflector.Endpoint{IP: resolved.IP, Port: wellKnownPort}
		p.send(protocol.EncodeConnect(protocol.Connect{Callsign: localCallsign, Version: protocol.OurVersion, Modules: item.Modules}), connectEp)
		log.Infof("sending connect to peer %s @ %s for modules %s", item.Callsign, connectEp.IP, item.Modules)
	}
}

func (p *PeerProtocol) send(buf []byte, ep reflector.Endpoint) {
	if _, err := p.conn.WriteToUDP(buf, &net.UDPAddr{IP: ep.IP, Port: ep.Port}); err != nil {
		log.Debugf("send error to %s: %v", ep.IP, err)
		return
	}
	if p.st != nil {
		p.st.IncTX(protocol.Classify(buf))
	}
}

// peerTimeout is how long a non-master peer may go without a
// KeepAlive before handleKeepalives disconnects it.
var peerTimeout = 3 * keepAlivePeriod

// localCallsign is this reflector's own callsign, used as the sender
// identity in KeepAlive/Connect/Disconnect packets. Set once at
// startup via SetLocalCallsign.
var localCallsign = callsign.Empty

// SetLocalCallsign sets the callsign this instance advertises to peers.
func SetLocalCallsign(cs callsign.Callsign) { localCallsign = cs }
