package urfprotocol

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShaYmez/urfd/callsign"
	"github.com/ShaYmez/urfd/gatekeeper"
	"github.com/ShaYmez/urfd/protocol"
	"github.com/ShaYmez/urfd/reflector"
)

func writeAllowFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peers.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// udpPair returns a PeerProtocol bound to one loopback socket, and a
// second loopback socket standing in for a remote peer.
func udpPair(t *testing.T, gk *gatekeeper.Gatekeeper, ref *reflector.Reflector) (*PeerProtocol, *net.UDPConn) {
	t.Helper()
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})

	fanOut := NewFanOut(1, 8, ref, &UDPSender{Conn: local}, nil)
	t.Cleanup(fanOut.Close)

	p := New(local, gk, ref, nil, fanOut)
	SetLocalCallsign(callsign.New("URF123 A"))
	return p, remote
}

func recvFrom(t *testing.T, conn *net.UDPConn, n int) []byte {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	read, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, n, read)
	return buf[:read]
}

// TestConnectHandshakeRev2 is scenario 1 (§8): a Connect from an
// allow-listed peer is ACKed but creates no Peer until the
// counter-party's own ConnectAck arrives.
func TestConnectHandshakeRev2(t *testing.T) {
	gk := gatekeeper.New()
	require.NoError(t, gk.PeerAllow.LoadFromFile(writeAllowFile(t, "N7TAE A\n")))
	ref := reflector.New()
	p, remote := udpPair(t, gk, ref)
	remoteAddr := p.conn.LocalAddr().(*net.UDPAddr)

	connect := protocol.EncodeConnect(protocol.Connect{
		Callsign: callsign.New("N7TAE"),
		Version:  protocol.Version{Major: 2, Minor: 0, Revision: 1},
		Modules:  "A",
	})
	_, err := remote.WriteToUDP(connect, remoteAddr)
	require.NoError(t, err)
	p.Task()

	ack, err := protocol.ParseConnectAck(recvFrom(t, remote, 39))
	require.NoError(t, err)
	require.Equal(t, "A", ack.Modules)

	peers := ref.GetPeers()
	require.Equal(t, 0, peers.Len())
	ref.ReleasePeers()

	ackBack := protocol.EncodeConnectAck(protocol.ConnectAck{
		Callsign: callsign.New("N7TAE"),
		Version:  protocol.Version{Major: 2, Minor: 0, Revision: 1},
		Modules:  "A",
	})
	_, err = remote.WriteToUDP(ackBack, remoteAddr)
	require.NoError(t, err)
	p.Task()

	peers = ref.GetPeers()
	defer ref.ReleasePeers()
	peer, ok := peers.FindByCallsign(callsign.New("N7TAE"))
	require.True(t, ok)
	_, ok = peer.ClientForModule('A')
	require.True(t, ok)
}

// TestUnauthorizedConnect is scenario 2 (§8): a Connect from a callsign
// absent from the peer-allow list is NACKed and creates no Peer.
func TestUnauthorizedConnect(t *testing.T) {
	gk := gatekeeper.New()
	ref := reflector.New()
	p, remote := udpPair(t, gk, ref)
	remoteAddr := p.conn.LocalAddr().(*net.UDPAddr)

	connect := protocol.EncodeConnect(protocol.Connect{
		Callsign: callsign.New("N7TAE"),
		Version:  protocol.Version{Major: 2, Minor: 0, Revision: 1},
		Modules:  "A",
	})
	_, err := remote.WriteToUDP(connect, remoteAddr)
	require.NoError(t, err)
	p.Task()

	nack, err := protocol.ParseConnectNack(recvFrom(t, remote, 10))
	require.NoError(t, err)
	require.Equal(t, "N7TAE", nack.Callsign.String())

	peers := ref.GetPeers()
	defer ref.ReleasePeers()
	require.Equal(t, 0, peers.Len())
}

// TestConnectRev0SuppressesDuplicateAck preserves the open question in
// §9: a revision-0 Connect from an already-linked peer is silently
// dropped, not re-ACKed, while revision-1+ always ACKs.
func TestConnectRev0SuppressesDuplicateAck(t *testing.T) {
	gk := gatekeeper.New()
	require.NoError(t, gk.PeerAllow.LoadFromFile(writeAllowFile(t, "N7TAE A\n")))
	ref := reflector.New()
	p, remote := udpPair(t, gk, ref)
	localAddr := p.conn.LocalAddr().(*net.UDPAddr)
	remoteAddr := remote.LocalAddr().(*net.UDPAddr)

	peers := ref.GetPeers()
	peers.Store(reflector.NewPeer(callsign.New("N7TAE"), reflector.Endpoint{IP: remoteAddr.IP, Port: remoteAddr.Port}, reflector.KindURF, "A", protocol.Version{Major: 0, Minor: 9, Revision: 0}))
	ref.ReleasePeers()

	connect := protocol.EncodeConnect(protocol.Connect{
		Callsign: callsign.New("N7TAE"),
		Version:  protocol.Version{Major: 0, Minor: 9, Revision: 0},
		Modules:  "A",
	})
	_, err := remote.WriteToUDP(connect, localAddr)
	require.NoError(t, err)
	p.Task()

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	buf := make([]byte, 1500)
	_, _, err = remote.ReadFromUDP(buf)
	require.Error(t, err, "rev0 duplicate connect must not be re-acked")
}

// TestKeepaliveTimeoutDisconnectsPeer is scenario 3 (§8): a peer with
// no master client that has gone silent past peerTimeout is
// disconnected on the next keepalive tick.
func TestKeepaliveTimeoutDisconnectsPeer(t *testing.T) {
	orig := peerTimeout
	peerTimeout = 5 * time.Millisecond
	defer func() { peerTimeout = orig }()

	gk := gatekeeper.New()
	ref := reflector.New()
	p, remote := udpPair(t, gk, ref)
	remoteAddr := remote.LocalAddr().(*net.UDPAddr)

	peer := reflector.NewPeer(callsign.New("N7TAE"), reflector.Endpoint{IP: remoteAddr.IP, Port: remoteAddr.Port}, reflector.KindURF, "A", protocol.OurVersion)
	peers := ref.GetPeers()
	peers.Store(peer)
	ref.ReleasePeers()

	time.Sleep(10 * time.Millisecond)
	p.handleKeepalives()

	_, err := protocol.ParseKeepAlive(recvFrom(t, remote, 9))
	require.NoError(t, err)

	disc, err := protocol.ParseDisconnect(recvFrom(t, remote, 10))
	require.NoError(t, err)
	require.Equal(t, "URF123 A", disc.Callsign.String())

	peers = ref.GetPeers()
	defer ref.ReleasePeers()
	_, ok := peers.FindByCallsign(callsign.New("N7TAE"))
	require.False(t, ok)
}

// TestKeepaliveSkipsLivePeerWithMaster: a peer with a currently
// transmitting (master) client is tickled, never timed out, even past
// peerTimeout.
func TestKeepaliveSkipsLivePeerWithMaster(t *testing.T) {
	orig := peerTimeout
	peerTimeout = 5 * time.Millisecond
	defer func() { peerTimeout = orig }()

	gk := gatekeeper.New()
	ref := reflector.New()
	p, remote := udpPair(t, gk, ref)
	remoteAddr := remote.LocalAddr().(*net.UDPAddr)

	peer := reflector.NewPeer(callsign.New("N7TAE"), reflector.Endpoint{IP: remoteAddr.IP, Port: remoteAddr.Port}, reflector.KindURF, "A", protocol.OurVersion)
	c, ok := peer.ClientForModule('A')
	require.True(t, ok)
	c.SetMaster(true)
	peers := ref.GetPeers()
	peers.Store(peer)
	ref.ReleasePeers()

	time.Sleep(10 * time.Millisecond)
	p.handleKeepalives()

	_, err := protocol.ParseKeepAlive(recvFrom(t, remote, 9))
	require.NoError(t, err)

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	buf := make([]byte, 1500)
	_, _, err = remote.ReadFromUDP(buf)
	require.Error(t, err, "a peer with a live master must not be disconnected")

	peers = ref.GetPeers()
	defer ref.ReleasePeers()
	_, ok = peers.FindByCallsign(callsign.New("N7TAE"))
	require.True(t, ok)
}

// TestReconnectLoop is scenario 4 (§8): a peer dropped from the
// allow-list is disconnected, and once re-added it is reconnected
// with its current module mask on the next handlePeerLinks tick.
func TestReconnectLoop(t *testing.T) {
	gk := gatekeeper.New()
	path := writeAllowFile(t, "N7TAE A\n")
	require.NoError(t, gk.PeerAllow.LoadFromFile(path))

	ref := reflector.New()
	p, remote := udpPair(t, gk, ref)
	remoteAddr := remote.LocalAddr().(*net.UDPAddr)

	peer := reflector.NewPeer(callsign.New("N7TAE"), reflector.Endpoint{IP: remoteAddr.IP, Port: remoteAddr.Port}, reflector.KindURF, "A", protocol.OurVersion)
	peers := ref.GetPeers()
	peers.Store(peer)
	ref.ReleasePeers()

	// Remove N7TAE from the allow-list; the next tick disconnects it.
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	require.NoError(t, gk.PeerAllow.ReloadIfChanged())

	p.handlePeerLinks()

	disc, err := protocol.ParseDisconnect(recvFrom(t, remote, 10))
	require.NoError(t, err)
	require.Equal(t, "URF123 A", disc.Callsign.String())

	peers = ref.GetPeers()
	require.Equal(t, 0, peers.Len())
	ref.ReleasePeers()

	// Re-add N7TAE with a wider module mask and a statically-known IP
	// (no DNS server is reachable from this test), point the well-known
	// Connect port at the stand-in peer socket, then expect a Connect
	// carrying the new module mask on the next tick.
	require.NoError(t, os.WriteFile(path, []byte("N7TAE AB\n"), 0o644))
	future2 := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future2, future2))
	require.NoError(t, gk.PeerAllow.ReloadIfChanged())
	gk.PeerAllow.SetIP(callsign.New("N7TAE"), remoteAddr.IP)
	origPort := wellKnownPort
	wellKnownPort = remoteAddr.Port
	defer func() { wellKnownPort = origPort }()

	p.handlePeerLinks()

	connect, err := protocol.ParseConnect(recvFrom(t, remote, 39))
	require.NoError(t, err)
	require.Equal(t, "AB", connect.Modules)
}

// TestHandlePeerLinksSkipsXRF preserves the open question in §9: the
// XRF* namespace belongs to the DExtra protocol and must never be
// touched by URF's own peer-link reconciliation.
func TestHandlePeerLinksSkipsXRF(t *testing.T) {
	gk := gatekeeper.New()
	path := writeAllowFile(t, "XRF001 A\n")
	require.NoError(t, gk.PeerAllow.LoadFromFile(path))

	ref := reflector.New()
	p, remote := udpPair(t, gk, ref)

	p.handlePeerLinks()

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	buf := make([]byte, 1500)
	_, _, err := remote.ReadFromUDP(buf)
	require.Error(t, err, "XRF* peers must never be touched by handlePeerLinks")

	peers := ref.GetPeers()
	defer ref.ReleasePeers()
	require.Equal(t, 0, peers.Len())
}

// TestOnDvHeaderTicklesExistingStream is the boundary behavior in §8:
// a second DvHeader with an already-live stream-id tickles the
// existing stream rather than re-opening it.
func TestOnDvHeaderTicklesExistingStream(t *testing.T) {
	gk := gatekeeper.New()
	require.NoError(t, gk.TransmitAllow.LoadFromFile(writeAllowFile(t, "W1ABC\n")))
	ref := reflector.New()
	p, _ := udpPair(t, gk, ref)
	peerEp := reflector.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 9999}

	peer := reflector.NewPeer(callsign.New("W1ABC"), peerEp, reflector.KindURF, "A", protocol.OurVersion)
	peers := ref.GetPeers()
	peers.Store(peer)
	ref.ReleasePeers()

	header := protocol.DvHeader{
		StreamID: 555,
		My:       callsign.New("W1ABC"),
		Rpt1:     callsign.New("URF123 A"),
		Rpt2:     callsign.New("URF123 A"),
		Your:     callsign.New("CQCQCQ"),
	}

	p.onDvHeader(protocol.EncodeDvHeader(header), peerEp)
	require.Equal(t, 1, ref.Streams.Len())

	p.onDvHeader(protocol.EncodeDvHeader(header), peerEp)
	require.Equal(t, 1, ref.Streams.Len(), "a repeated stream id must be tickled, not reopened")
}
