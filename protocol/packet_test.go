package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShaYmez/urfd/callsign"
)

func TestKeepAliveRoundTrip(t *testing.T) {
	k := KeepAlive{Callsign: callsign.New("N7TAE")}
	b := EncodeKeepAlive(k)
	require.Equal(t, KindKeepAlive, Classify(b))
	got, err := ParseKeepAlive(b)
	require.NoError(t, err)
	require.Equal(t, k, got)
}

func TestConnectRoundTrip(t *testing.T) {
	c := Connect{
		Callsign: callsign.New("URF001"),
		Version:  Version{Major: 2, Minor: 0, Revision: 1},
		Modules:  "ABC",
	}
	b := EncodeConnect(c)
	require.Len(t, b, connectLen)
	require.Equal(t, KindConnect, Classify(b))
	got, err := ParseConnect(b)
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestConnectAckRoundTrip(t *testing.T) {
	a := ConnectAck{
		Callsign: callsign.New("URF001"),
		Version:  OurVersion,
		Modules:  "AB",
	}
	b := EncodeConnectAck(a)
	require.Equal(t, KindConnectAck, Classify(b))
	got, err := ParseConnectAck(b)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestDisconnectRoundTrip(t *testing.T) {
	d := Disconnect{Callsign: callsign.New("N7TAE")}
	b := EncodeDisconnect(d)
	require.Equal(t, KindDisconnect, Classify(b))
	got, err := ParseDisconnect(b)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestConnectNackRoundTrip(t *testing.T) {
	n := ConnectNack{Callsign: callsign.New("N7TAE")}
	b := EncodeConnectNack(n)
	require.Equal(t, KindConnectNack, Classify(b))
	got, err := ParseConnectNack(b)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestConnectRejectsBadLength(t *testing.T) {
	b := EncodeConnect(Connect{Callsign: callsign.New("URF001"), Modules: "A"})
	_, err := ParseConnect(b[:len(b)-1])
	require.Error(t, err)

	truncated38 := make([]byte, 38)
	copy(truncated38, b)
	truncated38[0] = 'L'
	_, err = ParseConnect(truncated38)
	require.Error(t, err)

	padded40 := append(append([]byte{}, b...), 0)
	_, err = ParseConnect(padded40)
	require.Error(t, err)
}

func TestConnectRejectsNonLetterModule(t *testing.T) {
	b := EncodeConnect(Connect{Callsign: callsign.New("URF001"), Modules: "A1"})
	_, err := ParseConnect(b)
	require.Error(t, err)
}

func TestDvHeaderRoundTrip(t *testing.T) {
	h := DvHeader{
		StreamID: 0xBEEF,
		My:       callsign.New("N7TAE"),
		Rpt1:     callsign.FromBytes([]byte("URF001 G")),
		Rpt2:     callsign.FromBytes([]byte("URF001 B")),
		Your:     callsign.New("CQCQCQ"),
	}
	b := EncodeDvHeader(h)
	require.Len(t, b, dvHeaderLen)
	require.Equal(t, KindDvHeader, Classify(b))
	got, err := ParseDvHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.Equal(t, byte('B'), got.Rpt2Module())
}

func TestFrameRoundTripLegacy(t *testing.T) {
	f := Frame{StreamID: 0x1234, PacketID: 5}
	copy(f.Ambe[:], []byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	b := EncodeFrame(f)
	legacy := Truncate27(b)
	require.Len(t, legacy, dvFrameLegacy)
	require.Equal(t, KindDvFrame, Classify(legacy))
	got, err := ParseFrame(legacy)
	require.NoError(t, err)
	require.False(t, got.Rev2)
	require.Equal(t, f.StreamID, got.StreamID)
	require.Equal(t, f.PacketID, got.PacketID)
	require.Equal(t, f.Ambe, got.Ambe)
}

func TestFrameRoundTripRev2(t *testing.T) {
	f := Frame{
		StreamID: 0x1234,
		PacketID: 20,
		DMRID:    7,
		DMRSubID: 2,
		Rev2:     true,
	}
	copy(f.AmbePlus[:], []byte{9, 8, 7, 6, 5, 4, 3, 2, 1})
	b := EncodeFrame(f)
	require.Len(t, b, dvFrameRev2)
	require.Equal(t, KindDvFrame, Classify(b))
	got, err := ParseFrame(b)
	require.NoError(t, err)
	require.True(t, got.Rev2)
	require.Equal(t, f, got)
}

func TestDvLastFrameUsesSilenceFillerWhenEmpty(t *testing.T) {
	f := Frame{StreamID: 0x1234, PacketID: 20 % 21, Last: true}
	b := EncodeFrame(f)
	require.Equal(t, KindDvLastFrame, Classify(b))
	got, err := ParseFrame(b)
	require.NoError(t, err)
	require.True(t, got.Last)
	require.Equal(t, silenceAmbe, got.Ambe)
	require.Equal(t, silenceDvData, got.DvData)
	require.Equal(t, byte(0x40|(20%21)), b[dsvtCtrlOffset])
}

func TestDvLastFramePreservesSuppliedPayload(t *testing.T) {
	f := Frame{StreamID: 1, PacketID: 3, Last: true}
	copy(f.Ambe[:], []byte{1, 1, 1, 1, 1, 1, 1, 1, 1})
	b := EncodeFrame(f)
	got, err := ParseFrame(b)
	require.NoError(t, err)
	require.Equal(t, f.Ambe, got.Ambe)
}

func TestClassifyUnknown(t *testing.T) {
	require.Equal(t, KindUnknown, Classify([]byte("short")))
	require.Equal(t, KindUnknown, Classify(make([]byte, 100)))
}

func TestKeepAliveRejectsBadTerminator(t *testing.T) {
	b := EncodeKeepAlive(KeepAlive{Callsign: callsign.New("N7TAE")})
	b[len(b)-1] = 'X'
	_, err := ParseKeepAlive(b)
	require.Error(t, err)
}
