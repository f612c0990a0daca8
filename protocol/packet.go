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

// Package protocol implements the byte-exact URF/XLX inter-reflector wire
// format: the five control packets (KeepAlive, Connect, Disconnect,
// ConnectAck, ConnectNack) and the DSVT stream-frame layouts (DvHeader,
// DvFrame, DvLastFrame) in both their 27-byte legacy and 45-byte
// revision-2 forms.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ShaYmez/urfd/callsign"
)

// Kind identifies the classified packet type of an inbound datagram.
type Kind int

const (
	KindUnknown Kind = iota
	KindKeepAlive
	KindConnect
	KindDisconnect
	KindConnectAck
	KindConnectNack
	KindDvHeader
	KindDvFrame
	KindDvLastFrame
)

func (k Kind) String() string {
	switch k {
	case KindKeepAlive:
		return "KeepAlive"
	case KindConnect:
		return "Connect"
	case KindDisconnect:
		return "Disconnect"
	case KindConnectAck:
		return "ConnectAck"
	case KindConnectNack:
		return "ConnectNack"
	case KindDvHeader:
		return "DvHeader"
	case KindDvFrame:
		return "DvFrame"
	case KindDvLastFrame:
		return "DvLastFrame"
	default:
		return "Unknown"
	}
}

// ErrMalformed is returned (wrapped with context) whenever a buffer fails
// to parse as the packet kind it was classified or asked as.
var ErrMalformed = errors.New("malformed packet")

const (
	keepAliveLen   = 9
	connectLen     = 39
	disconnectLen  = 10
	connectAckLen  = connectLen
	connectNackLen = disconnectLen
	maxModulesLen  = 26

	dvHeaderLen    = 56
	dvFrameLegacy  = 27
	dvFrameRev2    = 45
	dsvtTagLen     = 12
	dsvtSidOffset  = 12
	dsvtCtrlOffset = 14
)

// dsvtFrameTag is the 12-byte DSVT prefix used by DvFrame/DvLastFrame
// packets, byte-for-byte from the original implementation.
var dsvtFrameTag = [dsvtTagLen]byte{'D', 'S', 'V', 'T', 0x20, 0x00, 0x00, 0x00, 0x20, 0x00, 0x01, 0x02}

// dsvtHeaderTag is the 12-byte DSVT prefix used by DvHeader packets.
var dsvtHeaderTag = [dsvtTagLen]byte{'D', 'S', 'V', 'T', 0x20, 0x00, 0x00, 0x00, 0x20, 0x00, 0x10, 0x00}

// silenceAmbe and silenceDvData are the fixed D-STAR terminator filler
// bytes the original implementation sends in a DvLastFrame when no
// upstream terminator payload was supplied.
var silenceAmbe = [9]byte{0x55, 0xC8, 0x7A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
var silenceDvData = [3]byte{0x25, 0x1A, 0xC6}

// Classify identifies the packet kind of a raw datagram by length and tag
// byte, without fully parsing it. Order matters: DvFrame/DvLastFrame are
// checked before DvHeader since they share the "DSVT" prefix.
func Classify(b []byte) Kind {
	switch len(b) {
	case dvFrameLegacy, dvFrameRev2:
		if isDSVT(b, dsvtFrameTag) {
			if b[dsvtCtrlOffset]&0x40 != 0 {
				return KindDvLastFrame
			}
			return KindDvFrame
		}
	case dvHeaderLen:
		if isDSVT(b, dsvtHeaderTag) {
			return KindDvHeader
		}
	case keepAliveLen:
		if b[keepAliveLen-1] == 0 {
			return KindKeepAlive
		}
	case connectLen:
		switch b[0] {
		case 'L':
			return KindConnect
		case 'A':
			return KindConnectAck
		}
	case disconnectLen:
		switch b[0] {
		case 'U':
			return KindDisconnect
		case 'N':
			return KindConnectNack
		}
	}
	return KindUnknown
}

func isDSVT(b []byte, tag [dsvtTagLen]byte) bool {
	if len(b) < dsvtTagLen {
		return false
	}
	for i := 0; i < dsvtTagLen; i++ {
		if b[i] != tag[i] {
			return false
		}
	}
	return true
}

func isLetter(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// KeepAlive carries only the sender's callsign.
type KeepAlive struct {
	Callsign callsign.Callsign
}

// ParseKeepAlive parses a 9-byte KeepAlive packet.
func ParseKeepAlive(b []byte) (KeepAlive, error) {
	if len(b) != keepAliveLen || b[keepAliveLen-1] != 0 {
		return KeepAlive{}, fmt.Errorf("%w: keepalive length/terminator", ErrMalformed)
	}
	cs := callsign.FromBytes(b[:callsign.Size])
	if !cs.Valid() {
		return KeepAlive{}, fmt.Errorf("%w: keepalive callsign", ErrMalformed)
	}
	return KeepAlive{Callsign: cs}, nil
}

// EncodeKeepAlive produces the 9-byte wire form.
func EncodeKeepAlive(k KeepAlive) []byte {
	b := make([]byte, keepAliveLen)
	copy(b, k.Callsign.Bytes())
	return b
}

// Connect is the peer-link request packet ('L').
type Connect struct {
	Callsign callsign.Callsign
	Version  Version
	Modules  string
}

// ParseConnect parses a 39-byte Connect packet.
func ParseConnect(b []byte) (Connect, error) {
	return parseConnectLike(b, 'L')
}

// EncodeConnect produces the 39-byte wire form.
func EncodeConnect(c Connect) []byte {
	return encodeConnectLike('L', c.Callsign, c.Version, c.Modules)
}

// ConnectAck acknowledges a Connect ('A').
type ConnectAck struct {
	Callsign callsign.Callsign
	Version  Version
	Modules  string
}

// ParseConnectAck parses a 39-byte ConnectAck packet.
func ParseConnectAck(b []byte) (ConnectAck, error) {
	c, err := parseConnectLike(b, 'A')
	return ConnectAck(c), err
}

// EncodeConnectAck produces the 39-byte wire form.
func EncodeConnectAck(c ConnectAck) []byte {
	return encodeConnectLike('A', c.Callsign, c.Version, c.Modules)
}

func parseConnectLike(b []byte, tag byte) (Connect, error) {
	if len(b) != connectLen || b[0] != tag || b[connectLen-1] != 0 {
		return Connect{}, fmt.Errorf("%w: connect length/tag/terminator", ErrMalformed)
	}
	cs := callsign.FromBytes(b[1 : 1+callsign.Size])
	if !cs.Valid() {
		return Connect{}, fmt.Errorf("%w: connect callsign", ErrMalformed)
	}
	v := Version{Major: b[9], Minor: b[10], Revision: b[11]}
	modules := cStringBytes(b[12:connectLen])
	for i := 0; i < len(modules); i++ {
		if !isLetter(modules[i]) {
			return Connect{}, fmt.Errorf("%w: connect modules %q", ErrMalformed, modules)
		}
	}
	return Connect{Callsign: cs, Version: v, Modules: modules}, nil
}

func encodeConnectLike(tag byte, cs callsign.Callsign, v Version, modules string) []byte {
	b := make([]byte, connectLen)
	b[0] = tag
	copy(b[1:], cs.Bytes())
	b[9] = v.Major
	b[10] = v.Minor
	b[11] = v.Revision
	copy(b[12:], []byte(modules))
	return b
}

// cStringBytes reads a NUL-terminated (or buffer-exhausted) ASCII string
// out of a fixed-size field.
func cStringBytes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Disconnect tears down a peer link ('U').
type Disconnect struct {
	Callsign callsign.Callsign
}

// ParseDisconnect parses a 10-byte Disconnect packet.
func ParseDisconnect(b []byte) (Disconnect, error) {
	d, err := parseTerminatedCallsign(b, 'U')
	return Disconnect{Callsign: d}, err
}

// EncodeDisconnect produces the 10-byte wire form.
func EncodeDisconnect(d Disconnect) []byte {
	return encodeTerminatedCallsign('U', d.Callsign)
}

// ConnectNack denies a Connect request ('N').
type ConnectNack struct {
	Callsign callsign.Callsign
}

// ParseConnectNack parses a 10-byte ConnectNack packet.
func ParseConnectNack(b []byte) (ConnectNack, error) {
	n, err := parseTerminatedCallsign(b, 'N')
	return ConnectNack{Callsign: n}, err
}

// EncodeConnectNack produces the 10-byte wire form.
func EncodeConnectNack(n ConnectNack) []byte {
	return encodeTerminatedCallsign('N', n.Callsign)
}

func parseTerminatedCallsign(b []byte, tag byte) (callsign.Callsign, error) {
	if len(b) != disconnectLen || b[0] != tag || b[disconnectLen-1] != 0 {
		return callsign.Empty, fmt.Errorf("%w: length/tag/terminator", ErrMalformed)
	}
	cs := callsign.FromBytes(b[1 : 1+callsign.Size])
	if !cs.Valid() {
		return callsign.Empty, fmt.Errorf("%w: callsign", ErrMalformed)
	}
	return cs, nil
}

func encodeTerminatedCallsign(tag byte, cs callsign.Callsign) []byte {
	b := make([]byte, disconnectLen)
	b[0] = tag
	copy(b[1:], cs.Bytes())
	return b
}

// DvHeader opens a new stream. Only the fields the peering protocol
// actually consumes (stream id, originating callsign, and the repeater
// routing callsigns) are exposed; the remaining D-STAR header framing is
// an opaque contract owned by the gateway-client protocols (§1).
type DvHeader struct {
	StreamID uint16
	My       callsign.Callsign
	Rpt1     callsign.Callsign
	Rpt2     callsign.Callsign
	Your     callsign.Callsign
}

// Rpt2Module returns the module letter embedded in the RPT2 callsign.
func (h DvHeader) Rpt2Module() byte {
	return h.Rpt2.Module()
}

// ParseDvHeader parses a 56-byte DvHeader packet.
func ParseDvHeader(b []byte) (DvHeader, error) {
	if len(b) != dvHeaderLen || !isDSVT(b, dsvtHeaderTag) {
		return DvHeader{}, fmt.Errorf("%w: dvheader tag/length", ErrMalformed)
	}
	sid := binary.LittleEndian.Uint16(b[dsvtSidOffset:])
	// byte 14 is the header control byte, unused beyond framing.
	off := 15
	// 3 flag bytes are opaque routing flags, not consumed here.
	off += 3
	rpt1 := callsign.FromBytes(b[off : off+callsign.Size])
	off += callsign.Size
	rpt2 := callsign.FromBytes(b[off : off+callsign.Size])
	off += callsign.Size
	your := callsign.FromBytes(b[off : off+callsign.Size])
	off += callsign.Size
	my := callsign.FromBytes(b[off : off+callsign.Size])

	if !my.Valid() || !rpt1.Valid() || !rpt2.Valid() {
		return DvHeader{}, fmt.Errorf("%w: dvheader callsigns", ErrMalformed)
	}

	return DvHeader{StreamID: sid, My: my, Rpt1: rpt1, Rpt2: rpt2, Your: your}, nil
}

// EncodeDvHeader produces the 56-byte wire form. MY2/CRC trailer fields
// are zero-filled; they are not consumed or produced by this protocol.
func EncodeDvHeader(h DvHeader) []byte {
	b := make([]byte, dvHeaderLen)
	copy(b[:dsvtTagLen], dsvtHeaderTag[:])
	binary.LittleEndian.PutUint16(b[dsvtSidOffset:], h.StreamID)
	off := 15 + 3
	copy(b[off:], h.Rpt1.Bytes())
	off += callsign.Size
	copy(b[off:], h.Rpt2.Bytes())
	off += callsign.Size
	copy(b[off:], h.Your.Bytes())
	off += callsign.Size
	copy(b[off:], h.My.Bytes())
	return b
}

// Frame is the per-tick digital-voice payload, shared by DvFrame and
// DvLastFrame (identical layout, distinguished by the Last flag / the
// terminator bit of PacketID on the wire).
type Frame struct {
	StreamID    uint16
	PacketID    uint8 // low 6 bits: packetID % 21
	Last        bool
	Ambe        [9]byte
	DvData      [3]byte
	DMRID       uint8
	DMRSubID    uint8
	AmbePlus    [9]byte
	DvSync      [7]byte
	Rev2        bool // true if carrying DMR id/subid/AMBE+/sync fields
	RemoteOrigin bool // in-memory only: true if received from a peer, never on the wire
}

// ParseFrame parses a 27-byte legacy or 45-byte revision-2 DvFrame/DvLastFrame.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) != dvFrameLegacy && len(b) != dvFrameRev2 {
		return Frame{}, fmt.Errorf("%w: frame length %d", ErrMalformed, len(b))
	}
	if !isDSVT(b, dsvtFrameTag) {
		return Frame{}, fmt.Errorf("%w: frame tag", ErrMalformed)
	}
	f := Frame{
		StreamID: binary.LittleEndian.Uint16(b[dsvtSidOffset:]),
		PacketID: b[dsvtCtrlOffset] & 0x3f,
		Last:     b[dsvtCtrlOffset]&0x40 != 0,
	}
	copy(f.Ambe[:], b[15:24])
	copy(f.DvData[:], b[24:27])
	if len(b) == dvFrameRev2 {
		f.Rev2 = true
		f.DMRID = b[27]
		f.DMRSubID = b[28]
		copy(f.AmbePlus[:], b[29:38])
		copy(f.DvSync[:], b[38:45])
	}
	return f, nil
}

// EncodeFrame always produces the 45-byte revision-2 form. Callers
// wanting the legacy 27-byte projection truncate the result themselves
// (the first 27 bytes are wire-compatible by construction) via Truncate27.
func EncodeFrame(f Frame) []byte {
	b := make([]byte, dvFrameRev2)
	copy(b[:dsvtTagLen], dsvtFrameTag[:])
	binary.LittleEndian.PutUint16(b[dsvtSidOffset:], f.StreamID)
	ctrl := f.PacketID & 0x3f
	if f.Last {
		ctrl |= 0x40
		if f.Ambe == ([9]byte{}) {
			copy(b[15:24], silenceAmbe[:])
			copy(b[24:27], silenceDvData[:])
		} else {
			copy(b[15:24], f.Ambe[:])
			copy(b[24:27], f.DvData[:])
		}
	} else {
		copy(b[15:24], f.Ambe[:])
		copy(b[24:27], f.DvData[:])
	}
	b[dsvtCtrlOffset] = ctrl
	b[27] = f.DMRID
	b[28] = f.DMRSubID
	copy(b[29:38], f.AmbePlus[:])
	copy(b[38:45], f.DvSync[:])
	return b
}

// Truncate27 returns the first 27 bytes of a 45-byte revision-2 frame
// encoding, the wire-compatible legacy projection.
func Truncate27(rev2 []byte) []byte {
	out := make([]byte, dvFrameLegacy)
	copy(out, rev2[:dvFrameLegacy])
	return out
}
