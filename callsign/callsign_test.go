package callsign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPadsAndUppercases(t *testing.T) {
	cs := New("n7tae")
	require.Equal(t, "N7TAE", cs.String())
	require.Equal(t, "N7TAE   ", string(cs.Bytes()))
}

func TestNewTruncates(t *testing.T) {
	cs := New("TOOLONGCS")
	require.Equal(t, "TOOLONGC", cs.String())
}

func TestValid(t *testing.T) {
	require.True(t, New("N7TAE").Valid())
	require.True(t, New("W1ABC").Valid())
	require.False(t, Empty.Valid())

	embedded := FromBytes([]byte("N7 TAE  "))
	require.False(t, embedded.Valid())

	withNUL := FromBytes([]byte("N7TAE\x00  "))
	require.False(t, withNUL.Valid())
}

func TestHasSameCallsign(t *testing.T) {
	a := New("N7TAE")
	b := New("n7tae")
	c := New("W1ABC")
	require.True(t, a.HasSameCallsign(b))
	require.False(t, a.HasSameCallsign(c))
}

func TestHasSameCallsignWithWildcard(t *testing.T) {
	bm := New("BM*")
	require.True(t, New("BM1234").HasSameCallsignWithWildcard(bm))
	require.True(t, New("BMXXXXX").HasSameCallsignWithWildcard(bm))
	require.False(t, New("N7TAE").HasSameCallsignWithWildcard(bm))

	xrf := New("XRF*")
	require.True(t, New("XRF042").HasSameCallsignWithWildcard(xrf))
	require.False(t, New("URF042").HasSameCallsignWithWildcard(xrf))
}

func TestHasPrefix(t *testing.T) {
	require.True(t, New("BM1234").HasPrefix("BM"))
	require.False(t, New("N7TAE").HasPrefix("BM"))
}
