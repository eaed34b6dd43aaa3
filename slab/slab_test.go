package slab

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIDIsContentDerived(t *testing.T) {
	a := New([]byte("tx: alice -> bob"))
	b := New([]byte("tx: alice -> bob"))
	c := New([]byte("tx: bob -> alice"))

	require.True(t, a.ID.Equal(b.ID))
	require.False(t, a.ID.Equal(c.ID))

	parsed, err := ParseID(a.ID.String())
	require.NoError(t, err)
	require.True(t, parsed.Equal(a.ID))
	require.Len(t, a.ID.SuffixStr(), summaryStrLen)
}

func TestNewCopiesPayload(t *testing.T) {
	payload := []byte("opaque")
	s := New(payload)
	payload[0] = 'X'
	require.Equal(t, []byte("opaque"), s.Payload)
	require.NoError(t, s.Verify())
}

func TestUnmarshalRejectsTamperedPayload(t *testing.T) {
	s := New([]byte("confirm block 42"))
	s.Seq = 7

	buf, err := s.Marshal()
	require.NoError(t, err)

	var out Slab
	require.NoError(t, out.Unmarshal(buf))
	require.Equal(t, uint64(7), out.Seq)

	s.Payload = []byte("confirm block 43")
	buf, err = s.Marshal()
	require.NoError(t, err)
	err = out.Unmarshal(buf)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrIDMismatch))

	require.True(t, errors.Is(out.Unmarshal([]byte{0xff, 0x00}), ErrMalformed))
}
