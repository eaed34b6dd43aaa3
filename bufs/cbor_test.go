package bufs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type cborSample struct {
	Name string
	Data []byte
}

func TestCBORDeterministic(t *testing.T) {
	in := map[string]int{"b": 2, "a": 1, "c": 3}

	b1, err := MarshalCBOR(in)
	require.NoError(t, err)
	b2, err := MarshalCBOR(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, b1, b2)

	var out map[string]int
	require.NoError(t, UnmarshalCBOR(b1, &out))
	require.Equal(t, in, out)
}

func TestUnmarshalCBORRejectsOversized(t *testing.T) {
	b, err := MarshalCBOR(&cborSample{
		Name: "big",
		Data: make([]byte, MaxCBORSize),
	})
	require.NoError(t, err)
	require.Greater(t, len(b), MaxCBORSize)

	var out cborSample
	require.Equal(t, ErrTooLarge, UnmarshalCBOR(b, &out))
	require.Empty(t, out.Name)

	b, err = MarshalCBOR(&cborSample{
		Name: "small",
		Data: make([]byte, 1024),
	})
	require.NoError(t, err)
	require.NoError(t, UnmarshalCBOR(b, &out))
	require.Equal(t, "small", out.Name)
	require.Len(t, out.Data, 1024)
}
