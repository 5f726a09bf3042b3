package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSHA256Deterministic(t *testing.T) {
	h1 := SHA256([]byte("work order hash"))
	h2 := SHA256([]byte("work order hash"))
	require.Equal(t, h1, h2)
}

func TestSHA256DifferentInputs(t *testing.T) {
	h1 := SHA256([]byte("alpha"))
	h2 := SHA256([]byte("beta"))
	require.NotEqual(t, h1, h2)
}

func TestRandomRejectsNonPositiveLength(t *testing.T) {
	_, err := Random(0)
	require.Error(t, err)

	_, err = Random(-1)
	require.Error(t, err)
}

func TestRandomReturnsRequestedLength(t *testing.T) {
	buf, err := Random(32)
	require.NoError(t, err)
	require.Len(t, buf, 32)
}

func TestRandomIsNotConstant(t *testing.T) {
	a, err := Random(16)
	require.NoError(t, err)
	b, err := Random(16)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
