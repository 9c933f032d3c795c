package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasher_Hash(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got)
	require.Len(t, got, 64)

	empty, err := h.Hash(nil)
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", empty)
}

func TestHasher_Deterministic(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("body"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("body"))
	require.NoError(t, err)
	require.Equal(t, a, b)
}
