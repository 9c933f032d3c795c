package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	dev, err := New(true, "")
	require.NoError(t, err)
	require.NotNil(t, dev)

	prod, err := New(false, "warn")
	require.NoError(t, err)
	require.NotNil(t, prod)
	require.False(t, prod.Core().Enabled(0), "info is below warn") // zapcore.InfoLevel == 0
}

func TestNew_BadLevel(t *testing.T) {
	t.Parallel()

	_, err := New(false, "shouty")
	require.Error(t, err)
}
