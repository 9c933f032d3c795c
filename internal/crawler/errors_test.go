package crawler

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	require.True(t, IsFatal(Fatal(errors.New("db write failed"))))
	require.True(t, IsFatal(Validationf("bad pattern %q", "(")))
	require.False(t, IsFatal(errors.New("ordinary")))
	require.Nil(t, Fatal(nil))

	transient := &FetchError{URL: "http://site.test/a", Transient: true, Err: errors.New("reset")}
	permanent := &FetchError{URL: "http://site.test/a", StatusCode: 404}
	require.True(t, IsTransient(transient))
	require.False(t, IsTransient(permanent))
	require.False(t, IsTransient(errors.New("other")))
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection refused")
	fe := &FetchError{URL: "http://site.test/a", Transient: true, Err: inner}
	require.ErrorIs(t, fe, inner)
	require.Contains(t, fe.Error(), "http://site.test/a")

	statusOnly := &FetchError{URL: "http://site.test/b", StatusCode: 503}
	require.Contains(t, statusOnly.Error(), "503")

	wrapped := fmt.Errorf("crawl: %w", Fatal(inner))
	require.True(t, IsFatal(wrapped))
	require.ErrorIs(t, wrapped, inner)
}
