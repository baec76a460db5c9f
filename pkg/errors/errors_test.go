package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorRendering(t *testing.T) {
	err := Protocol(-14, "channel open refused", nil)
	require.Equal(t, "channel open refused (code -14)", err.Error())

	wrapped := Wrap(KindConnect, "dial example.com:22", stdErrors.New("connection refused"))
	require.Equal(t, "dial example.com:22: connection refused", wrapped.Error())
}

func TestIsMatchesByKind(t *testing.T) {
	err := Newf(KindSftpNotFound, "stat %s", "/missing")
	require.ErrorIs(t, err, ErrSftpNotFound)
	require.NotErrorIs(t, err, ErrSftpOperation)

	// Matching survives wrapping through fmt.
	chained := fmt.Errorf("listing failed: %w", err)
	require.ErrorIs(t, chained, ErrSftpNotFound)
}

func TestUnwrapExposesInternal(t *testing.T) {
	cause := stdErrors.New("underlying")
	err := Wrap(KindProtocol, "setenv failed", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, cause, stdErrors.Unwrap(err))
}

func TestWithInternalCopies(t *testing.T) {
	cause := stdErrors.New("boom")
	base := ErrKeySetup.WithInternal(cause)
	require.ErrorIs(t, base, ErrKeySetup)
	require.ErrorIs(t, base, cause)
	require.Nil(t, ErrKeySetup.Internal, "sentinel must stay untouched")
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindAuth, KindOf(New(KindAuth, "all methods exhausted")))
	require.Equal(t, KindUnknown, KindOf(stdErrors.New("plain")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "channel_timeout", KindChannelTimeout.String())
	require.Equal(t, "unknown", Kind(999).String())
}
