package sshlib

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitWatchReportsRunningCommand(t *testing.T) {
	release := make(chan struct{})
	w := newExitWatch(func() error {
		<-release
		return nil
	}, func() {})

	assert.False(t, w.finished(), "watch must not report completion while the command runs")
	assert.Equal(t, 0, w.exitStatus())
	close(release)
}

func TestExitWatchCompletesAndRingsNotifier(t *testing.T) {
	release := make(chan struct{})
	rang := make(chan struct{})
	w := newExitWatch(func() error {
		<-release
		return errors.New("remote command failed")
	}, func() { close(rang) })

	close(release)
	select {
	case <-rang:
	case <-time.After(time.Second):
		t.Fatal("notifier never rang after command exit")
	}

	// The notifier rings after the done channel closes, so completion is
	// observable as soon as the wakeup arrives.
	require.True(t, w.finished())
	assert.Equal(t, 0, w.exitStatus(), "a non-exit error carries no status")
}

func TestExitWatchNilIsInert(t *testing.T) {
	var w *exitWatch
	assert.False(t, w.finished())
	assert.Equal(t, 0, w.exitStatus())
}
