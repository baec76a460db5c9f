package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sshkit/internal/poll"
	"github.com/charlesng35/sshkit/pkg/errors"
	"github.com/charlesng35/sshkit/transport"
	"github.com/charlesng35/sshkit/transport/transporttest"
)

func TestOpenSessionChannelNotConnected(t *testing.T) {
	c := testClient(t, transporttest.NewConn())
	_, err := c.OpenSessionChannel(time.Second)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestOpenSessionChannelRegistersChild(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, ch.ID())
	assert.Equal(t, 1, c.ChannelCount())

	require.NoError(t, ch.Close())
	assert.Equal(t, 0, c.ChannelCount())
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	conn := transporttest.NewConn()
	fake := &transporttest.Channel{}
	conn.Channels = []*transporttest.Channel{fake}
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.True(t, fake.IsClosed())
}

func TestChannelOperationsAfterClose(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	assert.ErrorIs(t, ch.Exec("true"), errors.ErrChannelClosed)
	_, err = ch.Read(time.Second)
	assert.ErrorIs(t, err, errors.ErrChannelClosed)
	_, err = ch.Write([]byte("x"), transport.StreamStdio)
	assert.ErrorIs(t, err, errors.ErrChannelClosed)
	_, err = ch.ExitStatus()
	assert.ErrorIs(t, err, errors.ErrChannelClosed)
	assert.True(t, ch.Eof())
}

func TestChannelExecAndExitStatus(t *testing.T) {
	conn := transporttest.NewConn()
	fake := &transporttest.Channel{Status: 42, Reads: []transporttest.ReadStep{{Data: []byte("done\n")}}}
	conn.Channels = []*transporttest.Channel{fake}
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)
	require.NoError(t, ch.Setenv("LANG", "C"))
	require.NoError(t, ch.Exec("uptime"))

	out, err := ch.ReadString(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done\n", out)

	status, err := ch.ExitStatus()
	require.NoError(t, err)
	assert.Equal(t, 42, status)
	assert.Equal(t, []string{"uptime"}, fake.Commands)
	assert.Equal(t, "C", fake.Env["LANG"])
}

func TestReadStreamWaitsBeforeFirstData(t *testing.T) {
	conn := transporttest.NewConn()
	fake := &transporttest.Channel{Reads: []transporttest.ReadStep{
		{Again: true},
		{Again: true},
		{Data: []byte("hello")},
	}}
	conn.Channels = []*transporttest.Channel{fake}
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)

	out, err := ch.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestReadStreamReturnsPartialOnWouldBlock(t *testing.T) {
	conn := transporttest.NewConn()
	fake := &transporttest.Channel{Reads: []transporttest.ReadStep{
		{Data: []byte("partial")},
		{Again: true},
		{Data: []byte("never read in this call")},
	}}
	conn.Channels = []*transporttest.Channel{fake}
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)

	// A would-block after data ends the read; the partial data is the
	// result, not an error.
	out, err := ch.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), out)

	out, err = ch.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("never read in this call"), out)
}

func TestReadStreamCleanEndYieldsEmpty(t *testing.T) {
	conn := transporttest.NewConn()
	fake := &transporttest.Channel{Reads: []transporttest.ReadStep{{End: true}}}
	conn.Channels = []*transporttest.Channel{fake}
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)

	out, err := ch.Read(time.Second)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReadStreamStderr(t *testing.T) {
	conn := transporttest.NewConn()
	fake := &transporttest.Channel{Stderr: [][]byte{[]byte("warning")}}
	conn.Channels = []*transporttest.Channel{fake}
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)

	out, err := ch.ReadStream(transport.StreamStderr, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("warning"), out)
}

func TestWriteReportsPartialCount(t *testing.T) {
	conn := transporttest.NewConn()
	fake := &transporttest.Channel{WriteLimit: 3}
	conn.Channels = []*transporttest.Channel{fake}
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)

	n, err := ch.Write([]byte("abcdef"), transport.StreamStdio)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", fake.Written.String())
}

func TestWriteWaitsOutWouldBlock(t *testing.T) {
	conn := transporttest.NewConn()
	fake := &transporttest.Channel{WriteAgain: 2}
	conn.Channels = []*transporttest.Channel{fake}
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)

	n, err := ch.Write([]byte("abc"), transport.StreamStdio)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestTeardownClosesChildrenBeforeConn(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	for i := 0; i < 3; i++ {
		_, err := c.OpenSessionChannel(time.Second)
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.ChannelCount())

	require.NoError(t, c.Disconnect(time.Second))
	assert.Equal(t, 0, c.ChannelCount())

	calls := conn.Calls()
	closeIdx := -1
	lastChannelClose := -1
	for i, call := range calls {
		switch call {
		case "close":
			closeIdx = i
		case "channel-close":
			lastChannelClose = i
		}
	}
	require.NotEqual(t, -1, closeIdx)
	require.NotEqual(t, -1, lastChannelClose)
	assert.Less(t, lastChannelClose, closeIdx, "children must close before the session handle")
}

func TestOpenDirectTCPIPRejectsZeroPorts(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	_, err := c.OpenDirectTCPIP("internal.example.com", 0, "origin", 1024, time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindParameter, errors.KindOf(err))

	_, err = c.OpenDirectTCPIP("internal.example.com", 8080, "origin", 0, time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindParameter, errors.KindOf(err))

	// Parameter failures never reach the transport.
	for _, call := range conn.Calls() {
		assert.NotContains(t, call, "open-direct-tcpip")
	}
}

func TestOpenDirectTCPIP(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	ch, err := c.OpenDirectTCPIP("internal.example.com", 8080, "origin", 1024, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ChannelCount())
	require.NoError(t, ch.Close())
	assert.Contains(t, conn.Calls(), "open-direct-tcpip internal.example.com:8080")
}

func TestOpenChannelWouldBlockTimesOutAsChannelTimeout(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Again["open-session"] = 1000
	waiter := &transporttest.Waiter{Err: poll.ErrTimeout}
	conn.AcceptPassword = "secret"
	c := NewClient("test.example.com", 22,
		WithTransport(func(string, int, time.Duration) (transport.Conn, error) { return conn, nil }),
		WithWaiter(waiter.Wait),
	)
	require.NoError(t, c.SetUser("deploy"))
	require.NoError(t, c.SetPassword("secret"))
	require.NoError(t, c.Connect(time.Second))

	_, err := c.OpenSessionChannel(50 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errors.KindChannelTimeout, errors.KindOf(err))
}

func TestOpenSFTPNotConnected(t *testing.T) {
	c := testClient(t, transporttest.NewConn())
	_, err := c.OpenSFTP(time.Second)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

// Two goroutines hammering separate channels of one session must never
// overlap inside the transport handle.
func TestConcurrentChannelsSerializeOnGuard(t *testing.T) {
	conn := transporttest.NewConn()
	conn.OpDelay = 100 * time.Microsecond
	steps := func() []transporttest.ReadStep {
		var s []transporttest.ReadStep
		for i := 0; i < 20; i++ {
			s = append(s, transporttest.ReadStep{Data: []byte("chunk")})
		}
		return s
	}
	conn.Channels = []*transporttest.Channel{{Reads: steps()}, {Reads: steps()}}
	c := connectedClient(t, conn)

	ch1, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)
	ch2, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, ch := range []*Channel{ch1, ch2} {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := ch.Read(time.Second); err != nil {
					return
				}
				if _, err := ch.Write([]byte("ping"), transport.StreamStdio); err != nil {
					return
				}
			}
		}(ch)
	}
	wg.Wait()

	assert.Equal(t, 1, conn.MaxOverlap(), "transport handle entered concurrently")
	assert.Equal(t, int32(1), c.guard.MaxOverlap())
	assert.Greater(t, c.guard.Entries(), int64(0))
}

func TestReadNegativeTimeoutReturnsWithoutWaiting(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Channels = []*transporttest.Channel{
		{Reads: []transporttest.ReadStep{{Again: true}, {Data: []byte("late")}}},
	}
	c := connectedClient(t, conn)

	ch, err := c.OpenSessionChannel(time.Second)
	require.NoError(t, err)

	_, err = ch.Read(-time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))
}
