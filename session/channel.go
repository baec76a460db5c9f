package session

import (
	stdErrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/charlesng35/sshkit/internal/poll"
	"github.com/charlesng35/sshkit/pkg/errors"
	"github.com/charlesng35/sshkit/pkg/logger"
	"github.com/charlesng35/sshkit/transport"
)

const readChunkSize = 32 * 1024

// Channel is one logical duplex byte stream multiplexed over its parent
// session. Once closed it is terminal: every further operation fails with a
// channel-closed error. A Channel never outlives the validity of its
// parent's handle; it deregisters from the parent before its own sub-handle
// is released.
type Channel struct {
	id     string
	client *Client
	raw    transport.Channel
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
}

func newChannel(c *Client, raw transport.Channel) *Channel {
	id := uuid.NewString()
	return &Channel{
		id:     id,
		client: c,
		raw:    raw,
		log:    logger.WithChannel(c.log, id),
	}
}

// ID returns the channel's registry identifier.
func (ch *Channel) ID() string { return ch.id }

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// call wraps a single guarded protocol call with the shared error
// translation policy.
func (ch *Channel) call(context string, timeout time.Duration, op func() error) error {
	if ch.isClosed() {
		return errors.ErrChannelClosed
	}
	err := ch.client.run(deadlineFor(timeout, DefaultOpTimeout), op)
	if err == nil {
		return nil
	}
	if errors.KindOf(err) == errors.KindTimeout {
		return err
	}
	return ch.client.protocolErr(context, err)
}

// Setenv sets an environment variable for the remote process.
func (ch *Channel) Setenv(name, value string) error {
	return ch.call("channel setenv", 0, func() error { return ch.raw.Setenv(name, value) })
}

// RequestPty requests a pseudo-terminal with the given dimensions. Modes are
// the encoded terminal modes; an empty slice requests implementation
// defaults.
func (ch *Channel) RequestPty(term string, modes []byte, width, height, widthPx, heightPx int) error {
	return ch.call("channel request pty", 0, func() error {
		return ch.raw.RequestPty(term, modes, width, height, widthPx, heightPx)
	})
}

// Shell starts the user's login shell on the channel.
func (ch *Channel) Shell() error {
	return ch.call("channel shell", 0, ch.raw.Shell)
}

// Exec runs command on the remote side.
func (ch *Channel) Exec(command string) error {
	return ch.call("channel exec", 0, func() error { return ch.raw.Exec(command) })
}

// Read reads from the channel's stdio stream. See ReadStream for the
// partial-read policy.
func (ch *Channel) Read(timeout time.Duration) ([]byte, error) {
	return ch.ReadStream(transport.StreamStdio, timeout)
}

// ReadString reads from the stdio stream and returns the bytes as a string.
func (ch *Channel) ReadString(timeout time.Duration) (string, error) {
	data, err := ch.ReadStream(transport.StreamStdio, timeout)
	return string(data), err
}

// ReadStream loops non-blocking reads on the given stream. While nothing
// has been read yet a would-block delegates to the socket waiter and
// retries; once any bytes have been read a subsequent would-block ends the
// loop and the partial data is returned. The call trades a fully drained
// read for bounded latency. A clean end of channel with no data yields an
// empty, non-error result.
func (ch *Channel) ReadStream(stream int, timeout time.Duration) ([]byte, error) {
	if ch.isClosed() {
		return nil, errors.ErrChannelClosed
	}
	deadline := deadlineFor(timeout, DefaultOpTimeout)
	single := deadline.IsZero()
	start := time.Now()

	buf := make([]byte, readChunkSize)
	out := []byte{}
	for {
		var n int
		err, read, write := ch.client.attempt(func() error {
			var e error
			n, e = ch.raw.Read(buf, stream)
			return e
		})

		switch {
		case err == nil && n > 0:
			out = append(out, buf[:n]...)
		case err == nil:
			// Clean end of channel.
			ch.client.recordReceive(len(out), time.Since(start))
			return out, nil
		case stdErrors.Is(err, transport.ErrAgain):
			if len(out) > 0 {
				ch.client.recordReceive(len(out), time.Since(start))
				return out, nil
			}
			if single {
				return nil, errors.New(errors.KindTimeout, "timed out waiting for channel data")
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, errors.New(errors.KindTimeout, "timed out waiting for channel data")
			}
			if werr := ch.client.waitSocket(read, write, remaining); werr != nil {
				if stdErrors.Is(werr, poll.ErrTimeout) {
					return nil, errors.New(errors.KindTimeout, "timed out waiting for channel data")
				}
				return nil, errors.Wrap(errors.KindProtocol, "socket wait", werr)
			}
		default:
			return nil, ch.client.protocolErr("channel read", err)
		}
	}
}

// Write performs one write attempt on the given stream, waiting out
// would-block signals, and returns the number of bytes accepted. Partial
// writes are an explicit result, not an error; callers retry with the rest.
func (ch *Channel) Write(p []byte, stream int) (int, error) {
	if ch.isClosed() {
		return 0, errors.ErrChannelClosed
	}
	start := time.Now()

	var n int
	err := ch.client.run(time.Now().Add(DefaultOpTimeout), func() error {
		var e error
		n, e = ch.raw.Write(p, stream)
		return e
	})
	if err != nil {
		if errors.KindOf(err) == errors.KindTimeout {
			return 0, err
		}
		return 0, ch.client.protocolErr("channel write", err)
	}
	ch.client.recordSend(n, time.Since(start))
	return n, nil
}

// Eof reports whether the remote side has sent end-of-channel.
func (ch *Channel) Eof() bool {
	if ch.isClosed() {
		return true
	}
	var eof bool
	ch.client.guard.Do(func() { eof = ch.raw.Eof() })
	return eof
}

// SendEof tells the remote side no further data will be written.
func (ch *Channel) SendEof() error {
	return ch.call("channel send eof", 0, ch.raw.SendEof)
}

// WaitEof blocks until the remote side signals end-of-channel.
func (ch *Channel) WaitEof(timeout time.Duration) error {
	return ch.call("channel wait eof", timeout, ch.raw.WaitEof)
}

// WaitClosed blocks until the remote side confirms the channel close.
func (ch *Channel) WaitClosed(timeout time.Duration) error {
	return ch.call("channel wait closed", timeout, ch.raw.WaitClosed)
}

// ExitStatus returns the remote command's exit status.
func (ch *Channel) ExitStatus() (int, error) {
	if ch.isClosed() {
		return 0, errors.ErrChannelClosed
	}
	var status int
	ch.client.guard.Do(func() { status = ch.raw.ExitStatus() })
	return status, nil
}

// Close deregisters the channel from its parent and releases the
// sub-handle, in that order. Closing an already-closed channel is a no-op.
func (ch *Channel) Close() error {
	return ch.forceClose(time.Now().Add(DefaultChannelTimeout))
}

func (ch *Channel) forceClose(deadline time.Time) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	// Deregistration must precede handle release so a concurrent session
	// teardown cannot double-close.
	ch.client.forget(ch.id)

	if err := ch.client.run(deadline, ch.raw.Close); err != nil {
		perr := ch.client.protocolErr("channel close", err)
		ch.log.Debug("channel close failed", zap.Error(perr))
		return perr
	}
	ch.log.Debug("channel closed")
	return nil
}

// adopt registers a channel in the child registry under the session guard.
func (c *Client) adopt(ch *Channel) {
	c.guard.Do(func() {
		c.mu.Lock()
		c.children[ch.id] = ch
		c.mu.Unlock()
	})
}

// forget removes a channel from the child registry under the session guard.
func (c *Client) forget(id string) {
	c.guard.Do(func() {
		c.mu.Lock()
		delete(c.children, id)
		c.mu.Unlock()
	})
}

// ChannelCount reports the number of live child channels.
func (c *Client) ChannelCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.children)
}

// openChannel drives a channel-open factory call with the open-specific
// timeout translation: deadline expiry is a channel-timeout error.
func (c *Client) openChannel(context string, timeout time.Duration, open func(conn transport.Conn) (transport.Channel, error)) (*Channel, error) {
	conn := c.transportConn()
	if !c.Connected() || conn == nil {
		return nil, errors.ErrNotConnected
	}

	var raw transport.Channel
	err := c.run(deadlineFor(timeout, DefaultChannelTimeout), func() error {
		var e error
		raw, e = open(conn)
		return e
	})
	if err != nil {
		if errors.KindOf(err) == errors.KindTimeout {
			return nil, errors.Wrap(errors.KindChannelTimeout, context+" timed out", err)
		}
		return nil, c.protocolErr(context, err)
	}

	ch := newChannel(c, raw)
	c.adopt(ch)
	ch.log.Debug("channel opened")
	return ch, nil
}

// OpenSessionChannel opens a session-type channel for shell, exec or
// subsystem use.
func (c *Client) OpenSessionChannel(timeout time.Duration) (*Channel, error) {
	return c.openChannel("open session channel", timeout, func(conn transport.Conn) (transport.Channel, error) {
		return conn.OpenSession()
	})
}

// OpenDirectTCPIP opens a direct-tcpip forwarding channel to host:port,
// reporting originHost:originPort as the connection source. Zero ports are
// rejected before any network activity.
func (c *Client) OpenDirectTCPIP(host string, port int, originHost string, originPort int, timeout time.Duration) (*Channel, error) {
	if port == 0 {
		return nil, errors.New(errors.KindParameter, "forwarded port must not be zero")
	}
	if originPort == 0 {
		return nil, errors.New(errors.KindParameter, "source port must not be zero")
	}
	return c.openChannel("open direct-tcpip channel", timeout, func(conn transport.Conn) (transport.Channel, error) {
		return conn.OpenDirectTCPIP(host, port, originHost, originPort)
	})
}

// OpenSFTP opens the remote filesystem subsystem on a dedicated
// sub-channel. Used by the sftp package.
func (c *Client) OpenSFTP(timeout time.Duration) (transport.FS, error) {
	conn := c.transportConn()
	if !c.Connected() || conn == nil {
		return nil, errors.ErrNotConnected
	}

	var fs transport.FS
	err := c.run(deadlineFor(timeout, DefaultChannelTimeout), func() error {
		var e error
		fs, e = conn.OpenSFTP()
		return e
	})
	if err != nil {
		if errors.KindOf(err) == errors.KindTimeout {
			return nil, errors.Wrap(errors.KindChannelTimeout, "open sftp sub-channel timed out", err)
		}
		return nil, c.protocolErr("open sftp sub-channel", err)
	}
	return fs, nil
}

func (c *Client) transportConn() transport.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
