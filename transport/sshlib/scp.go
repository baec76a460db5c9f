package sshlib

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/charlesng35/sshkit/internal/poll"
	"github.com/charlesng35/sshkit/transport"
)

// scpProtocolError is the code recorded for malformed or rejected scp
// exchanges.
const scpProtocolError = -28

const maxScpLine = 1024

// ScpRecv executes the remote scp source and negotiates the file transfer
// headers. The returned channel yields exactly the announced number of file
// bytes, then reports a clean end.
func (c *Conn) ScpRecv(remotePath string) (transport.Channel, *transport.FileAttr, error) {
	ch, err := c.OpenSession()
	if err != nil {
		return nil, nil, err
	}
	attr, err := c.scpRecvSetup(ch, remotePath)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return &scpReadChannel{Channel: ch, remaining: attr.Size}, attr, nil
}

func (c *Conn) scpRecvSetup(ch transport.Channel, remotePath string) (*transport.FileAttr, error) {
	if err := ch.Exec("scp -p -f -- " + shellQuote(remotePath)); err != nil {
		return nil, err
	}

	attr := &transport.FileAttr{}
	for {
		// Each header line is sent only after we acknowledge the previous
		// one.
		if err := c.scpWriteFull(ch, []byte{0}); err != nil {
			return nil, err
		}
		line, err := c.scpReadLine(ch)
		if err != nil {
			return nil, err
		}
		switch {
		case strings.HasPrefix(line, "T"):
			mtime, atime, perr := parseScpTimes(line)
			if perr != nil {
				return nil, c.failure(scpProtocolError, "scp time header", perr)
			}
			attr.MTime, attr.ATime = mtime, atime
		case strings.HasPrefix(line, "C"):
			mode, size, _, perr := parseScpFileHeader(line)
			if perr != nil {
				return nil, c.failure(scpProtocolError, "scp file header", perr)
			}
			attr.Mode, attr.Size = mode, size
			if err := c.scpWriteFull(ch, []byte{0}); err != nil {
				return nil, err
			}
			return attr, nil
		case strings.HasPrefix(line, "D"):
			return nil, c.failure(scpProtocolError, "scp: remote path is a directory", nil)
		default:
			return nil, c.failure(scpProtocolError, "scp: remote error: "+strings.TrimPrefix(strings.TrimPrefix(line, "\x01"), "\x02"), nil)
		}
	}
}

// ScpSend executes the remote scp sink and announces the incoming file. The
// returned channel accepts exactly size bytes; SendEof completes the
// exchange with the trailing acknowledgement.
func (c *Conn) ScpSend(remotePath string, mode int, size int64, mtime, atime time.Time) (transport.Channel, error) {
	ch, err := c.OpenSession()
	if err != nil {
		return nil, err
	}
	if err := c.scpSendSetup(ch, remotePath, mode, size, mtime, atime); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &scpWriteChannel{Channel: ch, conn: c, remaining: size}, nil
}

func (c *Conn) scpSendSetup(ch transport.Channel, remotePath string, mode int, size int64, mtime, atime time.Time) error {
	if err := ch.Exec("scp -p -t -- " + shellQuote(remotePath)); err != nil {
		return err
	}
	if err := c.scpReadAck(ch); err != nil {
		return err
	}

	if !mtime.IsZero() || !atime.IsZero() {
		header := fmt.Sprintf("T%d 0 %d 0\n", mtime.Unix(), atime.Unix())
		if err := c.scpWriteFull(ch, []byte(header)); err != nil {
			return err
		}
		if err := c.scpReadAck(ch); err != nil {
			return err
		}
	}

	header := fmt.Sprintf("C%04o %d %s\n", mode&0o7777, size, path.Base(remotePath))
	if err := c.scpWriteFull(ch, []byte(header)); err != nil {
		return err
	}
	return c.scpReadAck(ch)
}

// await blocks until the readiness descriptor signals pump arrivals, bounded
// by the connection's dial timeout.
func (c *Conn) await() error {
	if err := poll.Wait(c.Fd(), true, false, c.timeout); err != nil {
		return c.failure(scpProtocolError, "scp: wait for remote", err)
	}
	c.drainNotify()
	return nil
}

// scpRead performs one channel read, waiting out would-block results.
func (c *Conn) scpRead(ch transport.Channel, p []byte) (int, error) {
	for {
		n, err := ch.Read(p, transport.StreamStdio)
		if errors.Is(err, transport.ErrAgain) {
			if werr := c.await(); werr != nil {
				return 0, werr
			}
			continue
		}
		if err != nil {
			return n, err
		}
		if n == 0 {
			return 0, c.failure(scpProtocolError, "scp: channel closed during negotiation", nil)
		}
		return n, nil
	}
}

func (c *Conn) scpWriteFull(ch transport.Channel, p []byte) error {
	for len(p) > 0 {
		n, err := ch.Write(p, transport.StreamStdio)
		if errors.Is(err, transport.ErrAgain) {
			if werr := c.await(); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// scpReadLine reads one newline-terminated protocol line.
func (c *Conn) scpReadLine(ch transport.Channel) (string, error) {
	var b strings.Builder
	buf := make([]byte, 1)
	for b.Len() < maxScpLine {
		if _, err := c.scpRead(ch, buf); err != nil {
			return "", err
		}
		if buf[0] == '\n' {
			return b.String(), nil
		}
		b.WriteByte(buf[0])
	}
	return "", c.failure(scpProtocolError, "scp: header line too long", nil)
}

// scpReadAck consumes one status byte; a non-zero status carries an error
// message line.
func (c *Conn) scpReadAck(ch transport.Channel) error {
	buf := make([]byte, 1)
	if _, err := c.scpRead(ch, buf); err != nil {
		return err
	}
	switch buf[0] {
	case 0:
		return nil
	case 1, 2:
		msg, err := c.scpReadLine(ch)
		if err != nil {
			msg = "remote rejected transfer"
		}
		return c.failure(scpProtocolError, "scp: "+msg, nil)
	default:
		return c.failure(scpProtocolError, fmt.Sprintf("scp: unexpected status byte %#x", buf[0]), nil)
	}
}

// parseScpTimes parses a "T<mtime> 0 <atime> 0" header.
func parseScpTimes(line string) (mtime, atime time.Time, err error) {
	fields := strings.Fields(strings.TrimPrefix(line, "T"))
	if len(fields) != 4 {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed time header %q", line)
	}
	msec, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed mtime in %q", line)
	}
	asec, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("malformed atime in %q", line)
	}
	return time.Unix(msec, 0), time.Unix(asec, 0), nil
}

// parseScpFileHeader parses a "C<mode> <size> <name>" header.
func parseScpFileHeader(line string) (mode uint32, size int64, name string, err error) {
	rest := strings.TrimPrefix(line, "C")
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) != 3 || parts[2] == "" {
		return 0, 0, "", fmt.Errorf("malformed file header %q", line)
	}
	m, err := strconv.ParseUint(parts[0], 8, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed mode in %q", line)
	}
	size, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, 0, "", fmt.Errorf("malformed size in %q", line)
	}
	return uint32(m), size, parts[2], nil
}

// shellQuote wraps s in single quotes for the remote command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// scpReadChannel caps reads at the announced file size and turns exhaustion
// into a clean end of channel, consuming the trailing status exchange.
type scpReadChannel struct {
	transport.Channel
	remaining int64
	finished  bool
}

func (ch *scpReadChannel) Read(p []byte, stream int) (int, error) {
	if stream != transport.StreamStdio {
		return ch.Channel.Read(p, stream)
	}
	if ch.remaining <= 0 {
		if !ch.finished {
			ch.finished = true
			// Remote status byte, then our final acknowledgement. Both are
			// best effort: the transfer itself already completed.
			var status [1]byte
			_, _ = ch.Channel.Read(status[:], transport.StreamStdio)
			_, _ = ch.Channel.Write([]byte{0}, transport.StreamStdio)
		}
		return 0, nil
	}
	if int64(len(p)) > ch.remaining {
		p = p[:ch.remaining]
	}
	n, err := ch.Channel.Read(p, stream)
	ch.remaining -= int64(n)
	return n, err
}

// scpWriteChannel caps writes at the announced file size and finishes the
// exchange when the sender signals end of stream.
type scpWriteChannel struct {
	transport.Channel
	conn       *Conn
	remaining  int64
	terminated bool
}

func (ch *scpWriteChannel) Write(p []byte, stream int) (int, error) {
	if stream == transport.StreamStdio && int64(len(p)) > ch.remaining {
		return 0, &transport.Error{Code: scpProtocolError, Message: "scp: write exceeds announced file size"}
	}
	n, err := ch.Channel.Write(p, stream)
	if stream == transport.StreamStdio {
		ch.remaining -= int64(n)
	}
	return n, err
}

// terminate sends the zero terminator after the final file byte and waits
// for the remote acknowledgement. Runs at most once.
func (ch *scpWriteChannel) terminate() error {
	if ch.terminated || ch.remaining > 0 {
		return nil
	}
	ch.terminated = true
	if err := ch.conn.scpWriteFull(ch.Channel, []byte{0}); err != nil {
		return err
	}
	return ch.conn.scpReadAck(ch.Channel)
}

func (ch *scpWriteChannel) SendEof() error {
	if ch.remaining > 0 {
		return &transport.Error{
			Code:    scpProtocolError,
			Message: fmt.Sprintf("scp: %d bytes of announced size unsent", ch.remaining),
		}
	}
	if err := ch.terminate(); err != nil {
		return err
	}
	return ch.Channel.SendEof()
}

func (ch *scpWriteChannel) Close() error {
	_ = ch.terminate()
	return ch.Channel.Close()
}
