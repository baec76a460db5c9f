package session

import (
	"io"
	"time"

	"github.com/charlesng35/sshkit/pkg/errors"
	"github.com/charlesng35/sshkit/transport"
)

// ScpGet opens a channel pre-wired to receive the remote file at path and
// returns it together with the attributes announced by the remote side.
// The caller reads the file bytes from the channel and closes it.
func (c *Client) ScpGet(path string, timeout time.Duration) (*Channel, *transport.FileAttr, error) {
	if path == "" {
		return nil, nil, errors.New(errors.KindParameter, "scp path must not be empty")
	}

	var attr *transport.FileAttr
	ch, err := c.openChannel("scp receive", timeout, func(conn transport.Conn) (transport.Channel, error) {
		raw, a, e := conn.ScpRecv(path)
		if e == nil {
			attr = a
		}
		return raw, e
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, attr, nil
}

// ScpPut opens a channel ready to accept exactly size bytes for the remote
// file at path with the given mode and timestamps. A non-positive size is
// rejected before any channel is opened.
func (c *Client) ScpPut(path string, size int64, mode int, mtime, atime time.Time, timeout time.Duration) (*Channel, error) {
	if path == "" {
		return nil, errors.New(errors.KindParameter, "scp path must not be empty")
	}
	if size <= 0 {
		return nil, errors.Newf(errors.KindParameter, "scp transfer size must be positive, got %d", size)
	}

	return c.openChannel("scp send", timeout, func(conn transport.Conn) (transport.Channel, error) {
		return conn.ScpSend(path, mode, size, mtime, atime)
	})
}

// ScpDownload performs a full synchronous download of the remote file at
// path into dst, returning the attributes the remote side announced. The
// sink is written sequentially; no buffering strategy is assumed.
func (c *Client) ScpDownload(path string, dst io.Writer, timeout time.Duration) (*transport.FileAttr, error) {
	if dst == nil {
		return nil, errors.New(errors.KindParameter, "scp destination writer must not be nil")
	}
	deadline := deadlineFor(timeout, DefaultOpTimeout)
	single := deadline.IsZero()

	ch, attr, err := c.ScpGet(path, timeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ch.Close() }()

	var received int64
	for attr == nil || received < attr.Size {
		readTimeout := timeout
		if !single {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, errors.New(errors.KindTimeout, "scp download timed out")
			}
			readTimeout = remaining
		}
		data, err := ch.Read(readTimeout)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			// Clean end of channel before the announced size: the remote is
			// done sending.
			break
		}
		if attr != nil && received+int64(len(data)) > attr.Size {
			data = data[:attr.Size-received]
		}
		if _, err := dst.Write(data); err != nil {
			return nil, errors.Wrap(errors.KindProtocol, "write to destination sink", err)
		}
		received += int64(len(data))
	}
	return attr, nil
}

// ScpUpload performs a full synchronous upload of size bytes pulled from
// src to the remote file at path, returning the number of bytes sent.
func (c *Client) ScpUpload(src io.Reader, size int64, path string, mode int, mtime, atime time.Time, timeout time.Duration) (int64, error) {
	if src == nil {
		return 0, errors.New(errors.KindParameter, "scp source reader must not be nil")
	}
	deadline := deadlineFor(timeout, DefaultOpTimeout)

	ch, err := c.ScpPut(path, size, mode, mtime, atime, timeout)
	if err != nil {
		return 0, err
	}
	defer func() { _ = ch.Close() }()

	buf := make([]byte, readChunkSize)
	var sent int64
	for sent < size {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return sent, errors.New(errors.KindTimeout, "scp upload timed out")
		}

		want := size - sent
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, rerr := io.ReadFull(src, buf[:want])
		if rerr != nil && n == 0 {
			return sent, errors.Wrap(errors.KindProtocol, "read from source", rerr)
		}

		for off := 0; off < n; {
			written, werr := ch.Write(buf[off:n], transport.StreamStdio)
			if werr != nil {
				return sent, werr
			}
			off += written
			sent += int64(written)
		}
	}

	if err := ch.SendEof(); err != nil {
		return sent, err
	}
	return sent, nil
}
