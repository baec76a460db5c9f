package sftp

import (
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sshkit/transport"
)

// The scoped remote-handle helpers open a remote object, yield it to the
// call body, and guarantee it is closed exactly once on every exit path —
// success, early error return, or panic. A close failure after a
// successful body is surfaced; after a failed body it is only logged.

type remoteCloser interface {
	Close() error
}

func (c *Client) withFile(path string, flags int, mode uint32, deadline time.Time, fn func(fh transport.FileHandle) error) error {
	fs, err := c.filesystem()
	if err != nil {
		return err
	}

	var fh transport.FileHandle
	err = c.sess.DoUntil(deadline, func() error {
		var e error
		fh, e = fs.OpenFile(path, flags, mode)
		return e
	})
	if err != nil {
		return notFoundErr("open "+path, err)
	}

	return c.scoped("file "+path, deadline, fh, func() error { return fn(fh) })
}

func (c *Client) withDir(path string, deadline time.Time, fn func(dh transport.DirHandle) error) error {
	fs, err := c.filesystem()
	if err != nil {
		return err
	}

	var dh transport.DirHandle
	err = c.sess.DoUntil(deadline, func() error {
		var e error
		dh, e = fs.OpenDir(path)
		return e
	})
	if err != nil {
		return notFoundErr("open directory "+path, err)
	}

	return c.scoped("directory "+path, deadline, dh, func() error { return fn(dh) })
}

func (c *Client) scoped(what string, deadline time.Time, h remoteCloser, body func() error) (err error) {
	closed := false
	closeHandle := func() error {
		if closed {
			return nil
		}
		closed = true
		// The handle is released even when the body spent the whole budget:
		// an exhausted deadline degrades to a single close attempt.
		closeDeadline := deadline
		if !closeDeadline.IsZero() && time.Until(closeDeadline) <= 0 {
			closeDeadline = time.Time{}
		}
		return c.sess.DoUntil(closeDeadline, h.Close)
	}

	defer func() {
		cerr := closeHandle()
		if cerr == nil {
			return
		}
		if err == nil {
			err = opErr("close "+what, cerr)
			return
		}
		c.log.Debug("scoped handle close failed", zap.String("object", what), zap.Error(cerr))
	}()

	return body()
}
