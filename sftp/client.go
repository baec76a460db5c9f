// Package sftp layers the stateful remote-filesystem protocol on a
// dedicated sub-channel of a secure-shell session. The Client composes the
// session capability interface rather than deriving from the session type,
// so it can wrap Connect/Disconnect with sub-channel management while
// delegating everything else.
package sftp

import (
	stdErrors "errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/charlesng35/sshkit/pkg/errors"
	"github.com/charlesng35/sshkit/pkg/logger"
	"github.com/charlesng35/sshkit/transport"
)

// Session is the capability the sftp layer needs from the session layer.
// *session.Client implements it.
type Session interface {
	Connect(timeout time.Duration) error
	Disconnect(timeout time.Duration) error
	Connected() bool
	OpenSFTP(timeout time.Duration) (transport.FS, error)
	// DoUntil runs op under the session guard, waiting out would-block
	// results until deadline. An expired deadline fails immediately; the
	// zero deadline means a single attempt with no wait.
	DoUntil(deadline time.Time, op func() error) error
}

// DefaultTimeout applies when a caller passes a zero timeout.
const DefaultTimeout = 30 * time.Second

const writeChunkSize = 32 * 1024

// deadlineFor translates a caller timeout into the per-call deadline the
// multi-step operations spend across their guarded sub-calls: zero means
// DefaultTimeout, negative means single-attempt sub-calls with no wait.
func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return time.Now().Add(timeout)
}

// Client is an SFTP session: a secure-shell session plus the sftp
// sub-channel and a current remote working path. Relative path arguments
// resolve against the current path.
type Client struct {
	sess Session
	log  *zap.Logger

	mu  sync.Mutex
	fs  transport.FS
	cwd string
}

// NewClient wraps an existing session. The session may be connected or not;
// Connect drives both.
func NewClient(sess Session) *Client {
	return &Client{
		sess: sess,
		cwd:  ".",
		log:  logger.WithModule("sftp"),
	}
}

// Connect connects the underlying session and opens the sftp sub-channel.
func (c *Client) Connect(timeout time.Duration) error {
	if err := c.sess.Connect(timeout); err != nil {
		return err
	}
	fs, err := c.sess.OpenSFTP(timeout)
	if err != nil {
		_ = c.sess.Disconnect(timeout)
		return err
	}
	c.mu.Lock()
	c.fs = fs
	c.cwd = "."
	c.mu.Unlock()
	c.log.Debug("sftp sub-channel opened")
	return nil
}

// Disconnect closes the sftp sub-channel before the underlying session
// disconnects, so the sub-channel never outlives the session handle.
func (c *Client) Disconnect(timeout time.Duration) error {
	c.mu.Lock()
	fs := c.fs
	c.fs = nil
	c.mu.Unlock()

	if fs != nil {
		if err := c.sess.DoUntil(deadlineFor(timeout), fs.Close); err != nil {
			c.log.Debug("sftp sub-channel close failed", zap.Error(err))
		}
	}
	return c.sess.Disconnect(timeout)
}

// Connected reports whether both the session and the sftp sub-channel are
// up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	fs := c.fs
	c.mu.Unlock()
	return fs != nil && c.sess.Connected()
}

// Path returns the current remote working path.
func (c *Client) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwd
}

func (c *Client) filesystem() (transport.FS, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fs == nil {
		return nil, errors.ErrNotConnected
	}
	return c.fs, nil
}

// resolve maps a path argument against the current remote path unless it is
// already absolute.
func (c *Client) resolve(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	c.mu.Lock()
	cwd := c.cwd
	c.mu.Unlock()
	if p == "" {
		return cwd
	}
	return path.Join(cwd, p)
}

// Chdir verifies that the target exists and is a directory on the remote
// side, then updates the current remote path.
func (c *Client) Chdir(dir string, timeout time.Duration) error {
	fs, err := c.filesystem()
	if err != nil {
		return err
	}
	target := c.resolve(dir)

	var attr *transport.FileAttr
	err = c.sess.DoUntil(deadlineFor(timeout), func() error {
		var e error
		attr, e = fs.Stat(target)
		return e
	})
	if err != nil {
		return pathErr(fmt.Sprintf("chdir %s", target), err)
	}
	if attr == nil || attr.Mode&ModeTypeMask != ModeDirectory {
		return errors.Newf(errors.KindSftpPath, "chdir %s: not a directory", target)
	}

	c.mu.Lock()
	c.cwd = target
	c.mu.Unlock()
	return nil
}

// List returns the entries of the remote directory keyed by name.
func (c *Client) List(dir string, timeout time.Duration) (map[string]Attributes, error) {
	entries, err := c.ListFull(dir, timeout)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Attributes, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Attributes
	}
	return out, nil
}

// ListFull returns the entries of the remote directory in remote
// enumeration order, which is not specified to be sorted.
func (c *Client) ListFull(dir string, timeout time.Duration) ([]Entry, error) {
	deadline := deadlineFor(timeout)
	target := c.resolve(dir)

	var entries []Entry
	err := c.withDir(target, deadline, func(dh transport.DirHandle) error {
		for {
			var name string
			var attr *transport.FileAttr
			err := c.sess.DoUntil(deadline, func() error {
				var e error
				name, attr, e = dh.ReadEntry()
				return e
			})
			if stdErrors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return opErr(fmt.Sprintf("read directory %s", target), err)
			}
			entries = append(entries, Entry{Name: name, Attributes: newAttributes(attr)})
		}
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Mkdir creates a remote directory with the given mode.
func (c *Client) Mkdir(dir string, mode uint32, timeout time.Duration) error {
	return c.simpleOp(timeout, "mkdir "+c.resolve(dir), func(fs transport.FS) error {
		return fs.Mkdir(c.resolve(dir), mode)
	})
}

// Rmdir removes a remote directory.
func (c *Client) Rmdir(dir string, timeout time.Duration) error {
	return c.simpleOp(timeout, "rmdir "+c.resolve(dir), func(fs transport.FS) error {
		return fs.Rmdir(c.resolve(dir))
	})
}

// Rename renames a remote object.
func (c *Client) Rename(from, to string, timeout time.Duration) error {
	return c.simpleOp(timeout, fmt.Sprintf("rename %s to %s", c.resolve(from), c.resolve(to)), func(fs transport.FS) error {
		return fs.Rename(c.resolve(from), c.resolve(to))
	})
}

// Unlink removes a remote file.
func (c *Client) Unlink(file string, timeout time.Duration) error {
	return c.simpleOp(timeout, "unlink "+c.resolve(file), func(fs transport.FS) error {
		return fs.Unlink(c.resolve(file))
	})
}

// Chmod changes the mode bits of a remote object.
func (c *Client) Chmod(file string, mode uint32, timeout time.Duration) error {
	return c.simpleOp(timeout, "chmod "+c.resolve(file), func(fs transport.FS) error {
		return fs.Chmod(c.resolve(file), mode)
	})
}

func (c *Client) simpleOp(timeout time.Duration, context string, op func(fs transport.FS) error) error {
	fs, err := c.filesystem()
	if err != nil {
		return err
	}
	if err := c.sess.DoUntil(deadlineFor(timeout), func() error { return op(fs) }); err != nil {
		return opErr(context, err)
	}
	return nil
}

// GetAttributes stats a remote object.
func (c *Client) GetAttributes(fname string, timeout time.Duration) (Attributes, error) {
	fs, err := c.filesystem()
	if err != nil {
		return Attributes{}, err
	}
	target := c.resolve(fname)

	var attr *transport.FileAttr
	err = c.sess.DoUntil(deadlineFor(timeout), func() error {
		var e error
		attr, e = fs.Stat(target)
		return e
	})
	if err != nil {
		return Attributes{}, notFoundErr("stat "+target, err)
	}
	return newAttributes(attr), nil
}

// GetFile downloads the remote file into memory, looping non-blocking
// reads (waiting out would-block signals) until end of file.
func (c *Client) GetFile(file string, timeout time.Duration) ([]byte, error) {
	deadline := deadlineFor(timeout)
	target := c.resolve(file)

	var out []byte
	err := c.withFile(target, transport.FlagRead, 0, deadline, func(fh transport.FileHandle) error {
		buf := make([]byte, writeChunkSize)
		for {
			var n int
			err := c.sess.DoUntil(deadline, func() error {
				var e error
				n, e = fh.Read(buf)
				return e
			})
			if n > 0 {
				out = append(out, buf[:n]...)
			}
			if stdErrors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return opErr("read "+target, err)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTextFile downloads the remote file and decodes it with the IANA-named
// encoding. An empty name means UTF-8 passthrough.
func (c *Client) GetTextFile(file, encoding string, timeout time.Duration) (string, error) {
	data, err := c.GetFile(file, timeout)
	if err != nil {
		return "", err
	}
	if encoding == "" {
		return string(data), nil
	}

	enc, err := ianaindex.IANA.Encoding(encoding)
	if err != nil || enc == nil {
		return "", errors.Newf(errors.KindParameter, "unknown text encoding %q", encoding)
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", errors.Wrap(errors.KindParameter, fmt.Sprintf("decode %s as %s", file, encoding), err)
	}
	return string(decoded), nil
}

// PutFile creates or truncates the remote file and writes data to it,
// handling partial writes and would-block signals until all bytes are sent.
// It returns the number of bytes written.
func (c *Client) PutFile(data []byte, fname string, mode uint32, timeout time.Duration) (int, error) {
	deadline := deadlineFor(timeout)
	target := c.resolve(fname)

	flags := transport.FlagWrite | transport.FlagCreate | transport.FlagTrunc
	written := 0
	err := c.withFile(target, flags, mode, deadline, func(fh transport.FileHandle) error {
		for written < len(data) {
			var n int
			err := c.sess.DoUntil(deadline, func() error {
				var e error
				n, e = fh.Write(data[written:])
				return e
			})
			if err != nil {
				return opErr("write "+target, err)
			}
			written += n
		}
		return nil
	})
	if err != nil {
		return written, err
	}
	return written, nil
}

// pathErr, opErr and notFoundErr translate FS failures into the library's
// sftp error kinds, preserving the remote status code.
func pathErr(context string, err error) error {
	if isLibraryErr(err) {
		return err
	}
	var terr *transport.Error
	if stdErrors.As(err, &terr) {
		return &errors.Error{Kind: errors.KindSftpPath, Code: terr.Code, Message: context + ": " + terr.Message, Internal: err}
	}
	return errors.Wrap(errors.KindSftpPath, context, err)
}

func opErr(context string, err error) error {
	if isLibraryErr(err) {
		return err
	}
	var terr *transport.Error
	if stdErrors.As(err, &terr) {
		return &errors.Error{Kind: errors.KindSftpOperation, Code: terr.Code, Message: context + ": " + terr.Message, Internal: err}
	}
	return errors.Wrap(errors.KindSftpOperation, context, err)
}

func notFoundErr(context string, err error) error {
	var terr *transport.Error
	if stdErrors.As(err, &terr) && terr.Code == transport.SftpNoSuchFile {
		return &errors.Error{Kind: errors.KindSftpNotFound, Code: terr.Code, Message: context + ": " + terr.Message, Internal: err}
	}
	return opErr(context, err)
}

// isLibraryErr keeps already-translated errors (timeouts in particular)
// from being re-wrapped.
func isLibraryErr(err error) bool {
	var e *errors.Error
	return stdErrors.As(err, &e)
}
