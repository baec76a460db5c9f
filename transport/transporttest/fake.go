// Package transporttest provides a scriptable in-memory transport for
// exercising the session layer without a network: would-block injection,
// configurable authentication outcomes, an in-memory remote filesystem and
// call-order recording. The fake also tracks concurrent entries into the
// handle, so tests can assert that callers serialize access.
package transporttest

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charlesng35/sshkit/transport"
)

// File is one entry in the fake remote filesystem.
type File struct {
	Data  []byte
	Mode  uint32
	MTime time.Time
	ATime time.Time
	Dir   bool
}

// Conn is a scriptable transport.Conn. Configure the exported fields before
// handing it to the session layer; accessors report what happened.
type Conn struct {
	// Authentication acceptance. An empty value rejects the method.
	AcceptPassword    string
	AcceptKeyPath     string
	AcceptInteractive string

	// Handshake results reported after authentication.
	Fingerprint []byte
	MethodMap   map[string]string

	HandshakeErr error
	CloseErr     error

	// Again maps an operation name ("handshake", "auth-password",
	// "open-session", "close", ...) to the number of would-block results it
	// returns before proceeding.
	Again map[string]int

	// Channels is a queue of prepared channels handed out by the open
	// calls; when empty, a fresh empty channel is returned.
	Channels []*Channel

	// Files backs ScpRecv, ScpSend and the sftp filesystem, keyed by
	// absolute remote path.
	Files map[string]*File

	// SendWriteLimit caps the bytes accepted per write on channels handed
	// out by ScpSend; zero accepts all.
	SendWriteLimit int

	// OpDelay stretches every guarded call, widening race windows for
	// overlap detection.
	OpDelay time.Duration

	// BlockRead/BlockWrite are reported by BlockDirections.
	BlockRead  bool
	BlockWrite bool

	mu         sync.Mutex
	calls      []string
	authTried  []string
	prompts    []string
	lastCode   int
	lastMsg    string
	closed     bool
	active     int32
	maxOverlap int32
}

// NewConn returns a fake connection with a stable fingerprint and method
// map and an empty filesystem.
func NewConn() *Conn {
	return &Conn{
		Fingerprint: []byte{0xde, 0xad, 0xbe, 0xef},
		MethodMap:   map[string]string{"hostkey": "ssh-ed25519"},
		Files:       make(map[string]*File),
		Again:       make(map[string]int),
		BlockRead:   true,
	}
}

// enter tracks one guarded call and reports the leave function. The peak
// concurrent entry count is observable through MaxOverlap.
func (c *Conn) enter() func() {
	cur := atomic.AddInt32(&c.active, 1)
	for {
		max := atomic.LoadInt32(&c.maxOverlap)
		if cur <= max || atomic.CompareAndSwapInt32(&c.maxOverlap, max, cur) {
			break
		}
	}
	if c.OpDelay > 0 {
		time.Sleep(c.OpDelay)
	}
	return func() { atomic.AddInt32(&c.active, -1) }
}

// step records the call and consumes one would-block budget unit if any is
// scripted for op.
func (c *Conn) step(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, op)
	if c.Again[op] > 0 {
		c.Again[op]--
		return transport.ErrAgain
	}
	return nil
}

func (c *Conn) fail(code int, msg string) error {
	c.mu.Lock()
	c.lastCode, c.lastMsg = code, msg
	c.mu.Unlock()
	return &transport.Error{Code: code, Message: msg}
}

// Calls returns the recorded operation order.
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// AuthAttempts returns the authentication methods actually evaluated, in
// order, not counting would-block retries.
func (c *Conn) AuthAttempts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.authTried...)
}

// Prompts returns the keyboard-interactive prompts issued.
func (c *Conn) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

// MaxOverlap reports the peak number of simultaneous entries into the
// handle. A serialized caller keeps this at one.
func (c *Conn) MaxOverlap() int {
	return int(atomic.LoadInt32(&c.maxOverlap))
}

// Closed reports whether Close ran.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Handshake() error {
	defer c.enter()()
	if err := c.step("handshake"); err != nil {
		return err
	}
	return c.HandshakeErr
}

func (c *Conn) AuthPassword(_, password string) error {
	defer c.enter()()
	if err := c.step("auth-password"); err != nil {
		return err
	}
	c.mu.Lock()
	c.authTried = append(c.authTried, "password")
	ok := c.AcceptPassword != "" && password == c.AcceptPassword
	c.mu.Unlock()
	if !ok {
		return c.fail(-18, "password rejected")
	}
	return nil
}

func (c *Conn) AuthPublickey(_, privateKeyPath, _ string) error {
	defer c.enter()()
	if err := c.step("auth-publickey"); err != nil {
		return err
	}
	c.mu.Lock()
	c.authTried = append(c.authTried, "publickey")
	ok := c.AcceptKeyPath != "" && privateKeyPath == c.AcceptKeyPath
	c.mu.Unlock()
	if !ok {
		return c.fail(-18, "public key rejected")
	}
	return nil
}

func (c *Conn) AuthKeyboardInteractive(_ string, respond func(prompt string, echo bool) string) error {
	defer c.enter()()
	if err := c.step("auth-interactive"); err != nil {
		return err
	}
	answer := respond("Password: ", false)
	c.mu.Lock()
	c.authTried = append(c.authTried, "keyboard-interactive")
	c.prompts = append(c.prompts, "Password: ")
	ok := c.AcceptInteractive != "" && answer == c.AcceptInteractive
	c.mu.Unlock()
	if !ok {
		return c.fail(-18, "interactive response rejected")
	}
	return nil
}

func (c *Conn) HostKeyHash() []byte { return c.Fingerprint }

func (c *Conn) Methods() map[string]string { return c.MethodMap }

func (c *Conn) BlockDirections() (bool, bool) { return c.BlockRead, c.BlockWrite }

func (c *Conn) Fd() uintptr { return 0 }

func (c *Conn) LastError() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCode, c.lastMsg
}

// nextChannel pops the prepared-channel queue, falling back to an empty
// channel that reads as immediately ended.
func (c *Conn) nextChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ch *Channel
	if len(c.Channels) > 0 {
		ch = c.Channels[0]
		c.Channels = c.Channels[1:]
	} else {
		ch = &Channel{}
	}
	ch.conn = c
	return ch
}

func (c *Conn) OpenSession() (transport.Channel, error) {
	defer c.enter()()
	if err := c.step("open-session"); err != nil {
		return nil, err
	}
	return c.nextChannel(), nil
}

func (c *Conn) OpenDirectTCPIP(host string, port int, _ string, _ int) (transport.Channel, error) {
	defer c.enter()()
	if err := c.step(fmt.Sprintf("open-direct-tcpip %s:%d", host, port)); err != nil {
		return nil, err
	}
	return c.nextChannel(), nil
}

func (c *Conn) ScpRecv(remotePath string) (transport.Channel, *transport.FileAttr, error) {
	defer c.enter()()
	if err := c.step("scp-recv " + remotePath); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	f := c.Files[remotePath]
	c.mu.Unlock()
	if f == nil || f.Dir {
		return nil, nil, c.fail(-28, "scp: no such file "+remotePath)
	}
	ch := &Channel{conn: c, Reads: []ReadStep{{Data: append([]byte(nil), f.Data...)}}}
	attr := &transport.FileAttr{
		Mode:  f.Mode,
		Size:  int64(len(f.Data)),
		MTime: f.MTime,
		ATime: f.ATime,
	}
	return ch, attr, nil
}

func (c *Conn) ScpSend(remotePath string, mode int, size int64, mtime, atime time.Time) (transport.Channel, error) {
	defer c.enter()()
	if err := c.step("scp-send " + remotePath); err != nil {
		return nil, err
	}
	ch := &Channel{conn: c, WriteLimit: c.SendWriteLimit}
	ch.commit = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		data := ch.Written.Bytes()
		if int64(len(data)) > size {
			data = data[:size]
		}
		c.Files[remotePath] = &File{
			Data:  append([]byte(nil), data...),
			Mode:  uint32(mode),
			MTime: mtime,
			ATime: atime,
		}
	}
	return ch, nil
}

func (c *Conn) OpenSFTP() (transport.FS, error) {
	defer c.enter()()
	if err := c.step("open-sftp"); err != nil {
		return nil, err
	}
	return &FS{conn: c}, nil
}

func (c *Conn) Close() error {
	defer c.enter()()
	if err := c.step("close"); err != nil {
		return err
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.CloseErr
}

// ReadStep is one scripted result of a channel read: data, a would-block
// signal, a clean end, or an error.
type ReadStep struct {
	Data  []byte
	Again bool
	End   bool
	Err   error
}

// Channel is a scriptable transport.Channel. Reads consume the scripted
// steps; once exhausted, every read reports a clean end.
type Channel struct {
	conn *Conn

	Reads  []ReadStep
	Stderr [][]byte

	// WriteLimit caps the bytes accepted per write; zero accepts all.
	WriteLimit int
	// WriteAgain is the number of would-block results before writes start
	// succeeding.
	WriteAgain int
	WriteErr   error
	ExecErr    error

	Status int

	Written  bytes.Buffer
	Commands []string
	Env      map[string]string
	Pty      string

	commit    func()
	committed bool
	eofSent   bool
	eofSeen   bool
	closed    bool
	CloseErr  error
}

func (f *Channel) enter() func() {
	if f.conn != nil {
		return f.conn.enter()
	}
	return func() {}
}

func (f *Channel) record(op string) {
	if f.conn != nil {
		f.conn.mu.Lock()
		f.conn.calls = append(f.conn.calls, op)
		f.conn.mu.Unlock()
	}
}

func (f *Channel) Setenv(name, value string) error {
	defer f.enter()()
	if f.Env == nil {
		f.Env = make(map[string]string)
	}
	f.Env[name] = value
	return nil
}

func (f *Channel) RequestPty(term string, _ []byte, _, _, _, _ int) error {
	defer f.enter()()
	f.Pty = term
	return nil
}

func (f *Channel) Shell() error {
	defer f.enter()()
	f.Commands = append(f.Commands, "shell")
	return f.ExecErr
}

func (f *Channel) Exec(command string) error {
	defer f.enter()()
	f.Commands = append(f.Commands, command)
	return f.ExecErr
}

func (f *Channel) Read(p []byte, stream int) (int, error) {
	defer f.enter()()
	if stream == transport.StreamStderr {
		if len(f.Stderr) == 0 {
			return 0, nil
		}
		chunk := f.Stderr[0]
		n := copy(p, chunk)
		if n < len(chunk) {
			f.Stderr[0] = chunk[n:]
		} else {
			f.Stderr = f.Stderr[1:]
		}
		return n, nil
	}

	if len(f.Reads) == 0 {
		f.eofSeen = true
		return 0, nil
	}
	step := f.Reads[0]
	switch {
	case step.Err != nil:
		f.Reads = f.Reads[1:]
		return 0, step.Err
	case step.Again:
		f.Reads = f.Reads[1:]
		return 0, transport.ErrAgain
	case step.End || len(step.Data) == 0:
		f.Reads = f.Reads[1:]
		f.eofSeen = true
		return 0, nil
	default:
		n := copy(p, step.Data)
		if n < len(step.Data) {
			f.Reads[0].Data = step.Data[n:]
		} else {
			f.Reads = f.Reads[1:]
		}
		return n, nil
	}
}

func (f *Channel) Write(p []byte, _ int) (int, error) {
	defer f.enter()()
	if f.WriteAgain > 0 {
		f.WriteAgain--
		return 0, transport.ErrAgain
	}
	if f.WriteErr != nil {
		return 0, f.WriteErr
	}
	n := len(p)
	if f.WriteLimit > 0 && n > f.WriteLimit {
		n = f.WriteLimit
	}
	f.Written.Write(p[:n])
	return n, nil
}

func (f *Channel) Eof() bool { return f.eofSeen }

func (f *Channel) SendEof() error {
	defer f.enter()()
	f.eofSent = true
	f.finish()
	return nil
}

func (f *Channel) WaitEof() error    { return nil }
func (f *Channel) WaitClosed() error { return nil }
func (f *Channel) ExitStatus() int   { return f.Status }

// EofSent reports whether the local side signalled end-of-stream.
func (f *Channel) EofSent() bool { return f.eofSent }

// IsClosed reports whether Close ran.
func (f *Channel) IsClosed() bool { return f.closed }

func (f *Channel) finish() {
	if f.commit != nil && !f.committed {
		f.committed = true
		f.commit()
	}
}

func (f *Channel) Close() error {
	defer f.enter()()
	f.record("channel-close")
	f.finish()
	f.closed = true
	return f.CloseErr
}

// FS implements transport.FS over the owning connection's file map.
type FS struct {
	conn   *Conn
	closed bool
}

func (fs *FS) lookup(p string) *File {
	fs.conn.mu.Lock()
	defer fs.conn.mu.Unlock()
	return fs.conn.Files[p]
}

func (fs *FS) notFound(p string) error {
	return fs.conn.fail(transport.SftpNoSuchFile, "no such file "+p)
}

func (fs *FS) Stat(p string) (*transport.FileAttr, error) {
	defer fs.conn.enter()()
	if p == "/" {
		return &transport.FileAttr{Mode: 0o040755}, nil
	}
	f := fs.lookup(p)
	if f == nil {
		return nil, fs.notFound(p)
	}
	return fileAttr(f), nil
}

func fileAttr(f *File) *transport.FileAttr {
	mode := f.Mode
	if f.Dir && mode&0o170000 == 0 {
		mode |= 0o040000
	} else if !f.Dir && mode&0o170000 == 0 {
		mode |= 0o100000
	}
	return &transport.FileAttr{
		Mode:  mode,
		Size:  int64(len(f.Data)),
		MTime: f.MTime,
		ATime: f.ATime,
	}
}

func (fs *FS) OpenDir(p string) (transport.DirHandle, error) {
	defer fs.conn.enter()()
	if p != "/" {
		f := fs.lookup(p)
		if f == nil {
			return nil, fs.notFound(p)
		}
		if !f.Dir {
			return nil, fs.conn.fail(transport.SftpFailure, "not a directory "+p)
		}
	}

	fs.conn.mu.Lock()
	var entries []dirEntry
	for name, f := range fs.conn.Files {
		if path.Dir(name) == p {
			entries = append(entries, dirEntry{name: path.Base(name), attr: fileAttr(f)})
		}
	}
	fs.conn.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return &dirHandle{entries: entries}, nil
}

func (fs *FS) OpenFile(p string, flags int, mode uint32) (transport.FileHandle, error) {
	defer fs.conn.enter()()
	fs.conn.mu.Lock()
	defer fs.conn.mu.Unlock()

	f := fs.conn.Files[p]
	switch {
	case f == nil && flags&transport.FlagCreate == 0:
		return nil, &transport.Error{Code: transport.SftpNoSuchFile, Message: "no such file " + p}
	case f != nil && f.Dir:
		return nil, &transport.Error{Code: transport.SftpFailure, Message: "is a directory " + p}
	case f != nil && flags&transport.FlagExcl != 0:
		return nil, &transport.Error{Code: transport.SftpFailure, Message: "file exists " + p}
	case f == nil:
		f = &File{Mode: mode, MTime: time.Now()}
		fs.conn.Files[p] = f
	}

	h := &fileHandle{fs: fs, file: f, writable: flags&transport.FlagWrite != 0}
	if flags&transport.FlagTrunc != 0 {
		f.Data = nil
	}
	if flags&transport.FlagAppend != 0 {
		h.offset = len(f.Data)
	}
	return h, nil
}

func (fs *FS) Mkdir(p string, mode uint32) error {
	defer fs.conn.enter()()
	fs.conn.mu.Lock()
	defer fs.conn.mu.Unlock()
	if fs.conn.Files[p] != nil {
		return &transport.Error{Code: transport.SftpFailure, Message: "file exists " + p}
	}
	fs.conn.Files[p] = &File{Dir: true, Mode: mode, MTime: time.Now()}
	return nil
}

func (fs *FS) Rmdir(p string) error {
	defer fs.conn.enter()()
	fs.conn.mu.Lock()
	defer fs.conn.mu.Unlock()
	f := fs.conn.Files[p]
	if f == nil {
		return &transport.Error{Code: transport.SftpNoSuchFile, Message: "no such file " + p}
	}
	if !f.Dir {
		return &transport.Error{Code: transport.SftpFailure, Message: "not a directory " + p}
	}
	for name := range fs.conn.Files {
		if path.Dir(name) == p {
			return &transport.Error{Code: transport.SftpFailure, Message: "directory not empty " + p}
		}
	}
	delete(fs.conn.Files, p)
	return nil
}

func (fs *FS) Rename(from, to string) error {
	defer fs.conn.enter()()
	fs.conn.mu.Lock()
	defer fs.conn.mu.Unlock()
	f := fs.conn.Files[from]
	if f == nil {
		return &transport.Error{Code: transport.SftpNoSuchFile, Message: "no such file " + from}
	}
	delete(fs.conn.Files, from)
	fs.conn.Files[to] = f
	return nil
}

func (fs *FS) Unlink(p string) error {
	defer fs.conn.enter()()
	fs.conn.mu.Lock()
	defer fs.conn.mu.Unlock()
	f := fs.conn.Files[p]
	if f == nil {
		return &transport.Error{Code: transport.SftpNoSuchFile, Message: "no such file " + p}
	}
	if f.Dir {
		return &transport.Error{Code: transport.SftpFailure, Message: "is a directory " + p}
	}
	delete(fs.conn.Files, p)
	return nil
}

func (fs *FS) Chmod(p string, mode uint32) error {
	defer fs.conn.enter()()
	fs.conn.mu.Lock()
	defer fs.conn.mu.Unlock()
	f := fs.conn.Files[p]
	if f == nil {
		return &transport.Error{Code: transport.SftpNoSuchFile, Message: "no such file " + p}
	}
	f.Mode = f.Mode&0o170000 | mode&0o7777
	return nil
}

func (fs *FS) Close() error {
	defer fs.conn.enter()()
	fs.closed = true
	return nil
}

// Closed reports whether the filesystem sub-channel was closed.
func (fs *FS) Closed() bool { return fs.closed }

type dirEntry struct {
	name string
	attr *transport.FileAttr
}

type dirHandle struct {
	entries []dirEntry
	next    int
}

func (d *dirHandle) ReadEntry() (string, *transport.FileAttr, error) {
	if d.next >= len(d.entries) {
		return "", nil, io.EOF
	}
	e := d.entries[d.next]
	d.next++
	return e.name, e.attr, nil
}

func (d *dirHandle) Close() error { return nil }

type fileHandle struct {
	fs       *FS
	file     *File
	offset   int
	writable bool
}

func (h *fileHandle) Read(p []byte) (int, error) {
	if err := h.fs.conn.step("file-read"); err != nil {
		return 0, err
	}
	h.fs.conn.mu.Lock()
	defer h.fs.conn.mu.Unlock()
	if h.offset >= len(h.file.Data) {
		return 0, io.EOF
	}
	n := copy(p, h.file.Data[h.offset:])
	h.offset += n
	return n, nil
}

func (h *fileHandle) Write(p []byte) (int, error) {
	if err := h.fs.conn.step("file-write"); err != nil {
		return 0, err
	}
	h.fs.conn.mu.Lock()
	defer h.fs.conn.mu.Unlock()
	if !h.writable {
		return 0, &transport.Error{Code: transport.SftpPermissionDenied, Message: "file not open for writing"}
	}
	for h.offset > len(h.file.Data) {
		h.file.Data = append(h.file.Data, 0)
	}
	h.file.Data = append(h.file.Data[:h.offset], p...)
	h.offset += len(p)
	return len(p), nil
}

func (h *fileHandle) Close() error { return nil }

// Waiter is a recording socket waiter compatible with the session layer's
// wait hook.
type Waiter struct {
	mu    sync.Mutex
	calls int
	Err   error
}

func (w *Waiter) Wait(_ uintptr, _, _ bool, _ time.Duration) error {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	return w.Err
}

// Calls reports how many times the waiter ran.
func (w *Waiter) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}
