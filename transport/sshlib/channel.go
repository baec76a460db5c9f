package sshlib

import (
	"errors"
	"io"
	"net"

	gossh "golang.org/x/crypto/ssh"

	"github.com/charlesng35/sshkit/transport"
)

const (
	defaultTermHeight = 24
	defaultTermWidth  = 80
)

// sessionChannel adapts a gossh session to transport.Channel.
type sessionChannel struct {
	conn *Conn
	sess *gossh.Session

	stdin  io.WriteCloser
	stdout *pumpReader
	stderr *pumpReader

	started bool
	eof     bool

	watch *exitWatch
}

// exitWatch tracks the remote command's termination off the guarded path: a
// goroutine parks in the blocking wait while callers poll the done channel
// and get a would-block result until it closes.
type exitWatch struct {
	done   chan struct{}
	status int
}

func newExitWatch(wait func() error, notify func()) *exitWatch {
	w := &exitWatch{done: make(chan struct{})}
	go func() {
		err := wait()
		var exitErr *gossh.ExitError
		if errors.As(err, &exitErr) {
			w.status = exitErr.ExitStatus()
		}
		close(w.done)
		notify()
	}()
	return w
}

func (w *exitWatch) finished() bool {
	if w == nil {
		return false
	}
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *exitWatch) exitStatus() int {
	if w.finished() {
		return w.status
	}
	return 0
}

func (ch *sessionChannel) ensurePipes() error {
	if ch.stdin != nil {
		return nil
	}
	stdin, err := ch.sess.StdinPipe()
	if err != nil {
		return ch.conn.failure(-5, "stdin pipe", err)
	}
	stdout, err := ch.sess.StdoutPipe()
	if err != nil {
		return ch.conn.failure(-5, "stdout pipe", err)
	}
	stderr, err := ch.sess.StderrPipe()
	if err != nil {
		return ch.conn.failure(-5, "stderr pipe", err)
	}
	ch.stdin = stdin
	ch.stdout = newPumpReader(stdout, ch.conn.notify)
	ch.stderr = newPumpReader(stderr, ch.conn.notify)
	return nil
}

func (ch *sessionChannel) Setenv(name, value string) error {
	if err := ch.sess.Setenv(name, value); err != nil {
		return ch.conn.failure(-5, "setenv "+name, err)
	}
	return nil
}

// RequestPty requests a pseudo-terminal. The raw encoded mode bytes are
// not translatable to the gossh mode map; the conventional echo and speed
// defaults are applied instead.
func (ch *sessionChannel) RequestPty(term string, _ []byte, width, height, _, _ int) error {
	if width <= 0 {
		width = defaultTermWidth
	}
	if height <= 0 {
		height = defaultTermHeight
	}
	modes := gossh.TerminalModes{
		gossh.ECHO:          1,
		gossh.TTY_OP_ISPEED: 14400,
		gossh.TTY_OP_OSPEED: 14400,
	}
	if err := ch.sess.RequestPty(term, height, width, modes); err != nil {
		return ch.conn.failure(-5, "request pty", err)
	}
	return nil
}

func (ch *sessionChannel) Shell() error {
	if err := ch.ensurePipes(); err != nil {
		return err
	}
	if err := ch.sess.Shell(); err != nil {
		return ch.conn.failure(-5, "start shell", err)
	}
	ch.started = true
	ch.watch = newExitWatch(ch.sess.Wait, ch.conn.notify)
	return nil
}

func (ch *sessionChannel) Exec(command string) error {
	if err := ch.ensurePipes(); err != nil {
		return err
	}
	if err := ch.sess.Start(command); err != nil {
		return ch.conn.failure(-5, "exec command", err)
	}
	ch.started = true
	ch.watch = newExitWatch(ch.sess.Wait, ch.conn.notify)
	return nil
}

func (ch *sessionChannel) Read(p []byte, stream int) (int, error) {
	var pump *pumpReader
	switch stream {
	case transport.StreamStderr:
		pump = ch.stderr
	default:
		pump = ch.stdout
	}
	if pump == nil {
		return 0, &transport.Error{Code: -5, Message: "channel has no started command"}
	}

	n, err := pump.read(p)
	if errors.Is(err, transport.ErrAgain) {
		// Drain stale wakeups before re-checking so a wakeup arriving after
		// the re-check is never lost.
		ch.conn.drainNotify()
		n, err = pump.read(p)
	}
	switch {
	case errors.Is(err, io.EOF):
		ch.eof = true
		return 0, nil
	case errors.Is(err, transport.ErrAgain):
		return 0, transport.ErrAgain
	case err != nil:
		return n, &transport.Error{Code: -5, Message: "channel read: " + err.Error()}
	}
	return n, nil
}

func (ch *sessionChannel) Write(p []byte, _ int) (int, error) {
	if ch.stdin == nil {
		return 0, &transport.Error{Code: -5, Message: "channel has no started command"}
	}
	n, err := ch.stdin.Write(p)
	if err != nil {
		return n, &transport.Error{Code: -5, Message: "channel write: " + err.Error()}
	}
	return n, nil
}

func (ch *sessionChannel) Eof() bool { return ch.eof }

func (ch *sessionChannel) SendEof() error {
	if ch.stdin == nil {
		return nil
	}
	if err := ch.stdin.Close(); err != nil && !errors.Is(err, io.EOF) {
		return ch.conn.failure(-5, "send eof", err)
	}
	return nil
}

// awaitExit reports would-block until the exit watch completes, so the
// session layer can release the guard and wait on the readiness descriptor
// instead of this call parking in the blocking wait.
func (ch *sessionChannel) awaitExit() error {
	if !ch.started {
		return nil
	}
	if ch.watch.finished() {
		ch.eof = true
		return nil
	}
	// Drain stale wakeups before re-checking so a completion arriving after
	// the re-check is never lost.
	ch.conn.drainNotify()
	if ch.watch.finished() {
		ch.eof = true
		return nil
	}
	return transport.ErrAgain
}

func (ch *sessionChannel) WaitEof() error {
	return ch.awaitExit()
}

func (ch *sessionChannel) WaitClosed() error {
	return ch.awaitExit()
}

// ExitStatus reports the remote command's status, or zero while it is still
// running. Callers observe completion through WaitClosed first.
func (ch *sessionChannel) ExitStatus() int {
	return ch.watch.exitStatus()
}

func (ch *sessionChannel) Close() error {
	if ch.stdout != nil {
		ch.stdout.close()
	}
	if ch.stderr != nil {
		ch.stderr.close()
	}
	err := ch.sess.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return &transport.Error{Code: -5, Message: "channel close: " + err.Error()}
	}
	return nil
}

// tcpipChannel adapts a forwarded TCP connection to transport.Channel.
// Session-type operations are not applicable on a forwarding channel.
type tcpipChannel struct {
	conn *Conn
	nc   net.Conn
	pump *pumpReader
	eof  bool
}

func newTCPIPChannel(c *Conn, nc net.Conn) *tcpipChannel {
	return &tcpipChannel{conn: c, nc: nc, pump: newPumpReader(nc, c.notify)}
}

func (ch *tcpipChannel) notSupported(op string) error {
	return &transport.Error{Code: -39, Message: op + " is not supported on a direct-tcpip channel"}
}

func (ch *tcpipChannel) Setenv(string, string) error { return ch.notSupported("setenv") }
func (ch *tcpipChannel) RequestPty(string, []byte, int, int, int, int) error {
	return ch.notSupported("request pty")
}
func (ch *tcpipChannel) Shell() error      { return ch.notSupported("shell") }
func (ch *tcpipChannel) Exec(string) error { return ch.notSupported("exec") }
func (ch *tcpipChannel) ExitStatus() int   { return 0 }
func (ch *tcpipChannel) Eof() bool         { return ch.eof }
func (ch *tcpipChannel) WaitEof() error    { return nil }
func (ch *tcpipChannel) WaitClosed() error { return nil }

func (ch *tcpipChannel) Read(p []byte, _ int) (int, error) {
	n, err := ch.pump.read(p)
	if errors.Is(err, transport.ErrAgain) {
		ch.conn.drainNotify()
		n, err = ch.pump.read(p)
	}
	switch {
	case errors.Is(err, io.EOF):
		ch.eof = true
		return 0, nil
	case errors.Is(err, transport.ErrAgain):
		return 0, transport.ErrAgain
	case err != nil:
		return n, &transport.Error{Code: -5, Message: "tunnel read: " + err.Error()}
	}
	return n, nil
}

func (ch *tcpipChannel) Write(p []byte, _ int) (int, error) {
	n, err := ch.nc.Write(p)
	if err != nil {
		return n, &transport.Error{Code: -5, Message: "tunnel write: " + err.Error()}
	}
	return n, nil
}

func (ch *tcpipChannel) SendEof() error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := ch.nc.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (ch *tcpipChannel) Close() error {
	ch.pump.close()
	if err := ch.nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return &transport.Error{Code: -5, Message: "tunnel close: " + err.Error()}
	}
	return nil
}
