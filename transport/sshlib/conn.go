// Package sshlib is the production transport implementation, adapting
// golang.org/x/crypto/ssh and github.com/pkg/sftp to the transport
// interfaces. Channel streams are drained by pump goroutines into local
// buffers, and command termination is tracked by a watcher goroutine, so
// reads and exit waits report transport.ErrAgain instead of blocking; a
// readiness pipe wakes the session layer's socket waiter when new data
// arrives or the command exits. Setup operations (dial, authentication,
// channel and transfer negotiation) block internally and never return
// ErrAgain.
package sshlib

import (
	"crypto/md5"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/charlesng35/sshkit/transport"
)

const maxSftpPacket = 1 << 15

// Dial is the production transport.Factory. It opens the TCP socket within
// timeout; the key exchange completes together with the first
// authentication attempt, which is the x/crypto/ssh model.
func Dial(host string, port int, timeout time.Duration) (transport.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("sshlib: dial %s:%d: %w", host, port, err)
	}

	notifyR, notifyW, err := os.Pipe()
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("sshlib: readiness pipe: %w", err)
	}
	_ = unix.SetNonblock(int(notifyR.Fd()), true)
	_ = unix.SetNonblock(int(notifyW.Fd()), true)

	return &Conn{
		host:    host,
		port:    port,
		timeout: timeout,
		tcp:     raw,
		notifyR: notifyR,
		notifyW: notifyW,
	}, nil
}

// Conn implements transport.Conn over an ssh client connection. Not safe
// for concurrent use; the session layer serializes access.
type Conn struct {
	host    string
	port    int
	timeout time.Duration

	tcp     net.Conn
	client  *gossh.Client
	hostKey gossh.PublicKey

	// notifyR/notifyW carry readiness wakeups from the stream pumps: the
	// session layer polls notifyR while a channel read reports would-block.
	notifyR *os.File
	notifyW *os.File

	mu       sync.Mutex
	lastCode int
	lastMsg  string
}

// notify rings the readiness pipe. A full pipe already carries a pending
// wakeup, so write failures are ignored.
func (c *Conn) notify() {
	if c.notifyW != nil {
		_, _ = c.notifyW.Write([]byte{1})
	}
}

// drainNotify clears pending wakeups so the next poll blocks until new
// data actually arrives.
func (c *Conn) drainNotify() {
	if c.notifyR == nil {
		return
	}
	buf := make([]byte, 64)
	for {
		if _, err := c.notifyR.Read(buf); err != nil {
			return
		}
	}
}

func (c *Conn) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c *Conn) setErr(code int, msg string) {
	c.mu.Lock()
	c.lastCode = code
	c.lastMsg = msg
	c.mu.Unlock()
}

// LastError reports the most recent non-success result.
func (c *Conn) LastError() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCode, c.lastMsg
}

// Handshake is deferred: the ssh implementation completes key exchange as
// part of each authentication attempt.
func (c *Conn) Handshake() error { return nil }

// BlockDirections: would-block results from this implementation always
// wait for pump arrivals, which surface as readable wakeups.
func (c *Conn) BlockDirections() (bool, bool) { return true, false }

// Fd exposes the readiness-notification descriptor the pumps write to.
func (c *Conn) Fd() uintptr {
	if c.notifyR != nil {
		return c.notifyR.Fd()
	}
	return c.socketFd()
}

func (c *Conn) socketFd() uintptr {
	sc, ok := c.tcp.(syscall.Conn)
	if !ok {
		return 0
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0
	}
	var fd uintptr
	_ = raw.Control(func(f uintptr) { fd = f })
	return fd
}

func (c *Conn) captureHostKey(_ string, _ net.Addr, key gossh.PublicKey) error {
	c.hostKey = key
	return nil
}

// socket returns the pending probe socket from Dial, or a fresh one for a
// follow-up authentication attempt.
func (c *Conn) socket() (net.Conn, error) {
	if c.tcp != nil {
		raw := c.tcp
		c.tcp = nil
		return raw, nil
	}
	dialer := net.Dialer{Timeout: c.timeout}
	return dialer.Dial("tcp", c.addr())
}

// auth performs one full handshake with a single authentication method. A
// failed attempt consumes the socket; the next attempt re-dials.
func (c *Conn) auth(user string, method gossh.AuthMethod) error {
	raw, err := c.socket()
	if err != nil {
		c.setErr(-1, err.Error())
		return fmt.Errorf("sshlib: dial %s: %w", c.addr(), err)
	}

	cfg := &gossh.ClientConfig{
		User:            user,
		Auth:            []gossh.AuthMethod{method},
		HostKeyCallback: c.captureHostKey,
		Timeout:         c.timeout,
	}

	clientConn, chans, reqs, err := gossh.NewClientConn(raw, c.addr(), cfg)
	if err != nil {
		_ = raw.Close()
		c.setErr(-18, err.Error())
		return fmt.Errorf("sshlib: authenticate %s: %w", user, err)
	}

	c.client = gossh.NewClient(clientConn, chans, reqs)
	c.tcp = raw
	return nil
}

// AuthPassword attempts password authentication.
func (c *Conn) AuthPassword(user, password string) error {
	return c.auth(user, gossh.Password(password))
}

// AuthPublickey attempts public-key authentication with the key material at
// privateKeyPath. The public key is derived from the private key; the path
// is only checked for readability.
func (c *Conn) AuthPublickey(user, privateKeyPath, publicKeyPath string) error {
	if publicKeyPath != "" {
		if _, err := os.Stat(publicKeyPath); err != nil {
			c.setErr(-16, err.Error())
			return fmt.Errorf("sshlib: public key %s: %w", publicKeyPath, err)
		}
	}

	pem, err := os.ReadFile(privateKeyPath)
	if err != nil {
		c.setErr(-16, err.Error())
		return fmt.Errorf("sshlib: read private key %s: %w", privateKeyPath, err)
	}
	signer, err := gossh.ParsePrivateKey(pem)
	if err != nil {
		c.setErr(-16, err.Error())
		return fmt.Errorf("sshlib: parse private key %s: %w", privateKeyPath, err)
	}
	return c.auth(user, gossh.PublicKeys(signer))
}

// AuthKeyboardInteractive attempts keyboard-interactive authentication,
// answering every prompt through respond.
func (c *Conn) AuthKeyboardInteractive(user string, respond func(prompt string, echo bool) string) error {
	challenge := func(_, _ string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i, q := range questions {
			echo := i < len(echos) && echos[i]
			answers[i] = respond(q, echo)
		}
		return answers, nil
	}
	return c.auth(user, gossh.KeyboardInteractive(challenge))
}

// HostKeyHash returns the MD5 digest of the remote host key, the classic
// colon-fingerprint input.
func (c *Conn) HostKeyHash() []byte {
	if c.hostKey == nil {
		return nil
	}
	sum := md5.Sum(c.hostKey.Marshal())
	return sum[:]
}

// Methods reports what this implementation can observe about the
// negotiated handshake. x/crypto/ssh does not expose the chosen kex or
// cipher names, so only the host key category is populated.
func (c *Conn) Methods() map[string]string {
	methods := make(map[string]string)
	if c.hostKey != nil {
		methods["hostkey"] = c.hostKey.Type()
	}
	return methods
}

// OpenSession opens a session-type channel.
func (c *Conn) OpenSession() (transport.Channel, error) {
	if c.client == nil {
		return nil, c.failure(-13, "session not authenticated", nil)
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, c.failure(-5, "open session channel", err)
	}
	return &sessionChannel{conn: c, sess: sess}, nil
}

// OpenDirectTCPIP opens a forwarding channel to host:port.
func (c *Conn) OpenDirectTCPIP(host string, port int, originHost string, originPort int) (transport.Channel, error) {
	if c.client == nil {
		return nil, c.failure(-13, "session not authenticated", nil)
	}

	raddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, c.failure(-5, "resolve forward target", err)
	}
	laddr := &net.TCPAddr{Port: originPort}
	if ip := net.ParseIP(originHost); ip != nil {
		laddr.IP = ip
	}

	nc, err := c.client.DialTCP("tcp", laddr, raddr)
	if err != nil {
		return nil, c.failure(-5, "open direct-tcpip channel", err)
	}
	return newTCPIPChannel(c, nc), nil
}

// OpenSFTP starts the sftp subsystem on a dedicated sub-channel.
func (c *Conn) OpenSFTP() (transport.FS, error) {
	if c.client == nil {
		return nil, c.failure(-13, "session not authenticated", nil)
	}
	client, err := newSftpClient(c.client)
	if err != nil {
		return nil, c.failure(-5, "open sftp subsystem", err)
	}
	return &fsAdapter{conn: c, client: client}, nil
}

// Close releases the client connection, its socket and the readiness pipe.
func (c *Conn) Close() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
		c.tcp = nil
	} else if c.tcp != nil {
		err = c.tcp.Close()
		c.tcp = nil
	}
	if c.notifyR != nil {
		_ = c.notifyR.Close()
		_ = c.notifyW.Close()
		c.notifyR, c.notifyW = nil, nil
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// failure records and returns a coded transport error.
func (c *Conn) failure(code int, context string, err error) error {
	msg := context
	if err != nil {
		msg = fmt.Sprintf("%s: %v", context, err)
	}
	c.setErr(code, msg)
	return &transport.Error{Code: code, Message: msg}
}
