// Package session implements the authenticated secure-shell session layer:
// a Client owning the shared transport handle, the Guard serializing access
// to it, and the Channel objects multiplexed over it. The transport handle
// is synchronous and not reentrant; every protocol call runs under the
// Guard, and would-block results are retried after waiting for socket
// readiness with the guard released.
package session

import (
	stdErrors "errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/sshkit/internal/poll"
	"github.com/charlesng35/sshkit/pkg/errors"
	"github.com/charlesng35/sshkit/pkg/logger"
	"github.com/charlesng35/sshkit/transport"
	"github.com/charlesng35/sshkit/transport/sshlib"
)

// DefaultPort is the conventional secure-shell port used when none is set.
const DefaultPort = 22

// Per-operation timeout defaults, applied when a caller passes zero.
const (
	DefaultConnectTimeout = time.Minute
	DefaultChannelTimeout = 10 * time.Second
	DefaultOpTimeout      = 30 * time.Second
)

// Authentication method names reported by AuthenticatedWith and Info.
const (
	AuthMethodPassword    = "password"
	AuthMethodPublickey   = "publickey"
	AuthMethodInteractive = "keyboard-interactive"
)

// WaitFunc blocks until the descriptor is ready in the given direction(s)
// or the timeout elapses. It is the session's single suspension point.
type WaitFunc func(fd uintptr, read, write bool, timeout time.Duration) error

// UsageSink receives transfer timing samples. Implementations decide what
// to do with them; the session only feeds the sink.
type UsageSink interface {
	RecordSend(bytes int, elapsed time.Duration)
	RecordReceive(bytes int, elapsed time.Duration)
}

// UsageInfo is a point-in-time snapshot of transfer activity, produced by
// sinks that also implement the snapshot interface.
type UsageInfo struct {
	BytesSent     uint64
	BytesReceived uint64
	SendTime      time.Duration
	ReceiveTime   time.Duration
	// Extra echoes sink-specific configuration (thresholds, arguments).
	Extra map[string]any
}

// UsageSnapshotter is implemented by sinks able to report a snapshot.
type UsageSnapshotter interface {
	UsageSnapshot() UsageInfo
}

// Info is a read-only snapshot of the connection state.
type Info struct {
	Host              string
	Port              int
	User              string
	PrivateKey        string
	PublicKey         string
	Fingerprint       string
	AuthenticatedWith string
	Connected         bool
	Methods           map[string]string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTransport replaces the transport factory (production default dials
// through transport/sshlib).
func WithTransport(factory transport.Factory) Option {
	return func(c *Client) { c.factory = factory }
}

// WithWaiter replaces the socket waiter.
func WithWaiter(wait WaitFunc) Option {
	return func(c *Client) { c.wait = wait }
}

// WithLogger attaches a logger; lifecycle events log at debug level.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithUsageSink attaches a transfer telemetry sink.
func WithUsageSink(sink UsageSink) Option {
	return func(c *Client) { c.sink = sink }
}

// Client owns one secure-shell session: the transport handle, its socket,
// the connection parameters and the registry of live child channels. It is
// safe for concurrent use by multiple goroutines.
type Client struct {
	guard Guard

	// mu protects the connection parameters and state flags; the transport
	// handle itself is protected by guard.
	mu         sync.RWMutex
	host       string
	port       int
	user       string
	password   string
	keyPriv    string
	keyPub     string
	connected  bool
	authWith   string
	fingerprnt []byte
	methods    map[string]string

	conn     transport.Conn
	children map[string]*Channel

	factory transport.Factory
	wait    WaitFunc
	sink    UsageSink
	log     *zap.Logger
}

// NewClient builds a disconnected client for host:port. A zero port means
// DefaultPort. No network activity happens until Connect.
func NewClient(host string, port int, opts ...Option) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	c := &Client{
		host:     strings.TrimSpace(host),
		port:     port,
		factory:  sshlib.Dial,
		wait:     poll.Wait,
		children: make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithModule("session")
	}
	c.log = logger.WithSession(c.log, c.host, c.port)
	return c
}

// SetUser sets the login user name. Fails while connected.
func (c *Client) SetUser(user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return errors.ErrAlreadyConnected
	}
	c.user = strings.TrimSpace(user)
	return nil
}

// SetPassword sets the password used for password and keyboard-interactive
// authentication. Fails while connected.
func (c *Client) SetPassword(password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return errors.ErrAlreadyConnected
	}
	c.password = password
	return nil
}

// SetKeys sets the private/public key file pair. Fails while connected, and
// with a key-setup error if either file is not readable. Validity of the
// key material itself is only discovered at authentication time.
func (c *Client) SetKeys(privateKeyPath, publicKeyPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return errors.ErrAlreadyConnected
	}
	for _, path := range []string{privateKeyPath, publicKeyPath} {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(errors.KindKeySetup, fmt.Sprintf("key file %s is not readable", path), err)
		}
		_ = f.Close()
	}
	c.keyPriv = privateKeyPath
	c.keyPub = publicKeyPath
	return nil
}

// Connected reports whether the most recent Connect succeeded with no
// Disconnect since.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Host returns the configured host.
func (c *Client) Host() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.host }

// Port returns the configured port.
func (c *Client) Port() int { c.mu.RLock(); defer c.mu.RUnlock(); return c.port }

// User returns the configured user name.
func (c *Client) User() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.user }

// Password returns the configured password.
func (c *Client) Password() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.password }

// PrivateKey returns the configured private key path.
func (c *Client) PrivateKey() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.keyPriv }

// PublicKey returns the configured public key path.
func (c *Client) PublicKey() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.keyPub }

// AuthenticatedWith returns the method that actually authenticated the
// session ("password", "publickey" or "keyboard-interactive"), or empty
// when not connected.
func (c *Client) AuthenticatedWith() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authWith
}

// Fingerprint renders the remote host key hash as colon-separated hex byte
// pairs, or empty when not connected.
func (c *Client) Fingerprint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fingerprintString(c.fingerprnt)
}

// Info returns a full connection-info snapshot. Safe in any state.
func (c *Client) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	methods := make(map[string]string, len(c.methods))
	for k, v := range c.methods {
		methods[k] = v
	}
	return Info{
		Host:              c.host,
		Port:              c.port,
		User:              c.user,
		PrivateKey:        c.keyPriv,
		PublicKey:         c.keyPub,
		Fingerprint:       fingerprintString(c.fingerprnt),
		AuthenticatedWith: c.authWith,
		Connected:         c.connected,
		Methods:           methods,
	}
}

// Usage returns the attached sink's snapshot, or a zero snapshot when no
// snapshot-capable sink is attached.
func (c *Client) Usage() UsageInfo {
	if snap, ok := c.sink.(UsageSnapshotter); ok {
		return snap.UsageSnapshot()
	}
	return UsageInfo{}
}

// authContext answers keyboard-interactive prompts with the stored
// password. Its lifetime is scoped to a single Connect call.
type authContext struct {
	password string
	prompts  []string
}

func (a *authContext) respond(prompt string, _ bool) string {
	a.prompts = append(a.prompts, prompt)
	return a.password
}

// Connect opens the socket, completes the handshake and authenticates,
// trying public key, then password, then keyboard-interactive. A previous
// session is disconnected first.
func (c *Client) Connect(timeout time.Duration) error {
	deadline := deadlineFor(timeout, DefaultConnectTimeout)
	dialTimeout := timeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultConnectTimeout
	}

	c.mu.RLock()
	host, port := c.host, c.port
	user, password := c.user, c.password
	keyPriv, keyPub := c.keyPriv, c.keyPub
	c.mu.RUnlock()

	if user == "" {
		return errors.New(errors.KindParameter, "user name is not set")
	}
	if host == "" {
		return errors.New(errors.KindParameter, "host is not set")
	}

	if c.Connected() {
		_ = c.teardown(deadline)
	}

	conn, err := c.factory(host, port, dialTimeout)
	if err != nil {
		return errors.Wrap(errors.KindConnect, fmt.Sprintf("dial %s:%d", host, port), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.run(deadline, conn.Handshake); err != nil {
		c.dropConn()
		return errors.Wrap(errors.KindConnect, "protocol handshake", err)
	}

	method, err := c.authenticate(deadline, conn, user, password, keyPriv, keyPub)
	if err != nil {
		c.dropConn()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.authWith = method
	c.fingerprnt = conn.HostKeyHash()
	c.methods = conn.Methods()
	c.mu.Unlock()

	c.log.Debug("session connected",
		zap.String("user", user),
		zap.String("auth_method", method))
	return nil
}

// authenticate walks the fixed fallback order and returns the method that
// succeeded.
func (c *Client) authenticate(deadline time.Time, conn transport.Conn, user, password, keyPriv, keyPub string) (string, error) {
	var lastErr error

	if keyPriv != "" && keyPub != "" {
		err := c.run(deadline, func() error { return conn.AuthPublickey(user, keyPriv, keyPub) })
		if err == nil {
			return AuthMethodPublickey, nil
		}
		lastErr = err
	}

	if password != "" {
		err := c.run(deadline, func() error { return conn.AuthPassword(user, password) })
		if err == nil {
			return AuthMethodPassword, nil
		}
		lastErr = err

		actx := &authContext{password: password}
		err = c.run(deadline, func() error { return conn.AuthKeyboardInteractive(user, actx.respond) })
		if err == nil {
			return AuthMethodInteractive, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		return "", errors.New(errors.KindAuth, "no authentication methods available")
	}
	return "", errors.Wrap(errors.KindAuth, "all authentication methods exhausted", lastErr)
}

// Disconnect force-closes every registered child channel and releases the
// session handle. Fails when not connected.
func (c *Client) Disconnect(timeout time.Duration) error {
	if !c.Connected() {
		return errors.ErrNotConnected
	}
	return c.teardown(deadlineFor(timeout, DefaultConnectTimeout))
}

// Close is the unconditional teardown for use in defer chains; unlike
// Disconnect it is a no-op on a disconnected client.
func (c *Client) Close() error {
	if !c.Connected() {
		return nil
	}
	return c.teardown(time.Now().Add(DefaultConnectTimeout))
}

// teardown closes children before the session handle so no channel is ever
// left pointing at a freed handle.
func (c *Client) teardown(deadline time.Time) error {
	c.mu.Lock()
	children := make([]*Channel, 0, len(c.children))
	for _, ch := range c.children {
		children = append(children, ch)
	}
	conn := c.conn
	c.mu.Unlock()

	var errs error
	for _, ch := range children {
		errs = multierr.Append(errs, ch.forceClose(deadline))
	}

	if conn != nil {
		if err := c.run(deadline, conn.Close); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.authWith = ""
	c.fingerprnt = nil
	c.methods = nil
	c.children = make(map[string]*Channel)
	c.mu.Unlock()

	if errs != nil {
		c.log.Debug("session teardown reported errors", zap.Error(errs))
	} else {
		c.log.Debug("session disconnected")
	}
	return errs
}

func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		c.guard.Do(func() { _ = conn.Close() })
	}
}

// attempt runs op exactly once under the guard. When the result is a
// would-block signal it also reports, still under the guard, which socket
// directions the handle is waiting on.
func (c *Client) attempt(op func() error) (err error, read, write bool) {
	c.guard.Lock()
	defer c.guard.Unlock()
	err = op()
	if stdErrors.Is(err, transport.ErrAgain) {
		c.mu.RLock()
		if c.conn != nil {
			read, write = c.conn.BlockDirections()
		}
		c.mu.RUnlock()
	}
	return err, read, write
}

// deadlineFor translates a caller timeout into a call deadline: zero means
// the given default, negative means a single attempt with no socket wait,
// represented by the zero time.
func deadlineFor(timeout, def time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	if timeout == 0 {
		timeout = def
	}
	return time.Now().Add(timeout)
}

// run executes op under the guard, retrying would-block results after
// waiting for socket readiness with the guard released. Deadline expiry
// surfaces as a timeout error and aborts this call only: an already-expired
// deadline fails before the first attempt, and the zero deadline allows one
// attempt with no wait.
func (c *Client) run(deadline time.Time, op func() error) error {
	single := deadline.IsZero()
	if !single && time.Until(deadline) <= 0 {
		return errors.New(errors.KindTimeout, "timed out waiting for socket readiness")
	}
	for {
		err, read, write := c.attempt(op)
		if !stdErrors.Is(err, transport.ErrAgain) {
			return err
		}
		if single {
			return errors.New(errors.KindTimeout, "timed out waiting for socket readiness")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.New(errors.KindTimeout, "timed out waiting for socket readiness")
		}
		if err := c.waitSocket(read, write, remaining); err != nil {
			if stdErrors.Is(err, poll.ErrTimeout) {
				return errors.New(errors.KindTimeout, "timed out waiting for socket readiness")
			}
			return errors.Wrap(errors.KindProtocol, "socket wait", err)
		}
	}
}

// Do exposes the guarded retry loop: op runs under the session guard,
// would-block results wait for socket readiness within timeout. A zero
// timeout applies the default operation timeout; a negative timeout makes a
// single attempt and fails with a timeout error if it would block.
func (c *Client) Do(timeout time.Duration, op func() error) error {
	return c.run(deadlineFor(timeout, DefaultOpTimeout), op)
}

// DoUntil is Do against an explicit deadline, for callers that spread one
// per-call budget across several guarded calls. An expired deadline fails
// immediately; the zero deadline means a single attempt per call.
func (c *Client) DoUntil(deadline time.Time, op func() error) error {
	return c.run(deadline, op)
}

func (c *Client) waitSocket(read, write bool, timeout time.Duration) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	var fd uintptr
	if conn != nil {
		fd = conn.Fd()
	}
	return c.wait(fd, read, write, timeout)
}

// protocolErr translates the handle's last non-success result uniformly.
func (c *Client) protocolErr(context string, err error) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	var terr *transport.Error
	if stdErrors.As(err, &terr) {
		return errors.Protocol(terr.Code, fmt.Sprintf("%s: %s", context, terr.Message), err)
	}
	if conn != nil {
		if code, msg := conn.LastError(); code != 0 || msg != "" {
			return errors.Protocol(code, fmt.Sprintf("%s: %s", context, msg), err)
		}
	}
	return errors.Wrap(errors.KindProtocol, context, err)
}

func (c *Client) recordSend(n int, elapsed time.Duration) {
	if c.sink != nil && n > 0 {
		c.sink.RecordSend(n, elapsed)
	}
}

func (c *Client) recordReceive(n int, elapsed time.Duration) {
	if c.sink != nil && n > 0 {
		c.sink.RecordReceive(n, elapsed)
	}
}

func fingerprintString(hash []byte) string {
	if len(hash) == 0 {
		return ""
	}
	var b strings.Builder
	for i, by := range hash {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", by)
	}
	return b.String()
}
