// Package transport defines the boundary to the secure-shell protocol
// primitive the session layer is built on. Implementations are synchronous
// and not safe for concurrent use; callers serialize access themselves. A
// frequently-non-blocking implementation signals "no progress possible right
// now" by returning ErrAgain, and the caller waits for socket readiness
// before retrying. Implementations that simply block never return ErrAgain.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrAgain is the would-block signal: the call made no progress and must be
// retried after the underlying socket becomes ready.
var ErrAgain = errors.New("transport: operation would block")

// Error carries the implementation's numeric result code alongside its
// message. The session layer translates it into the library's error types.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return fmt.Sprintf("transport error %d", e.Code)
	}
	return e.Message
}

// SFTP status codes surfaced through Error.Code by FS implementations,
// mirroring the protocol's SSH_FX_* values.
const (
	SftpOK               = 0
	SftpEOF              = 1
	SftpNoSuchFile       = 2
	SftpPermissionDenied = 3
	SftpFailure          = 4
)

// Open flags for FS.OpenFile.
const (
	FlagRead = 1 << iota
	FlagWrite
	FlagAppend
	FlagCreate
	FlagTrunc
	FlagExcl
)

// Stream identifiers for Channel.Read and Channel.Write.
const (
	StreamStdio  = 0
	StreamStderr = 1
)

// FileAttr is the attribute record produced by stat, directory listings and
// SCP receive headers. It is a pure value, never mutated after construction.
type FileAttr struct {
	Mode  uint32
	Size  int64
	ATime time.Time
	MTime time.Time
	UID   int
	GID   int
}

// Conn is the shared protocol handle: one authenticated connection over
// which channels and the SFTP subsystem are multiplexed. Not reentrant.
type Conn interface {
	// Handshake completes the wire-level key exchange. May return ErrAgain.
	Handshake() error

	// Authentication attempts. Each may return ErrAgain; any other error
	// means the method was rejected and the next one may be tried.
	AuthPassword(user, password string) error
	AuthPublickey(user, privateKeyPath, publicKeyPath string) error
	// AuthKeyboardInteractive answers server prompts through respond, whose
	// lifetime is scoped to this single call.
	AuthKeyboardInteractive(user string, respond func(prompt string, echo bool) string) error

	// HostKeyHash returns the raw hash bytes of the remote host key, or nil
	// before the handshake completed.
	HostKeyHash() []byte
	// Methods maps negotiated cryptographic method categories to the method
	// names chosen during the handshake.
	Methods() map[string]string

	// BlockDirections reports which socket directions the last would-block
	// call was waiting on.
	BlockDirections() (read, write bool)
	// Fd exposes the raw socket descriptor for readiness waiting.
	Fd() uintptr
	// LastError reports the implementation's most recent non-success result.
	LastError() (code int, message string)

	OpenSession() (Channel, error)
	OpenDirectTCPIP(host string, port int, originHost string, originPort int) (Channel, error)

	// ScpRecv opens a channel pre-wired to stream the remote file's bytes
	// and reports its attributes as announced by the remote side.
	ScpRecv(path string) (Channel, *FileAttr, error)
	// ScpSend opens a channel ready to accept exactly size bytes for the
	// remote file.
	ScpSend(path string, mode int, size int64, mtime, atime time.Time) (Channel, error)

	OpenSFTP() (FS, error)

	Close() error
}

// Channel is one logical duplex stream multiplexed over a Conn. All methods
// may return ErrAgain on a non-blocking implementation.
type Channel interface {
	Setenv(name, value string) error
	RequestPty(term string, modes []byte, width, height, widthPx, heightPx int) error
	Shell() error
	Exec(command string) error

	// Read reads from the given stream. A (0, nil) return signals a clean
	// end of channel.
	Read(p []byte, stream int) (int, error)
	Write(p []byte, stream int) (int, error)

	Eof() bool
	SendEof() error
	WaitEof() error
	WaitClosed() error
	ExitStatus() int

	Close() error
}

// FS is the stateful remote-filesystem protocol carried on a dedicated
// sub-channel of the Conn.
type FS interface {
	Stat(path string) (*FileAttr, error)
	OpenDir(path string) (DirHandle, error)
	OpenFile(path string, flags int, mode uint32) (FileHandle, error)
	Mkdir(path string, mode uint32) error
	Rmdir(path string) error
	Rename(from, to string) error
	Unlink(path string) error
	Chmod(path string, mode uint32) error
	Close() error
}

// DirHandle iterates one open remote directory.
type DirHandle interface {
	// ReadEntry returns the next entry, io.EOF once the remote signals
	// end-of-directory, or ErrAgain.
	ReadEntry() (name string, attr *FileAttr, err error)
	Close() error
}

// FileHandle is one open remote file.
type FileHandle interface {
	// Read returns (0, io.EOF) at end of file, or ErrAgain.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Factory dials host:port within timeout and returns an unauthenticated
// Conn. The session layer drives Handshake and authentication afterwards.
type Factory func(host string, port int, timeout time.Duration) (Conn, error)
