package sshlib

import (
	"errors"
	"io"
	"os"
	"time"

	pkgsftp "github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"

	"github.com/charlesng35/sshkit/transport"
)

func newSftpClient(client *gossh.Client) (*pkgsftp.Client, error) {
	return pkgsftp.NewClient(client, pkgsftp.MaxPacket(maxSftpPacket))
}

// fsAdapter implements transport.FS over a pkg/sftp client. Its operations
// block until the round trip completes.
type fsAdapter struct {
	conn   *Conn
	client *pkgsftp.Client
}

// sftpErr translates a pkg/sftp failure into a coded transport error,
// preserving the protocol status code when the library exposes one.
func (fs *fsAdapter) sftpErr(context string, err error) error {
	code := transport.SftpFailure
	var se *pkgsftp.StatusError
	if errors.As(err, &se) {
		code = int(se.Code)
	} else if errors.Is(err, os.ErrNotExist) {
		code = transport.SftpNoSuchFile
	}
	return fs.conn.failure(code, "sftp "+context, err)
}

func fileInfoAttr(fi os.FileInfo) *transport.FileAttr {
	attr := &transport.FileAttr{
		Size:  fi.Size(),
		MTime: fi.ModTime(),
	}
	if st, ok := fi.Sys().(*pkgsftp.FileStat); ok {
		attr.Mode = st.Mode
		attr.ATime = time.Unix(int64(st.Atime), 0)
		attr.UID = int(st.UID)
		attr.GID = int(st.GID)
	} else {
		attr.Mode = uint32(fi.Mode().Perm())
	}
	return attr
}

func (fs *fsAdapter) Stat(path string) (*transport.FileAttr, error) {
	fi, err := fs.client.Stat(path)
	if err != nil {
		return nil, fs.sftpErr("stat "+path, err)
	}
	return fileInfoAttr(fi), nil
}

// OpenDir reads the directory in one round trip and iterates the snapshot.
func (fs *fsAdapter) OpenDir(path string) (transport.DirHandle, error) {
	entries, err := fs.client.ReadDir(path)
	if err != nil {
		return nil, fs.sftpErr("open directory "+path, err)
	}
	return &dirSnapshot{entries: entries}, nil
}

func (fs *fsAdapter) OpenFile(path string, flags int, mode uint32) (transport.FileHandle, error) {
	f, err := fs.client.OpenFile(path, osFlags(flags))
	if err != nil {
		return nil, fs.sftpErr("open "+path, err)
	}
	if flags&transport.FlagCreate != 0 && mode != 0 {
		if err := f.Chmod(os.FileMode(mode & 0o777)); err != nil {
			_ = f.Close()
			return nil, fs.sftpErr("chmod "+path, err)
		}
	}
	return &fileHandle{fs: fs, file: f, path: path}, nil
}

func (fs *fsAdapter) Mkdir(path string, mode uint32) error {
	if err := fs.client.Mkdir(path); err != nil {
		return fs.sftpErr("mkdir "+path, err)
	}
	if mode != 0 {
		if err := fs.client.Chmod(path, os.FileMode(mode&0o777)); err != nil {
			return fs.sftpErr("chmod "+path, err)
		}
	}
	return nil
}

func (fs *fsAdapter) Rmdir(path string) error {
	if err := fs.client.RemoveDirectory(path); err != nil {
		return fs.sftpErr("rmdir "+path, err)
	}
	return nil
}

func (fs *fsAdapter) Rename(from, to string) error {
	if err := fs.client.Rename(from, to); err != nil {
		return fs.sftpErr("rename "+from, err)
	}
	return nil
}

func (fs *fsAdapter) Unlink(path string) error {
	if err := fs.client.Remove(path); err != nil {
		return fs.sftpErr("unlink "+path, err)
	}
	return nil
}

func (fs *fsAdapter) Chmod(path string, mode uint32) error {
	if err := fs.client.Chmod(path, os.FileMode(mode&0o777)); err != nil {
		return fs.sftpErr("chmod "+path, err)
	}
	return nil
}

func (fs *fsAdapter) Close() error {
	if err := fs.client.Close(); err != nil && !errors.Is(err, io.EOF) {
		return fs.conn.failure(transport.SftpFailure, "sftp close", err)
	}
	return nil
}

// osFlags maps transport open flags onto the os package flags pkg/sftp
// expects.
func osFlags(flags int) int {
	var out int
	switch {
	case flags&transport.FlagRead != 0 && flags&transport.FlagWrite != 0:
		out = os.O_RDWR
	case flags&transport.FlagWrite != 0:
		out = os.O_WRONLY
	default:
		out = os.O_RDONLY
	}
	if flags&transport.FlagAppend != 0 {
		out |= os.O_APPEND
	}
	if flags&transport.FlagCreate != 0 {
		out |= os.O_CREATE
	}
	if flags&transport.FlagTrunc != 0 {
		out |= os.O_TRUNC
	}
	if flags&transport.FlagExcl != 0 {
		out |= os.O_EXCL
	}
	return out
}

type dirSnapshot struct {
	entries []os.FileInfo
	next    int
}

func (d *dirSnapshot) ReadEntry() (string, *transport.FileAttr, error) {
	if d.next >= len(d.entries) {
		return "", nil, io.EOF
	}
	fi := d.entries[d.next]
	d.next++
	return fi.Name(), fileInfoAttr(fi), nil
}

func (d *dirSnapshot) Close() error {
	d.entries = nil
	return nil
}

type fileHandle struct {
	fs   *fsAdapter
	file *pkgsftp.File
	path string
}

func (h *fileHandle) Read(p []byte) (int, error) {
	n, err := h.file.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, h.fs.sftpErr("read "+h.path, err)
	}
	return n, err
}

func (h *fileHandle) Write(p []byte) (int, error) {
	n, err := h.file.Write(p)
	if err != nil {
		return n, h.fs.sftpErr("write "+h.path, err)
	}
	return n, nil
}

func (h *fileHandle) Close() error {
	if err := h.file.Close(); err != nil {
		return h.fs.sftpErr("close "+h.path, err)
	}
	return nil
}
