package sftp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sshkit/internal/poll"
	"github.com/charlesng35/sshkit/pkg/errors"
	"github.com/charlesng35/sshkit/session"
	"github.com/charlesng35/sshkit/transport"
	"github.com/charlesng35/sshkit/transport/transporttest"
)

func newTestClient(t *testing.T, conn *transporttest.Conn, waiter *transporttest.Waiter) *Client {
	t.Helper()
	conn.AcceptPassword = "secret"
	sess := session.NewClient("files.example.com", 22,
		session.WithTransport(func(string, int, time.Duration) (transport.Conn, error) { return conn, nil }),
		session.WithWaiter(waiter.Wait),
	)
	require.NoError(t, sess.SetUser("deploy"))
	require.NoError(t, sess.SetPassword("secret"))
	return NewClient(sess)
}

func connectedTestClient(t *testing.T, conn *transporttest.Conn) *Client {
	t.Helper()
	c := newTestClient(t, conn, &transporttest.Waiter{})
	require.NoError(t, c.Connect(time.Second))
	return c
}

func TestConnectOpensSubChannel(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	assert.True(t, c.Connected())
	assert.Equal(t, ".", c.Path())
	assert.Contains(t, conn.Calls(), "open-sftp")
}

func TestConnectRollsBackWhenSubChannelFails(t *testing.T) {
	conn := transporttest.NewConn()
	conn.AcceptPassword = "secret"
	conn.Again["open-sftp"] = 1000
	c := newTestClient(t, conn, &transporttest.Waiter{Err: poll.ErrTimeout})

	err := c.Connect(50 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errors.KindChannelTimeout, errors.KindOf(err))
	assert.False(t, c.Connected())
	assert.True(t, conn.Closed(), "failed sub-channel open must tear the session down")
}

func TestDisconnectClosesSubChannelAndSession(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	require.NoError(t, c.Disconnect(time.Second))
	assert.False(t, c.Connected())
	assert.True(t, conn.Closed())
}

func TestOperationsRequireConnection(t *testing.T) {
	c := newTestClient(t, transporttest.NewConn(), &transporttest.Waiter{})

	assert.ErrorIs(t, c.Chdir("/data", time.Second), errors.ErrNotConnected)
	_, err := c.ListFull("/data", time.Second)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	_, err = c.GetFile("/data/x", time.Second)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	_, err = c.PutFile([]byte("x"), "/data/x", 0o644, time.Second)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.ErrorIs(t, c.Mkdir("/data/sub", 0o755, time.Second), errors.ErrNotConnected)
}

func TestChdir(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/data"] = &transporttest.File{Dir: true, Mode: 0o755}
	conn.Files["/data/sub"] = &transporttest.File{Dir: true, Mode: 0o755}
	c := connectedTestClient(t, conn)

	require.NoError(t, c.Chdir("/data", time.Second))
	assert.Equal(t, "/data", c.Path())

	// Relative targets resolve against the current path.
	require.NoError(t, c.Chdir("sub", time.Second))
	assert.Equal(t, "/data/sub", c.Path())
}

func TestChdirToFile(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/notes.txt"] = &transporttest.File{Data: []byte("x"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	err := c.Chdir("/notes.txt", time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindSftpPath, errors.KindOf(err))
	assert.Equal(t, ".", c.Path(), "failed chdir must not move the current path")
}

func TestChdirMissing(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	err := c.Chdir("/gone", time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindSftpPath, errors.KindOf(err))
}

func TestListFull(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/data"] = &transporttest.File{Dir: true, Mode: 0o755}
	conn.Files["/data/a.txt"] = &transporttest.File{Data: []byte("aaa"), Mode: 0o644}
	conn.Files["/data/b.bin"] = &transporttest.File{Data: []byte("bbbb"), Mode: 0o600}
	conn.Files["/data/nested"] = &transporttest.File{Dir: true, Mode: 0o700}
	conn.Files["/data/nested/deep.txt"] = &transporttest.File{Data: []byte("x"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	entries, err := c.ListFull("/data", time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 3, "listing is not recursive")

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"a.txt", "b.bin", "nested"}, names)
}

func TestList(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/data"] = &transporttest.File{Dir: true, Mode: 0o755}
	conn.Files["/data/a.txt"] = &transporttest.File{Data: []byte("aaa"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	byName, err := c.List("/data", time.Second)
	require.NoError(t, err)
	require.Contains(t, byName, "a.txt")
	assert.Equal(t, int64(3), byName["a.txt"].Size)
	assert.Equal(t, "-rw-r--r--", byName["a.txt"].Permissions)
}

func TestListMissingDirectory(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	_, err := c.ListFull("/gone", time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindSftpNotFound, errors.KindOf(err))
}

func TestMkdirRmdir(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	require.NoError(t, c.Mkdir("/fresh", 0o750, time.Second))
	f := conn.Files["/fresh"]
	require.NotNil(t, f)
	assert.True(t, f.Dir)
	assert.Equal(t, uint32(0o750), f.Mode)

	require.NoError(t, c.Rmdir("/fresh", time.Second))
	assert.Nil(t, conn.Files["/fresh"])
}

func TestRmdirNotEmpty(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/data"] = &transporttest.File{Dir: true, Mode: 0o755}
	conn.Files["/data/file"] = &transporttest.File{Data: []byte("x"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	err := c.Rmdir("/data", time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindSftpOperation, errors.KindOf(err))

	var lerr *errors.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, transport.SftpFailure, lerr.Code, "remote status code must survive translation")
}

func TestRenameAndUnlink(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/old.txt"] = &transporttest.File{Data: []byte("content"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	require.NoError(t, c.Rename("/old.txt", "/new.txt", time.Second))
	assert.Nil(t, conn.Files["/old.txt"])
	require.NotNil(t, conn.Files["/new.txt"])

	require.NoError(t, c.Unlink("/new.txt", time.Second))
	assert.Nil(t, conn.Files["/new.txt"])
}

func TestUnlinkMissing(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	err := c.Unlink("/gone", time.Second)
	require.Error(t, err)

	var lerr *errors.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, transport.SftpNoSuchFile, lerr.Code)
}

func TestChmod(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/script.sh"] = &transporttest.File{Data: []byte("#!/bin/sh\n"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	require.NoError(t, c.Chmod("/script.sh", 0o755, time.Second))
	assert.Equal(t, uint32(0o755), conn.Files["/script.sh"].Mode)
}

func TestGetAttributes(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	conn := transporttest.NewConn()
	conn.Files["/report.pdf"] = &transporttest.File{Data: make([]byte, 2048), Mode: 0o640, MTime: mtime}
	c := connectedTestClient(t, conn)

	attr, err := c.GetAttributes("/report.pdf", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), attr.Size)
	assert.Equal(t, "-rw-r-----", attr.Permissions)
	assert.Equal(t, mtime, attr.MTime)
}

func TestGetAttributesMissing(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	_, err := c.GetAttributes("/gone", time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindSftpNotFound, errors.KindOf(err))
}

func TestGetFileRoundTrip(t *testing.T) {
	content := []byte(strings.Repeat("0123456789abcdef", 8192)) // spans several read chunks
	conn := transporttest.NewConn()
	conn.Files["/blob.bin"] = &transporttest.File{Data: content, Mode: 0o644}
	c := connectedTestClient(t, conn)

	data, err := c.GetFile("/blob.bin", time.Second)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestGetFileEmpty(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/empty"] = &transporttest.File{Mode: 0o644}
	c := connectedTestClient(t, conn)

	data, err := c.GetFile("/empty", time.Second)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestGetFileNegativeTimeoutDoesNotWait(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/slow.bin"] = &transporttest.File{Data: []byte("payload"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	conn.Again["file-read"] = 1
	_, err := c.GetFile("/slow.bin", -time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))
}

func TestGetFileMissing(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	_, err := c.GetFile("/gone", time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindSftpNotFound, errors.KindOf(err))
}

func TestGetFileRelativePath(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/data"] = &transporttest.File{Dir: true, Mode: 0o755}
	conn.Files["/data/inner.txt"] = &transporttest.File{Data: []byte("inner"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	require.NoError(t, c.Chdir("/data", time.Second))
	data, err := c.GetFile("inner.txt", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("inner"), data)
}

func TestGetTextFileDecodes(t *testing.T) {
	// "café" in ISO-8859-1.
	conn := transporttest.NewConn()
	conn.Files["/menu.txt"] = &transporttest.File{Data: []byte{'c', 'a', 'f', 0xe9}, Mode: 0o644}
	c := connectedTestClient(t, conn)

	text, err := c.GetTextFile("/menu.txt", "ISO-8859-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "café", text)
}

func TestGetTextFilePassthrough(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/plain.txt"] = &transporttest.File{Data: []byte("plain utf-8"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	text, err := c.GetTextFile("/plain.txt", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "plain utf-8", text)
}

func TestGetTextFileUnknownEncoding(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/plain.txt"] = &transporttest.File{Data: []byte("x"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	_, err := c.GetTextFile("/plain.txt", "no-such-encoding", time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindParameter, errors.KindOf(err))
}

func TestPutFileRoundTrip(t *testing.T) {
	content := []byte(strings.Repeat("chunked payload ", 4096))
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	n, err := c.PutFile(content, "/out.bin", 0o600, time.Second)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)

	f := conn.Files["/out.bin"]
	require.NotNil(t, f)
	assert.Equal(t, content, f.Data)
	assert.Equal(t, uint32(0o600), f.Mode)
}

func TestPutFileTruncatesExisting(t *testing.T) {
	conn := transporttest.NewConn()
	conn.Files["/out.txt"] = &transporttest.File{Data: []byte("previous longer content"), Mode: 0o644}
	c := connectedTestClient(t, conn)

	_, err := c.PutFile([]byte("new"), "/out.txt", 0o644, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), conn.Files["/out.txt"].Data)
}

func TestPutFileEmpty(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedTestClient(t, conn)

	n, err := c.PutFile(nil, "/empty", 0o644, time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NotNil(t, conn.Files["/empty"])
	assert.Empty(t, conn.Files["/empty"].Data)
}
