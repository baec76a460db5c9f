package session

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sshkit/pkg/errors"
	"github.com/charlesng35/sshkit/transport/transporttest"
)

func TestScpGetEmptyPath(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	_, _, err := c.ScpGet("", time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindParameter, errors.KindOf(err))
	// The parameter check runs before any transport activity.
	for _, call := range conn.Calls() {
		assert.NotContains(t, call, "scp-recv")
	}
}

func TestScpPutRejectsNonPositiveSize(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	_, err := c.ScpPut("/tmp/out", 0, 0o644, time.Time{}, time.Time{}, time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindParameter, errors.KindOf(err))

	_, err = c.ScpPut("/tmp/out", -3, 0o644, time.Time{}, time.Time{}, time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindParameter, errors.KindOf(err))

	for _, call := range conn.Calls() {
		assert.NotContains(t, call, "scp-send")
	}
}

func TestScpGetNotConnected(t *testing.T) {
	c := testClient(t, transporttest.NewConn())
	_, _, err := c.ScpGet("/etc/hostname", time.Second)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestScpGetMissingFile(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	_, _, err := c.ScpGet("/no/such/file", time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocol, errors.KindOf(err))
}

func TestScpDownload(t *testing.T) {
	content := []byte("line one\nline two\n")
	mtime := time.Unix(1700000000, 0)

	conn := transporttest.NewConn()
	conn.Files["/etc/motd"] = &transporttest.File{Data: content, Mode: 0o644, MTime: mtime}
	c := connectedClient(t, conn)

	var dst bytes.Buffer
	attr, err := c.ScpDownload("/etc/motd", &dst, time.Second)
	require.NoError(t, err)
	assert.Equal(t, content, dst.Bytes())
	assert.Equal(t, int64(len(content)), attr.Size)
	assert.Equal(t, uint32(0o644), attr.Mode)
	assert.Equal(t, mtime, attr.MTime)
	assert.Equal(t, 0, c.ChannelCount(), "download channel must be released")
}

func TestScpUpload(t *testing.T) {
	content := strings.Repeat("payload ", 10000) // multiple write chunks
	mtime := time.Unix(1700000000, 0)

	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	sent, err := c.ScpUpload(strings.NewReader(content), int64(len(content)), "/tmp/upload.bin", 0o600, mtime, mtime, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), sent)

	f := conn.Files["/tmp/upload.bin"]
	require.NotNil(t, f)
	assert.Equal(t, []byte(content), f.Data)
	assert.Equal(t, uint32(0o600), f.Mode)
	assert.Equal(t, mtime, f.MTime)
}

func TestScpUploadPartialWritesRetry(t *testing.T) {
	conn := transporttest.NewConn()
	conn.SendWriteLimit = 3
	c := connectedClient(t, conn)

	content := []byte("abcdefghij")
	sent, err := c.ScpUpload(bytes.NewReader(content), int64(len(content)), "/tmp/short.bin", 0o644, time.Time{}, time.Time{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), sent)
	require.NotNil(t, conn.Files["/tmp/short.bin"])
	assert.Equal(t, content, conn.Files["/tmp/short.bin"].Data)
}

func TestScpUploadShortSource(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	_, err := c.ScpUpload(strings.NewReader("abc"), 100, "/tmp/short", 0o644, time.Time{}, time.Time{}, time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocol, errors.KindOf(err))
}

func TestScpDownloadNilWriter(t *testing.T) {
	conn := transporttest.NewConn()
	c := connectedClient(t, conn)

	_, err := c.ScpDownload("/etc/motd", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindParameter, errors.KindOf(err))
}
