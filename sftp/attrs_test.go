package sftp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/charlesng35/sshkit/transport"
)

func TestPermString(t *testing.T) {
	cases := []struct {
		mode uint32
		want string
	}{
		{ModeRegular | 0o644, "-rw-r--r--"},
		{ModeRegular | 0o755, "-rwxr-xr-x"},
		{ModeRegular | 0o600, "-rw-------"},
		{ModeDirectory | 0o755, "drwxr-xr-x"},
		{ModeSymlink | 0o777, "lrwxrwxrwx"},
		{ModeFifo | 0o640, "prw-r-----"},
		{ModeSocket | 0o700, "srwx------"},
		{ModeCharDev | 0o620, "crw--w----"},
		{ModeBlockDev | 0o660, "brw-rw----"},
		{0, "----------"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PermString(tc.mode), "mode %o", tc.mode)
	}
}

func TestAttributesIsDir(t *testing.T) {
	assert.True(t, Attributes{Mode: ModeDirectory | 0o755}.IsDir())
	assert.False(t, Attributes{Mode: ModeRegular | 0o644}.IsDir())
	assert.False(t, Attributes{}.IsDir())
}

func TestNewAttributes(t *testing.T) {
	a := newAttributes(&transport.FileAttr{Mode: ModeRegular | 0o640, Size: 1234, UID: 1000, GID: 100})
	assert.Equal(t, "-rw-r-----", a.Permissions)
	assert.Equal(t, int64(1234), a.Size)
	assert.Equal(t, 1000, a.UID)
	assert.Equal(t, 100, a.GID)
	assert.False(t, a.IsDir())
}

func TestNewAttributesNil(t *testing.T) {
	a := newAttributes(nil)
	assert.Equal(t, "----------", a.Permissions)
	assert.Zero(t, a.Size)
}
