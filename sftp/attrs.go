package sftp

import (
	"time"

	"github.com/charlesng35/sshkit/transport"
)

// Mode bits in the remote attribute encoding (the POSIX S_IF* layout).
const (
	ModeTypeMask  = 0o170000
	ModeSocket    = 0o140000
	ModeSymlink   = 0o120000
	ModeRegular   = 0o100000
	ModeBlockDev  = 0o060000
	ModeDirectory = 0o040000
	ModeCharDev   = 0o020000
	ModeFifo      = 0o010000
)

// Attributes is the file-attributes record produced by stat and directory
// listings. It is a pure value, never mutated after construction.
type Attributes struct {
	Mode        uint32
	Permissions string
	Size        int64
	ATime       time.Time
	MTime       time.Time
	UID         int
	GID         int
}

// Entry pairs a directory entry name with its attributes.
type Entry struct {
	Name       string
	Attributes Attributes
}

func newAttributes(a *transport.FileAttr) Attributes {
	if a == nil {
		return Attributes{Permissions: PermString(0)}
	}
	return Attributes{
		Mode:        a.Mode,
		Permissions: PermString(a.Mode),
		Size:        a.Size,
		ATime:       a.ATime,
		MTime:       a.MTime,
		UID:         a.UID,
		GID:         a.GID,
	}
}

// IsDir reports whether the attributes describe a directory.
func (a Attributes) IsDir() bool {
	return a.Mode&ModeTypeMask == ModeDirectory
}

// PermString renders mode bits as the conventional 10-character listing
// string: object kind, then owner/group/other read/write/execute. Derived
// purely from the bits, no remote round-trip.
func PermString(mode uint32) string {
	out := make([]byte, 10)

	switch mode & ModeTypeMask {
	case ModeDirectory:
		out[0] = 'd'
	case ModeBlockDev:
		out[0] = 'b'
	case ModeCharDev:
		out[0] = 'c'
	case ModeFifo:
		out[0] = 'p'
	case ModeSymlink:
		out[0] = 'l'
	case ModeSocket:
		out[0] = 's'
	default:
		out[0] = '-'
	}

	bits := []struct {
		mask uint32
		char byte
	}{
		{0o400, 'r'}, {0o200, 'w'}, {0o100, 'x'},
		{0o040, 'r'}, {0o020, 'w'}, {0o010, 'x'},
		{0o004, 'r'}, {0o002, 'w'}, {0o001, 'x'},
	}
	for i, b := range bits {
		if mode&b.mask != 0 {
			out[i+1] = b.char
		} else {
			out[i+1] = '-'
		}
	}
	return string(out)
}
