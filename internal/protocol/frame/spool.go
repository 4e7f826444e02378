package frame

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Spool places inbound file payloads in a temp directory until the
// application retargets them.
type Spool struct {
	Dir string
	// Tag is mixed into generated names; links use their id.
	Tag string
}

// Ensure creates the spool directory when missing.
func (s Spool) Ensure() error {
	if s.Dir == "" {
		return nil
	}
	return os.MkdirAll(s.Dir, 0o755)
}

func (s Spool) dir() string {
	if s.Dir == "" {
		return os.TempDir()
	}
	return s.Dir
}

// TempName returns a fresh file name inside the spool directory.
func (s Spool) TempName() string {
	seed := strconv.FormatInt(time.Now().UnixNano(), 10) + uuid.NewString() + s.Tag
	sum := blake2b.Sum256([]byte(seed))
	return filepath.Join(s.dir(), hex.EncodeToString(sum[:16])+".part")
}

// Receive streams exactly size bytes from r into a new spool file. The file
// is removed when the stream ends early.
func (s Spool) Receive(r io.Reader, size int64) (*FileBody, error) {
	path := s.TempName()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if _, err := io.CopyN(f, r, size); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, shortBody(err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &FileBody{Path: path, Size: size}, nil
}
