// Package hasher computes SHA-256 content digests of files. Files are read in
// fixed 64 KiB chunks so memory use does not depend on file size.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ChunkSize is the number of bytes read from a file per iteration.
const ChunkSize = 64 * 1024

// ErrUnreadable is returned when a file cannot be opened or a read fails
// part-way through. Callers treat it as "cannot evaluate", never as a
// violation.
var ErrUnreadable = errors.New("file unreadable")

// Hasher produces hex-encoded digests for files on disk. The zero value is
// not usable; callers use Func or SHA256.
type Hasher interface {
	Hash(path string) (string, error)
}

// Func adapts a plain function to the Hasher interface.
type Func func(path string) (string, error)

// Hash calls f(path).
func (f Func) Hash(path string) (string, error) { return f(path) }

// SHA256 is the production Hasher.
var SHA256 Hasher = Func(Hash)

// Hash returns the lowercase hex SHA-256 digest of the file at path. Any
// open or read error is wrapped with ErrUnreadable.
func Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hasher: open %q: %w: %w", path, ErrUnreadable, err)
	}
	defer f.Close()

	digest, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("hasher: read %q: %w", path, err)
	}
	return digest, nil
}

// HashReader streams r through SHA-256 in ChunkSize reads until EOF.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnreadable, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
