package mzbuild

import (
	"crypto/sha1" //nolint:gosec // collision resistance, not secrecy, is what's needed here.
	"encoding/base32"
	"io"
	"os"
)

// Fingerprint is a 20-byte content hash identifying the exact inputs that
// produced an image. It is not security-sensitive; SHA-1's collision
// resistance is sufficient, and its size matches the VCS-style hashes
// engineers already expect to see in tags and logs.
type Fingerprint [sha1.Size]byte

var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// String renders the fingerprint as 32 uppercase base32 characters, chosen
// (per spec) to be visually distinct from hex VCS commit hashes and safe as
// a container tag suffix.
func (f Fingerprint) String() string {
	return base32Encoding.EncodeToString(f[:])
}

// hashFile returns the SHA-1 digest of a file's contents. For symlinks the
// caller is expected to have already resolved to the link target (os.Open
// follows symlinks by default on all supported platforms). Fingerprinting
// touches every input file of every image on every run, so the copy buffer
// is pooled rather than allocated fresh per file.
func hashFile(path string) ([sha1.Size]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	defer f.Close()

	h := sha1.New() //nolint:gosec

	buf := copyBufferPool.Get()
	defer copyBufferPool.Put(buf)

	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return [sha1.Size]byte{}, err
	}

	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// simplifiedMode collapses a file's mode down to the three bits mzbuild's
// fingerprint cares about: symlink, owner-executable, or plain. Anything
// else about the mode (group/other bits, setuid, ...) never affects the
// cache key, since containers don't preserve it reliably across hosts.
func simplifiedMode(info os.FileInfo) uint16 {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return 0o120000
	case info.Mode()&0o100 != 0:
		return 0o100755
	default:
		return 0o100644
	}
}
