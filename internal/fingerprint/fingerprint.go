// Package fingerprint computes the content identity used for deduplication.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/radif/fileservice/internal/apperr"
)

// DigestLength is the length of a hex-encoded SHA-256 digest.
const DigestLength = sha256.Size * 2

// Fingerprint identifies file content: the observed byte length and its SHA-256 digest.
type Fingerprint struct {
	Size   int64
	Digest string
}

// Compute reads r to EOF exactly once and returns its fingerprint. The content is hashed
// while streaming; it is never held in memory as a whole.
//
// Compute does not rewind r. A caller that needs the bytes again (for example to persist
// them) must seek back to the start itself.
func Compute(r io.Reader) (Fingerprint, error) {
	if r == nil {
		return Fingerprint{}, apperr.ErrInvalidInput.New("content stream is nil")
	}

	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Fingerprint{}, apperr.ErrInvalidInput.Wrap(err)
	}
	if n == 0 {
		return Fingerprint{}, apperr.ErrInvalidInput.New("content stream is empty")
	}

	return Fingerprint{Size: n, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}

// ValidDigest reports whether s looks like a lowercase hex SHA-256 digest.
func ValidDigest(s string) bool {
	return len(s) == DigestLength && IsLowerHex(s)
}

// IsLowerHex reports whether s consists only of the characters 0-9 and a-f.
func IsLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
