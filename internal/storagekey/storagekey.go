// Package storagekey derives physical storage keys for uploaded content.
//
// Keys have the form
//
//	YYYY/MM/DD/<first 8 hex of digest>/<yyyyMMdd_HHmmss>_<8 random hex><ext>
//
// The layout is part of the durable contract: previously issued URLs are resolved through it.
// The original file name never appears in the key, only its extension, and only when that
// extension is plain ASCII.
package storagekey

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/radif/fileservice/internal/fingerprint"
)

const (
	prefixLength  = 8
	tokenLength   = 8
	maxExtLength  = 16
	timestampForm = "20060102_150405"
)

// Generate returns a new storage key for content with the given digest, uploaded at uploadedAt.
// The digest must be at least eight lowercase hex characters; anything else is a programming
// error and panics.
func Generate(digest, originalName string, uploadedAt time.Time) string {
	if len(digest) < prefixLength || !fingerprint.IsLowerHex(digest[:prefixLength]) {
		panic(fmt.Sprintf("storagekey: invalid digest %q", digest))
	}

	t := uploadedAt.UTC()
	name := t.Format(timestampForm) + "_" + randomToken() + Extension(originalName)

	return fmt.Sprintf("%04d/%02d/%02d/%s/%s", t.Year(), int(t.Month()), t.Day(), digest[:prefixLength], name)
}

// Extension returns the extension of originalName including the dot, or "" when the name has
// none or when it contains anything other than ASCII letters and digits.
func Extension(originalName string) string {
	name := strings.TrimSpace(strings.ReplaceAll(originalName, "\\", "/"))
	if name == "" {
		return ""
	}

	ext := path.Ext(path.Base(name))
	if len(ext) < 2 || len(ext) > maxExtLength+1 {
		return ""
	}
	for _, r := range ext[1:] {
		if !isASCIIAlnum(r) {
			return ""
		}
	}
	return ext
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLength]
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
