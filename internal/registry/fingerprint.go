package registry

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// contentHash fingerprints a template's execution script so callers can
// detect whether two versions actually changed content without comparing
// the full script text.
func contentHash(script string) string {
	sum := blake2b.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}
