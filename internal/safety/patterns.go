// Package safety holds the banned-pattern set shared by the sandboxed
// executor's static refusal pass and reasoning memory's content
// validation: both reject text containing host-process access,
// dynamic evaluation or module-loading primitives, direct data-store admin
// handles, credential identifiers, or prompt-injection sentinels.
//
// Generalized from the teacher's internal/tools.DefaultSecurityPolicy,
// which enumerated the same hazard classes as shell-command strings; here
// the patterns target script/prose text rather than a command line.
package safety

import (
	"encoding/hex"
	"regexp"
	"sync"

	"golang.org/x/crypto/blake2b"
)

var bannedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)os\.environ|process\.env|os\.getenv`),                  // host-process globals
	regexp.MustCompile(`(?i)\beval\s*\(|\bexec\s*\(|__import__\s*\(`),              // dynamic evaluation
	regexp.MustCompile(`(?i)require\s*\(\s*['"]child_process|importlib\.import`),   // module loading
	regexp.MustCompile(`(?i)db\.dropDatabase|DROP\s+TABLE|admin\.shutdown`),        // direct store admin handles
	regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|password|access[_-]?token)\s*[:=]`), // credential identifiers
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),           // prompt-injection sentinel
	regexp.MustCompile(`(?i)\.ssh/(id_|authorized)`),                               // SSH keys
	regexp.MustCompile(`(?i)/etc/(passwd|shadow)`),                                 // sensitive files
	regexp.MustCompile(`(?i)curl.*\|\s*(ba)?sh|wget.*\|\s*(ba)?sh`),                // pipe-to-shell
}

// checkCache memoizes Check results by content hash, since the same
// template script is re-validated on every dispatch until it's repaired.
var checkCache sync.Map // map[string]string

// Check returns the first banned pattern matched in text, or "" if none match.
func Check(text string) string {
	key := hashKey(text)
	if v, ok := checkCache.Load(key); ok {
		return v.(string)
	}

	result := ""
	for _, p := range bannedPatterns {
		if p.MatchString(text) {
			result = p.String()
			break
		}
	}
	checkCache.Store(key, result)
	return result
}

// Violates reports whether text matches any banned pattern.
func Violates(text string) bool {
	return Check(text) != ""
}

func hashKey(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
