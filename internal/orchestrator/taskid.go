package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// taskIDPattern matches task_<decimal_ms>_<[a-z0-9_]{3,20}>(_retry_<decimal>_<decimal_ms>_<4-hex>)*
var taskIDPattern = regexp.MustCompile(`^task_\d+_[a-z0-9_]{3,20}(_retry_\d+_\d+_[a-f0-9]{4})*$`)

// ValidTaskID reports whether id conforms to the task id grammar.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

// RetryDepth counts "_retry_" occurrences in id.
func RetryDepth(id string) int {
	return strings.Count(id, "_retry_")
}

// newTaskID mints a fresh top-level task id from a contextual suffix
// (derived from the template category and/or utterance, or a random
// fallback), lowercased and clipped to the grammar's length bounds.
func newTaskID(nowMS int64, suffix string) string {
	return fmt.Sprintf("task_%d_%s", nowMS, clipSuffix(suffix))
}

// retryTaskID appends a _retry_<attempt>_<ts>_<rand4> segment to origin;
// the random tail guards against collisions between retries minted in the
// same millisecond.
func retryTaskID(origin string, attempt int, nowMS int64) string {
	return fmt.Sprintf("%s_retry_%d_%d_%s", origin, attempt, nowMS, randomHex(2))
}

func clipSuffix(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			b.WriteByte('_')
		case r == '_':
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 20 {
		out = out[:20]
	}
	if len(out) < 3 {
		out = out + "_" + randomHex(3)
		if len(out) > 20 {
			out = out[:20]
		}
	}
	return out
}

func randomHex(bytes int) string {
	buf := make([]byte, bytes)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
