package fault

import (
	"fmt"
	"regexp"
	"strings"
)

// LogLimit is the maximum number of bytes of captured build or deploy output
// kept in persisted error messages and deployment rows.
const LogLimit = 64 * 1024

var (
	urlCredentialPattern = regexp.MustCompile(`(?i)(https?://)[^@/\s]+@`)
	privateKeyPattern    = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)
)

// Redact scrubs credential material from a message before persistence. Clone
// URLs keep their host but lose the userinfo, and private key blocks are
// replaced wholesale.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = urlCredentialPattern.ReplaceAllString(s, "${1}***@")
	s = privateKeyPattern.ReplaceAllString(s, "[redacted private key]")
	return s
}

// TruncateLog keeps at most limit bytes from the end of s, the part that
// usually names the failing step. A non-positive limit falls back to LogLimit.
func TruncateLog(s string, limit int) string {
	if limit <= 0 {
		limit = LogLimit
	}
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	dropped := len(s) - limit
	return fmt.Sprintf("(%d bytes truncated) ...", dropped) + s[len(s)-limit:]
}
