// Package redact masks secret material before it reaches any log sink.
package redact

import (
	"regexp"
	"strings"
)

const redactedSecret = "[REDACTED_SECRET]"

var (
	kvSecretRe  = regexp.MustCompile(`(?i)((?:auth|api|token|secret|key|password)[-_ ]*(?:token|key)?\s*[:=]\s*)(['"]?)([A-Za-z0-9+/=_\-]{8,})(['"]?)`)
	bearerRe    = regexp.MustCompile(`(?i)\b(bearer|token)\s+([A-Za-z0-9._\-]{10,})`)
	longTokenRe = regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`)
)

// String redacts common secret patterns from the provided string.
func String(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	masked := kvSecretRe.ReplaceAllString(in, `$1$2`+redactedSecret+`$4`)
	masked = bearerRe.ReplaceAllString(masked, `$1 `+redactedSecret)
	masked = longTokenRe.ReplaceAllString(masked, redactedSecret)
	return masked
}

// Map redacts sensitive values within a metadata map. Keys that name a
// credential are masked outright; everything else is pattern-scanned.
func Map(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if sensitiveKey(k) {
			out[k] = redactedSecret
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = String(s)
			continue
		}
		out[k] = v
	}
	return out
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range []string{"token", "secret", "password", "credential"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
