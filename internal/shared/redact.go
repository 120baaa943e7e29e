package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// A redactRule pairs a secret-shaped pattern with how much of the match
// survives: keepGroup > 0 preserves that capture group (the key name or
// header prefix) so the log line stays readable around the masked value.
type redactRule struct {
	pattern   *regexp.Regexp
	keepGroup int
}

var redactRules = []redactRule{
	// key=value / key: value forms for the usual secret-bearing names.
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), 1},
	// Authorization header payloads.
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), 1},
	// Anthropic API keys are recognizable bare: engine config errors and
	// backend messages can carry them outside any key=value shape.
	{regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{16,}`), 0},
	// Token-shaped UUIDs behind auth-ish names.
	{regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), 1},
}

// Redact replaces secret-bearing substrings with [REDACTED]. Agent command
// lines, backend error strings, and event payload text pass through here
// before any log sink sees them.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range redactRules {
		out = rule.pattern.ReplaceAllStringFunc(out, func(match string) string {
			if rule.keepGroup > 0 {
				groups := rule.pattern.FindStringSubmatch(match)
				if len(groups) > rule.keepGroup {
					return groups[rule.keepGroup] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return out
}

// sensitiveEnvNames flags env var names whose values must never be logged.
var sensitiveEnvNames = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue returns value unless key names a secret. Engine entries
// declare env vars for spawned agent processes; this keeps their values out
// of the spawn logs.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, name := range sensitiveEnvNames {
		if strings.Contains(lower, name) {
			return redactedPlaceholder
		}
	}
	return value
}
