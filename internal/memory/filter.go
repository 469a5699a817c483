package memory

import "regexp"

// secretPattern is a compiled detector for one class of credential.
type secretPattern struct {
	name    string
	pattern *regexp.Regexp
}

// secretPatterns catches credential-shaped text before it is persisted as
// memory. Matching any of them rejects the whole write rather than masking:
// a memory store is long-lived and a partial secret is still a secret.
var secretPatterns = []secretPattern{
	{
		name:    "api_key",
		pattern: regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`),
	},
	{
		name:    "bearer_token",
		pattern: regexp.MustCompile(`(?i)bearer\s+[\w-\.]+`),
	},
	{
		name:    "aws_key",
		pattern: regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`),
	},
	{
		name:    "generic_secret",
		pattern: regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
	},
	{
		name:    "private_key",
		pattern: regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	},
}

// piiPattern is a compiled detector for one class of personal data.
type piiPattern struct {
	name    string
	pattern *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{
		name:    "email",
		pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
	{
		name:    "phone",
		pattern: regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`),
	},
}

// ContainsSecret reports whether text matches any credential pattern.
func ContainsSecret(text string) bool {
	if text == "" {
		return false
	}
	for _, sp := range secretPatterns {
		if sp.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// DetectSecrets returns the names of the credential classes found in text,
// one entry per class regardless of match count.
func DetectSecrets(text string) []string {
	if text == "" {
		return nil
	}
	var found []string
	seen := map[string]bool{}
	for _, sp := range secretPatterns {
		if seen[sp.name] {
			continue
		}
		if sp.pattern.MatchString(text) {
			seen[sp.name] = true
			found = append(found, sp.name)
		}
	}
	return found
}

// ContainsPII reports whether text matches any personal-data pattern.
func ContainsPII(text string) bool {
	if text == "" {
		return false
	}
	for _, pp := range piiPatterns {
		if pp.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// MaskPII replaces every personal-data match with [REDACTED].
func MaskPII(text string) string {
	for _, pp := range piiPatterns {
		text = pp.pattern.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}
