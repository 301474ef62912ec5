// Package security keeps credentials out of logs, errors and terminal output.
package security

import (
	"net/url"
	"regexp"
	"strings"
)

const mask = "****"

// credentialPattern matches key=value style credentials in free text.
var credentialPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|api[_-]?secret|access[_-]?token|request[_-]?token|token|password|secret)([=:\s]+["']?)([^\s"'&,]+)`)

// Redact masks credential assignments in s along with every literal
// occurrence of the given secrets. Empty secrets are ignored.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if len(secret) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, secret, mask)
	}
	return credentialPattern.ReplaceAllString(s, "${1}${2}"+mask)
}

// MaskSecret shows only the last four characters of a secret.
func MaskSecret(secret string) string {
	switch {
	case secret == "":
		return "(not set)"
	case len(secret) <= 8:
		return mask
	default:
		return mask + secret[len(secret)-4:]
	}
}

// RedactURL keeps the scheme and host of raw and masks the path, query and
// user info. Webhook URLs usually embed their token in the path.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return mask
	}
	redacted := u.Scheme + "://" + u.Host
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		redacted += "/" + mask
	}
	return redacted
}
