// Package guard enforces the outbound URL policy and inbound text hygiene
// shared by every pipeline stage. URLs are screened against an SSRF block
// list before any network use; model-bound text is length-capped, stripped
// of control characters, and defused of the structural markers the parsers
// anchor on.
package guard

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Limits applied to caller-supplied text and URLs.
const (
	MaxUserQueryLength   = 10000
	MaxSearchQueryLength = 500
	MaxURLLength         = 2048
)

// blockedPorts are service ports (SSH, SMTP, databases, caches) that a
// research fetch has no business talking to.
var blockedPorts = map[int]struct{}{
	22:    {},
	23:    {},
	25:    {},
	3306:  {},
	5432:  {},
	6379:  {},
	27017: {},
	11211: {},
}

// privateHostnames are rejected exactly; privateSuffixes by suffix match.
var privateHostnames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"127.0.0.1":             {},
	"0.0.0.0":               {},
	"::1":                   {},
	"[::1]":                 {},
}

var privateSuffixes = []string{".local", ".internal", ".lan", ".localhost"}

// ValidateURL reports whether raw is safe to fetch. It rejects anything
// that is empty, overlong, unparsable, non-HTTP(S), hostless, pointed at a
// private or local name, bound to a blocked port, or resolved to an IP
// literal in a private, loopback, link-local, reserved, or multicast range.
func ValidateURL(raw string) bool {
	return validate(raw, false)
}

// ValidateURLAllowingPrivate is ValidateURL with the private-host and
// private-IP checks disabled. Intended for local development against stub
// services only; scheme, length, and port rules still apply.
func ValidateURLAllowingPrivate(raw string) bool {
	return validate(raw, true)
}

func validate(raw string, allowPrivate bool) bool {
	if raw == "" || len(raw) > MaxURLLength {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if !allowPrivate {
		if _, ok := privateHostnames[host]; ok {
			return false
		}
		for _, suffix := range privateSuffixes {
			if strings.HasSuffix(host, suffix) {
				return false
			}
		}
		if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
			return false
		}
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return false
		}
		if _, ok := blockedPorts[port]; ok {
			return false
		}
	}
	return true
}

// isBlockedIP covers private ranges, loopback, link-local (including the
// 169.254.169.254 cloud metadata endpoint), multicast, the unspecified
// address, and the reserved 240.0.0.0/4 block.
func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil && v4[0] >= 240 {
		return true
	}
	return false
}

// FilterURLs returns the subset of urls that pass ValidateURL, preserving
// order. Rejections are logged at warn level and otherwise silent.
func FilterURLs(urls []string) []string {
	var kept []string
	for _, u := range urls {
		if ValidateURL(u) {
			kept = append(kept, u)
			continue
		}
		log.Warn().Str("url", clip(u, 120)).Msg("url rejected by policy")
	}
	return kept
}

// structuralMarkers are the anchor lines the stage parsers key on. User
// text containing one verbatim could forge a parser boundary, so sanitizing
// wraps each occurrence in brackets.
var structuralMarkers = []string{
	"=== SOURCES ===",
	"=== END SOURCES ===",
	"=== SELECTED ===",
	"=== REJECTED ===",
	"=== THINKING ===",
	"=== SEARCHES ===",
	"=== END DOSSIER ===",
	"=== END REPORT ===",
}

// controlChars matches C0 controls except tab, newline, and carriage
// return, plus DEL and the C1 range.
var controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f-\x{9f}]`)

// SanitizeInput prepares caller-supplied text for inclusion in a prompt:
// truncate at maxLen runes with a visible marker, drop control characters,
// optionally escape structural markers, and trim surrounding whitespace.
func SanitizeInput(text string, maxLen int, escapeMarkers bool) string {
	if text == "" {
		return ""
	}
	if runes := []rune(text); len(runes) > maxLen {
		text = string(runes[:maxLen]) + "\n[...TRUNCATED...]"
	}
	text = controlChars.ReplaceAllString(text, "")
	if escapeMarkers {
		for _, marker := range structuralMarkers {
			text = strings.ReplaceAll(text, marker, "["+marker+"]")
		}
	}
	return strings.TrimSpace(text)
}

// injectionPatterns flag common prompt-injection phrasings. Detection is
// advisory: matches are logged upstream, never blocked, because research
// subjects legitimately include such text.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions?`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)<\s*\|\s*system\s*\|>`),
	regexp.MustCompile(`(?i)###\s*instruction`),
	regexp.MustCompile(`(?i)new\s+task\s*:`),
	regexp.MustCompile(`(?i)forget\s+everything`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?previous`),
}

// DetectInjection reports whether text matches any known prompt-injection
// pattern.
func DetectInjection(text string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
