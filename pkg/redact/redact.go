// Package redact removes secrets from text the merge queue publishes, such as
// pull request comments built from provider errors.
package redact

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Mode represents the redaction mode.
type Mode string

const (
	// ModeOff disables redaction.
	ModeOff Mode = "off"
	// ModeBasic redacts configured secrets, credentials in key=value pairs,
	// headers and URLs, and tokens with a known prefix.
	ModeBasic Mode = "basic"
	// ModeAggressive also redacts high-entropy strings.
	ModeAggressive Mode = "aggressive"

	// DefaultReplacement replaces every redacted value.
	DefaultReplacement = "***REDACTED***"

	// minEntropyCandidateLen is the minimum token length considered for entropy-based redaction.
	minEntropyCandidateLen = 20
	// minSecretLen is the minimum length of a literal secret; shorter values
	// would redact ordinary words.
	minSecretLen = 6
)

// ParseMode validates a mode name. The empty string is ModeBasic.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeBasic, nil
	case ModeOff, ModeBasic, ModeAggressive:
		return m, nil
	default:
		return "", fmt.Errorf("unknown redaction mode %q (expected off, basic or aggressive)", s)
	}
}

// Config holds configuration for a Redactor.
type Config struct {
	Mode Mode
	// Secrets are literal values that never appear in the output, e.g. the
	// API token and the webhook secret.
	Secrets []string
	// Replacement defaults to DefaultReplacement.
	Replacement string
}

// Redactor handles redaction. It is safe for concurrent use.
type Redactor struct {
	mode        Mode
	secrets     []string
	replacement string
}

var (
	keyValueRe = regexp.MustCompile(`(?i)(\w*(?:token|secret|password|api_?key|authorization)\w*)\s*[=:]\s*['"]?([^'"\s&]+)['"]?`)
	headerRe   = regexp.MustCompile(`(?i)\b(authorization|proxy-authorization|x-api-key|x-auth-token|x-github-token|cookie)\s*:\s*[^\n\r]+`)
	queryRe    = regexp.MustCompile(`(?i)([?&])(token|key|secret|password|api_key|access_token|refresh_token|auth_token|apikey|client_secret)=[^&\s#'"]+`)
	userinfoRe = regexp.MustCompile(`(https?://)[^/\s:@]+(:[^/\s@]+)?@`)
	pemRe      = regexp.MustCompile(`-----BEGIN [A-Za-z0-9+/ -]+-----[\s\S]*?-----END [A-Za-z0-9+/ -]+-----`)
	prefixRes  = []*regexp.Regexp{
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9_]{30,}`),
		regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{40,}`),
		regexp.MustCompile(`\bv1\.[0-9a-f]{40}\b`),
		regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
		regexp.MustCompile(`\bxox[bp]-[A-Za-z0-9-]{20,}`),
	}
	candidateRe = regexp.MustCompile(fmt.Sprintf(`\b[A-Za-z0-9_\-\.]{%d,}\b`, minEntropyCandidateLen))
)

// New creates a new Redactor with the given configuration.
func New(cfg Config) *Redactor {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeBasic
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = DefaultReplacement
	}
	var secrets []string
	for _, s := range cfg.Secrets {
		if len(s) >= minSecretLen {
			secrets = append(secrets, s)
		}
	}
	// Longest first so that a secret containing another is replaced whole.
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	return &Redactor{mode: mode, secrets: secrets, replacement: replacement}
}

// Mode returns the redaction mode.
func (r *Redactor) Mode() Mode {
	return r.mode
}

// String redacts s. A nil Redactor returns s unchanged.
func (r *Redactor) String(s string) string {
	if r == nil || r.mode == ModeOff || s == "" {
		return s
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, r.replacement)
	}
	s = pemRe.ReplaceAllString(s, "-----BEGIN REDACTED-----\n"+r.replacement+"\n-----END REDACTED-----")
	s = headerRe.ReplaceAllString(s, "$1: "+r.replacement)
	s = userinfoRe.ReplaceAllString(s, "${1}"+r.replacement+"@")
	s = queryRe.ReplaceAllString(s, "$1$2="+r.replacement)
	s = keyValueRe.ReplaceAllString(s, "$1="+r.replacement)
	for _, re := range prefixRes {
		s = re.ReplaceAllString(s, r.replacement)
	}
	if r.mode == ModeAggressive {
		s = r.redactHighEntropy(s)
	}
	return s
}

// redactHighEntropy redacts strings that look random. This is a best-effort
// heuristic and may have false positives.
func (r *Redactor) redactHighEntropy(s string) string {
	return candidateRe.ReplaceAllStringFunc(s, func(match string) string {
		if isLikelyFalsePositive(match) || !isHighEntropy(match) {
			return match
		}
		return r.replacement
	})
}

// isHighEntropy calculates the Shannon entropy of s.
func isHighEntropy(s string) bool {
	if len(s) < minEntropyCandidateLen {
		return false
	}
	freq := make(map[rune]float64)
	for _, ch := range s {
		freq[ch]++
	}
	entropy := 0.0
	for _, count := range freq {
		p := count / float64(len(s))
		entropy -= p * math.Log2(p)
	}
	// Natural language stays below 3.5.
	return entropy > 4.0
}

// isLikelyFalsePositive reports strings that are rarely secrets: words,
// acronyms and commit shas.
func isLikelyFalsePositive(s string) bool {
	if s == strings.ToLower(s) && len(s) < 30 {
		return true
	}
	if s == strings.ToUpper(s) && len(s) < 20 {
		return true
	}
	if isHex(s) {
		return true
	}
	lower := 0
	for _, ch := range s {
		if ch >= 'a' && ch <= 'z' {
			lower++
		}
	}
	return float64(lower)/float64(len(s)) > 0.7
}

func isHex(s string) bool {
	for _, ch := range s {
		if !strings.ContainsRune("0123456789abcdef", ch) {
			return false
		}
	}
	return true
}
