// Package sanitize strips control characters, redacts email addresses, bounds
// lengths and drops credential material from agent-supplied text. Every
// function is total and idempotent.
package sanitize

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ComUnity/insight-service/internal/models"
)

const (
	EmailMarker = "[email-redacted]"

	DefaultMaxValueLen   = 512
	DefaultMaxKeyLen     = 64
	DefaultMaxAttributes = 32
)

var (
	controlRE = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	emailRE   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

	credentialValueREs = []*regexp.Regexp{
		regexp.MustCompile(`-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----`),
		regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{8,}=*`),
		regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}`),
	}

	credentialKeyParts = []string{
		"password", "passwd", "secret", "token", "api_key", "apikey",
		"private_key", "privatekey", "cookie", "authorization", "credential",
	}

	excludedKeys = map[string]struct{}{
		// command lines
		"cmdline": {}, "command_line": {}, "commandline": {}, "args": {}, "argv": {}, "command": {},
		// file contents
		"content": {}, "contents": {}, "file_content": {}, "file_contents": {}, "file_data": {},
	}
)

// DefaultFieldLimits are per-attribute rune caps.
func DefaultFieldLimits() map[string]int {
	return map[string]int{
		"path":         1024,
		"exe":          1024,
		"parent":       256,
		"process_name": 256,
		"username":     256,
		"name":         256,
		"ip":           64,
		"port":         16,
		"pid":          16,
		"protocol":     16,
		"outcome":      16,
		"method":       64,
		"mechanism":    64,
		"change":       16,
	}
}

type Config struct {
	MaxValueLen   int
	MaxKeyLen     int
	MaxAttributes int
	FieldLimits   map[string]int
}

// Sanitizer applies Config to observations.
type Sanitizer struct {
	cfg Config
}

func New(cfg Config) *Sanitizer {
	if cfg.MaxValueLen <= 0 {
		cfg.MaxValueLen = DefaultMaxValueLen
	}
	if cfg.MaxKeyLen <= 0 {
		cfg.MaxKeyLen = DefaultMaxKeyLen
	}
	if cfg.MaxAttributes <= 0 {
		cfg.MaxAttributes = DefaultMaxAttributes
	}
	if cfg.FieldLimits == nil {
		cfg.FieldLimits = DefaultFieldLimits()
	}
	return &Sanitizer{cfg: cfg}
}

// Text removes invalid UTF-8 and control characters (tab, newline and carriage
// return are kept), redacts email-like substrings and truncates to max runes.
func Text(s string, max int) string {
	s = strings.ToValidUTF8(s, "")
	s = controlRE.ReplaceAllString(s, "")
	s = emailRE.ReplaceAllString(s, EmailMarker)
	if max > 0 && utf8.RuneCountInString(s) > max {
		s = truncateRunes(s, max)
		// truncation can leave a shorter email-shaped tail behind
		for {
			loc := emailRE.FindStringIndex(s)
			if loc == nil {
				break
			}
			s = s[:loc[0]]
		}
	}
	return s
}

func truncateRunes(s string, max int) string {
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// ExcludedKey reports whether an attribute name is never retained.
func ExcludedKey(key string) bool {
	norm := normalizeKey(key)
	if _, ok := excludedKeys[norm]; ok {
		return true
	}
	for _, part := range credentialKeyParts {
		if strings.Contains(norm, part) {
			return true
		}
	}
	return false
}

// CredentialShaped reports whether a value looks like secret material.
func CredentialShaped(v string) bool {
	for _, re := range credentialValueREs {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

func normalizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '.':
			return '_'
		}
		return r
	}, strings.ToLower(key))
}

func (s *Sanitizer) limitFor(key string) int {
	if n, ok := s.cfg.FieldLimits[key]; ok && n > 0 {
		return n
	}
	return s.cfg.MaxValueLen
}

// Attributes returns a cleaned copy of attrs. Keys are visited in sorted order
// so the retained subset does not depend on map iteration.
func (s *Sanitizer) Attributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	if len(attrs) == 0 {
		return out
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type kv struct{ k, v string }
	kept := make([]kv, 0, len(keys))
	for _, k := range keys {
		ck := Text(k, s.cfg.MaxKeyLen)
		if ck == "" || ExcludedKey(ck) {
			continue
		}
		if _, dup := out[ck]; dup {
			continue
		}
		cv := Text(attrs[k], s.limitFor(ck))
		if CredentialShaped(cv) {
			continue
		}
		out[ck] = cv
		kept = append(kept, kv{ck, cv})
	}
	if len(kept) <= s.cfg.MaxAttributes {
		return out
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].k < kept[j].k })
	capped := make(map[string]string, s.cfg.MaxAttributes)
	for _, e := range kept[:s.cfg.MaxAttributes] {
		capped[e.k] = e.v
	}
	return capped
}

// Observation returns a sanitized copy of o.
func (s *Sanitizer) Observation(o models.Observation) models.Observation {
	return models.Observation{
		Kind:       models.ObservationKind(Text(string(o.Kind), s.cfg.MaxKeyLen)),
		Attributes: s.Attributes(o.Attributes),
		ObservedAt: o.ObservedAt,
	}
}

// Batch sanitizes the free-text parts of a batch. Identity fields are left
// alone: they are signed and pattern-checked before this runs.
func (s *Sanitizer) Batch(b models.Batch) models.Batch {
	out := b
	out.AgentVersion = Text(b.AgentVersion, 64)
	out.Observations = make([]models.Observation, len(b.Observations))
	for i, o := range b.Observations {
		out.Observations[i] = s.Observation(o)
	}
	return out
}
