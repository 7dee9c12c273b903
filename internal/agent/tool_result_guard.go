package agent

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxToolResultSize bounds tool message content when no explicit
// limit is configured.
const DefaultMaxToolResultSize = 64 * 1024

const (
	defaultRedactionText  = "[redacted]"
	defaultTruncateSuffix = "...[truncated]"
)

// secretPatterns match credentials that platform payloads occasionally echo
// back (connection strings, signed URLs, tokens).
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|access[_-]?token|secret|password|passwd)"?\s*[:=]\s*"?[^\s",}]+`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)(X-Amz-Signature|sig|signature)=[0-9a-f%]{16,}`),
}

// ToolResultGuard controls how tool results are rewritten before they are
// appended to the history and sent back to the model.
type ToolResultGuard struct {
	// MaxChars caps the content length in bytes. Zero uses
	// DefaultMaxToolResultSize; negative disables truncation.
	MaxChars int

	// Denylist names tools whose results are replaced wholesale. A trailing
	// "*" matches by prefix.
	Denylist []string

	// RedactPatterns are extra regular expressions whose matches are replaced.
	RedactPatterns []string

	// SanitizeSecrets applies the built-in credential patterns.
	SanitizeSecrets bool

	RedactionText  string
	TruncateSuffix string
}

// compiledGuard is a ToolResultGuard with its patterns parsed.
type compiledGuard struct {
	maxChars  int
	denylist  []string
	patterns  []*regexp.Regexp
	redaction string
	suffix    string
}

func (g ToolResultGuard) compile() (*compiledGuard, error) {
	c := &compiledGuard{
		maxChars:  g.MaxChars,
		redaction: strings.TrimSpace(g.RedactionText),
		suffix:    strings.TrimSpace(g.TruncateSuffix),
	}
	if c.maxChars == 0 {
		c.maxChars = DefaultMaxToolResultSize
	}
	if c.redaction == "" {
		c.redaction = defaultRedactionText
	}
	if c.suffix == "" {
		c.suffix = defaultTruncateSuffix
	}
	for _, name := range g.Denylist {
		if name = strings.TrimSpace(name); name != "" {
			c.denylist = append(c.denylist, name)
		}
	}
	if g.SanitizeSecrets {
		c.patterns = append(c.patterns, secretPatterns...)
	}
	for _, pattern := range g.RedactPatterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", pattern, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// apply returns content rewritten for toolName. The cut never splits a
// UTF-8 sequence.
func (c *compiledGuard) apply(toolName, content string) string {
	if c == nil {
		return content
	}
	if c.denied(toolName) {
		return c.redaction
	}
	for _, re := range c.patterns {
		content = re.ReplaceAllString(content, c.redaction)
	}
	if c.maxChars > 0 && len(content) > c.maxChars {
		cut := c.maxChars
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + c.suffix
	}
	return content
}

func (c *compiledGuard) denied(toolName string) bool {
	for _, pattern := range c.denylist {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(toolName, prefix) {
				return true
			}
			continue
		}
		if pattern == toolName {
			return true
		}
	}
	return false
}
