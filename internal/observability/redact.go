package observability

import (
	"encoding/json"
	"regexp"
	"strings"
)

const redactedMarker = "[REDACTED]"

// builtinSecretPatterns cover the credentials datachat handles: the platform
// bearer token, model provider keys, JWTs, and generic key/value secrets.
var builtinSecretPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9_-]{32,}`,
	`AIza[0-9A-Za-z_\-]{35}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// credentialKeys name log attributes whose values are masked whole.
var credentialKeys = map[string]struct{}{
	"password":       {},
	"secret":         {},
	"token":          {},
	"auth_token":     {},
	"api_key":        {},
	"apikey":         {},
	"authorization":  {},
	"platform_token": {},
}

type redactor struct {
	patterns []*regexp.Regexp
}

// newRedactor compiles the builtin patterns plus extra. Extra patterns that
// fail to compile are skipped; config validation rejects them earlier.
func newRedactor(extra []string) *redactor {
	r := &redactor{patterns: make([]*regexp.Regexp, 0, len(builtinSecretPatterns)+len(extra))}
	for _, src := range append(append([]string(nil), builtinSecretPatterns...), extra...) {
		if re, err := regexp.Compile(src); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

func isCredentialKey(key string) bool {
	_, ok := credentialKeys[strings.ToLower(strings.ReplaceAll(key, "-", "_"))]
	return ok
}

func (r *redactor) text(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redactedMarker)
	}
	return s
}

// value scrubs one attribute value. Numbers and bools pass through, maps are
// walked, and anything else is flattened to text first.
func (r *redactor) value(key string, v any) any {
	if isCredentialKey(key) {
		return redactedMarker
	}
	switch val := v.(type) {
	case nil, int, int32, int64, uint, uint64, float64, bool:
		return v
	case string:
		return r.text(val)
	case error:
		return r.text(val.Error())
	case []byte:
		return r.text(string(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = r.value(k, inner)
		}
		return out
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return r.text(string(b))
	}
}
