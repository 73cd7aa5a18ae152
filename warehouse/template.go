package warehouse

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches @name parameter placeholders.
var placeholderPattern = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)

// forbiddenKeywords are statement forms that make a template non-read-only.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "merge", "grant", "revoke", "exec", "execute",
	"call", "attach", "copy", "vacuum",
}

// ValidateTemplate rejects templates that are not structurally read-only or
// that interpolate values directly. Rules:
//
//   - single SELECT or WITH statement, no statement chaining
//   - no data-definition or data-modification keywords
//   - values arrive only via @name placeholders; quoted literals are treated
//     as bare interpolation and rejected
//   - every placeholder has a parameter and every parameter is referenced
func ValidateTemplate(template string, params map[string]any) error {
	trimmed := strings.TrimSpace(template)
	if trimmed == "" {
		return fmt.Errorf("%w: empty template", ErrInvalid)
	}

	if strings.ContainsAny(trimmed, "'\"") {
		return fmt.Errorf("%w: quoted literals are not allowed, use parameters", ErrInvalid)
	}

	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("%w: multiple statements", ErrInvalid)
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return fmt.Errorf("%w: template must be a SELECT statement", ErrInvalid)
	}

	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	}) {
		for _, kw := range forbiddenKeywords {
			if word == kw {
				return fmt.Errorf("%w: forbidden keyword %q", ErrInvalid, kw)
			}
		}
	}

	referenced := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(trimmed, -1) {
		referenced[m[1]] = true
	}

	for name := range referenced {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("%w: missing parameter %q", ErrInvalid, name)
		}
	}
	for name := range params {
		if !referenced[name] {
			return fmt.Errorf("%w: unused parameter %q", ErrInvalid, name)
		}
	}

	return nil
}
