package crew

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingInput is returned when a placeholder has no matching kickoff input.
var ErrMissingInput = errors.New("missing kickoff input")

// Interpolate replaces {name} placeholders with inputs[name]. "{{" and "}}" render as
// literal braces; braces around anything other than an identifier are left as-is.
func Interpolate(s string, inputs map[string]string) (string, error) {
	if !strings.ContainsAny(s, "{}") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 || !isIdentifier(s[i+1:i+1+end]) {
				b.WriteByte(c)
				continue
			}
			name := s[i+1 : i+1+end]
			val, ok := inputs[name]
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrMissingInput, name)
			}
			b.WriteString(val)
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// Placeholders lists the distinct identifiers referenced by s in order of appearance.
func Placeholders(s string) []string {
	var names []string
	seen := make(map[string]bool)
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		if i+1 < len(s) && s[i+1] == '{' {
			i++
			continue
		}
		end := strings.IndexByte(s[i+1:], '}')
		if end < 0 {
			break
		}
		name := s[i+1 : i+1+end]
		if isIdentifier(name) && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		i += end + 1
	}
	return names
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
