package aggregator

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern is a compiled area wildcard.
type pattern struct {
	raw   string
	regex *regexp.Regexp
}

// compilePattern turns a wildcard into an anchored regex: '*' matches any
// run of characters, '?' exactly one, '\' escapes the next character.
// Everything else is literal.
func compilePattern(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, fmt.Errorf("empty area pattern")
	}

	var result strings.Builder
	result.WriteString("^")
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch c {
		case '*':
			result.WriteString(".*")
		case '?':
			result.WriteString(".")
		case '\\':
			if i+1 < len(raw) {
				i++
				c = raw[i]
			}
			result.WriteString(regexp.QuoteMeta(string(c)))
		default:
			result.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	result.WriteString("$")

	re, err := regexp.Compile(result.String())
	if err != nil {
		return pattern{}, fmt.Errorf("invalid area pattern %q: %w", raw, err)
	}
	return pattern{raw: raw, regex: re}, nil
}

func (p pattern) match(area string) bool {
	return p.regex.MatchString(area)
}
