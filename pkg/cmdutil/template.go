package cmdutil

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Template is a shell-quoted command line with {name} placeholders. It is
// split once, and placeholders are substituted inside each argument so a value
// can never introduce new arguments.
type Template struct {
	raw  string
	args []string
}

// ParseTemplate parses a template and checks that it only uses the allowed
// placeholder names.
func ParseTemplate(raw string, allowed ...string) (*Template, error) {
	args, err := ParseCommandString(raw)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}
	for _, arg := range args {
		for _, m := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
			if len(allowed) > 0 && !known[m[1]] {
				return nil, fmt.Errorf("command %q: unknown placeholder {%s}", raw, m[1])
			}
		}
	}
	return &Template{raw: raw, args: args}, nil
}

// MustParseTemplate is ParseTemplate for built-in templates.
func MustParseTemplate(raw string, allowed ...string) *Template {
	t, err := ParseTemplate(raw, allowed...)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the template source.
func (t *Template) String() string { return t.raw }

// Placeholders lists the placeholder names used by the template.
func (t *Template) Placeholders() []string {
	seen := make(map[string]bool)
	for _, arg := range t.args {
		for _, m := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
			seen[m[1]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expand substitutes vars into the template. A placeholder without a value is
// an error. An argument that consists of a single placeholder whose value is
// empty is dropped.
func (t *Template) Expand(vars map[string]string) ([]string, error) {
	out := make([]string, 0, len(t.args))
	for _, arg := range t.args {
		var missing string
		expanded := placeholderPattern.ReplaceAllStringFunc(arg, func(match string) string {
			name := strings.Trim(match, "{}")
			value, ok := vars[name]
			if !ok && missing == "" {
				missing = name
			}
			return value
		})
		if missing != "" {
			return nil, fmt.Errorf("command %q: no value for {%s}", t.raw, missing)
		}
		if expanded == "" && placeholderPattern.MatchString(arg) && placeholderPattern.FindString(arg) == arg {
			continue
		}
		out = append(out, expanded)
	}
	return out, nil
}
