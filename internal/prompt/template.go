// Package prompt implements the template grammar used by task prompt
// templates: {{ identifier }} references substituted from a variable map.
package prompt

import "regexp"

// Reserved variable names understood by the dependency analyzer and the
// executor. Any other identifier refers to a task name or an external input.
const (
	VarUserRequest = "user_request"
	VarPrevOutput  = "prev_output"
)

var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ExtractVariables returns the distinct variable identifiers referenced by
// the template, in first-appearance order. Malformed references that do not
// match the grammar are ignored.
func ExtractVariables(template string) []string {
	matches := varPattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	vars := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		vars = append(vars, name)
	}
	return vars
}

// Render substitutes every {{ name }} occurrence with vars[name], or the
// empty string when the variable is absent.
func Render(template string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(template, func(ref string) string {
		name := varPattern.FindStringSubmatch(ref)[1]
		return vars[name]
	})
}
