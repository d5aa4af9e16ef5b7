package prompt

import (
	"reflect"
	"testing"
)

func TestExtractVariables(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     []string
	}{
		{"empty", "", nil},
		{"no vars", "plain text with no references", nil},
		{"single", "Summarize: {{user_request}}", []string{"user_request"}},
		{"whitespace inside braces", "Elaborate on: {{  analysis  }}", []string{"analysis"}},
		{"multiple", "{{A}} then {{B}} then {{C}}", []string{"A", "B", "C"}},
		{"duplicates collapse", "{{x}} and {{x}} and {{ x }}", []string{"x"}},
		{"underscore start", "{{_hidden}} {{snake_case_2}}", []string{"_hidden", "snake_case_2"}},
		{"digit start ignored", "{{9lives}}", nil},
		{"hyphen ignored", "{{task-name}}", nil},
		{"unclosed ignored", "{{open and {{valid}}", []string{"valid"}},
		{"single braces ignored", "{not_a_var}", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractVariables(tt.template)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractVariables(%q) = %v, want %v", tt.template, got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	vars := map[string]string{
		"user_request": "hello",
		"analysis":     "the analysis",
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"simple", "Summarize: {{user_request}}", "Summarize: hello"},
		{"padded", "Use {{ analysis }} here", "Use the analysis here"},
		{"missing renders empty", "Before {{missing}} after", "Before  after"},
		{"repeated", "{{user_request}}+{{user_request}}", "hello+hello"},
		{"no vars unchanged", "static text", "static text"},
		{"malformed untouched", "{{9bad}} stays", "{{9bad}} stays"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.template, vars); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestRenderNilVars(t *testing.T) {
	if got := Render("x {{y}} z", nil); got != "x  z" {
		t.Errorf("Render with nil vars = %q, want %q", got, "x  z")
	}
}
