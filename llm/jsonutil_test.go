package llm

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain object",
			input:    `{"key": "value"}`,
			expected: `{"key": "value"}`,
		},
		{
			name:     "markdown fenced",
			input:    "Here you go:\n```json\n{\"key\": \"value\"}\n```\nDone.",
			expected: `{"key": "value"}`,
		},
		{
			name:     "trailing prose after object",
			input:    `{"key": "value"} and that concludes the analysis.`,
			expected: `{"key": "value"}`,
		},
		{
			name:     "nested objects",
			input:    `prefix {"a": {"b": {"c": 1}}} suffix`,
			expected: `{"a": {"b": {"c": 1}}}`,
		},
		{
			name:     "braces inside string values",
			input:    `{"text": "a } tricky { value"}`,
			expected: `{"text": "a } tricky { value"}`,
		},
		{
			name:     "trailing comma removed",
			input:    "{\"a\": 1,\n\"b\": 2,\n}",
			expected: "{\"a\": 1,\n\"b\": 2\n}",
		},
		{
			name:     "no object",
			input:    "no structured output here",
			expected: "",
		},
		{
			name:     "unbalanced object",
			input:    `{"key": "value"`,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.input)
			if got != tt.expected {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestExtractJSON_StripsComments(t *testing.T) {
	input := "{\n\"url\": \"http://example.com\", // the base url\n\"count\": 3\n}"
	got := ExtractJSON(input)

	var out struct {
		URL   string `json:"url"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal([]byte(got), &out); err != nil {
		t.Fatalf("cleaned JSON should parse: %v\n%s", err, got)
	}
	if out.URL != "http://example.com" {
		t.Errorf("url = %q, comment stripping corrupted the string value", out.URL)
	}
	if out.Count != 3 {
		t.Errorf("count = %d, want 3", out.Count)
	}
}

func TestExtractJSONArray(t *testing.T) {
	input := "```json\n[1, 2, 3]\n```"
	got := ExtractJSONArray(input)
	if got != "[1, 2, 3]" {
		t.Errorf("ExtractJSONArray() = %q", got)
	}

	if got := ExtractJSONArray("nothing here"); got != "" {
		t.Errorf("expected empty result, got %q", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Complexity string `json:"complexity"`
	}
	err := DecodeJSON("```json\n{\"complexity\": \"complex\"}\n```", &out)
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if out.Complexity != "complex" {
		t.Errorf("complexity = %q", out.Complexity)
	}

	if err := DecodeJSON("prose only", &out); err == nil {
		t.Error("expected error for content without JSON")
	}
}
