package util

import "testing"

func TestFirstNonEmpty(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  string
	}{
		{"all empty", []string{"", "  ", "\t"}, ""},
		{"owner wins over team", []string{"Assistant", "research-team"}, "Assistant"},
		{"falls back to team", []string{"", "research-team"}, "research-team"},
		{"skip blanks", []string{"", "  ", "found"}, "found"},
		{"single value", []string{"only"}, "only"},
		{"no args", nil, ""},
		{"trims whitespace", []string{"  Assistant  "}, "Assistant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstNonEmpty(tt.input...)
			if got != tt.want {
				t.Errorf("FirstNonEmpty(%v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
