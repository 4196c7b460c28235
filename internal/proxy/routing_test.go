package proxy

import "testing"

func TestParseAssistantModel_Valid(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"lamb_assistant.7", 7},
		{"lamb_assistant.0", 0},
		{"lamb_assistant.123456", 123456},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, ok := parseAssistantModel(tt.model)
			if !ok {
				t.Fatalf("parseAssistantModel(%q) reported not-ok", tt.model)
			}
			if got != tt.want {
				t.Errorf("parseAssistantModel(%q) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}

func TestParseAssistantModel_Invalid(t *testing.T) {
	for _, model := range []string{"", "gpt-4", "lamb_assistant.", "lamb_assistant.abc", "lamb_assistant.7x"} {
		if _, ok := parseAssistantModel(model); ok {
			t.Errorf("parseAssistantModel(%q) expected not-ok", model)
		}
	}
}
