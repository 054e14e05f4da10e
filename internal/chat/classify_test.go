package chat

import "testing"

func TestClassifyError(t *testing.T) {
	tests := []struct {
		code    string
		message string
		want    string // "" means transport
	}{
		{"", "Invalid image format", "image"},
		{"", "Photo upload failed", "image"},
		{"", "Message too long", "validation"},
		{"VALIDATION_ERROR", "bad request", "validation"},
		{"", "Message text is required", "validation"},
		{"", "You are not a participant in this chat", "permission"},
		{"", "Forbidden", "permission"},
		{"", "Message contains inappropriate content", "moderation"},
		{"", "internal server hiccup", ""},
		{"", "Database unavailable", ""},
		{"", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.message, func(t *testing.T) {
			got := classifyError(tc.code, tc.message)
			if tc.want == "" {
				if got != nil {
					t.Errorf("classifyError(%q, %q) = %+v, want transport error", tc.code, tc.message, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("classifyError(%q, %q) = nil, want %s", tc.code, tc.message, tc.want)
			}
			if got.Kind != tc.want {
				t.Errorf("kind = %q, want %q", got.Kind, tc.want)
			}
			if got.Error() != tc.message {
				t.Errorf("Error() = %q, want the server text", got.Error())
			}
		})
	}
}
