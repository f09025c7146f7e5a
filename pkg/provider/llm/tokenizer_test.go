package llm_test

import (
	"testing"

	"github.com/MrWong99/listenbuddy/pkg/provider/llm"
	"github.com/MrWong99/listenbuddy/pkg/types"
)

func TestApproxTokenizer(t *testing.T) {
	t.Parallel()

	tok := llm.ApproxTokenizer()
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := tok.Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}

	msgs := []types.Message{{Role: "system", Content: "abcd"}, {Role: "user", Content: "abcdefgh"}}
	if got := tok.CountMessages(msgs); got != 1+2+2*4 {
		t.Errorf("CountMessages = %d, want 11", got)
	}
}
