package approval

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCommandPrompter(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		want    Choice
		wantErr bool
	}{
		{"approve", `echo approve-once`, ChoiceApproveOnce, false},
		{"original words", `echo ApprovedForSession`, ChoiceApproveSession, false},
		{"reads env", `[ "$LITTERBOX_KEY" = github ] && [ "$LITTERBOX_SANDBOX" = box ] && echo deny`, ChoiceDeny, false},
		{"choices env", `echo "$LITTERBOX_CHOICES" | grep -q approve-session && echo session`, ChoiceApproveSession, false},
		{"garbage", `echo maybe`, "", true},
		{"exit status", `echo nope >&2; exit 3`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewCommandPrompter([]string{"/bin/sh", "-c", tt.script})
			if err != nil {
				t.Fatalf("NewCommandPrompter failed: %v", err)
			}
			got, err := p.Prompt(context.Background(), testPrompt("1"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Prompt error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCommandPrompter_KilledOnTimeout(t *testing.T) {
	p, err := NewCommandPrompter([]string{"/bin/sh", "-c", "sleep 10; echo approve"})
	if err != nil {
		t.Fatalf("NewCommandPrompter failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := p.Prompt(ctx, testPrompt("1")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("command was not killed promptly: %s", elapsed)
	}
}

func TestNewCommandPrompter_Empty(t *testing.T) {
	if _, err := NewCommandPrompter(nil); err == nil {
		t.Error("expected error for empty command")
	}
}
