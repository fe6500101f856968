package approval

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Choice is a user's answer to a prompt.
type Choice string

const (
	ChoiceApproveOnce    Choice = "approve-once"
	ChoiceApproveSession Choice = "approve-session"
	ChoiceDeny           Choice = "deny"
	ChoiceDenySession    Choice = "deny-session"
)

// OperationSign is the only operation prompts are raised for.
const OperationSign = "sign"

// Prompt is what the user is shown. It never carries the data being signed.
type Prompt struct {
	ID          string    `json:"id"`
	Sandbox     string    `json:"sandbox"`
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Operation   string    `json:"operation"`
	Choices     []Choice  `json:"choices"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Offers reports whether c is one of the prompt's choices.
func (p *Prompt) Offers(c Choice) bool {
	for _, o := range p.Choices {
		if o == c {
			return true
		}
	}
	return false
}

// Response is the user's answer to the prompt with the same ID.
type Response struct {
	ID     string `json:"id"`
	Choice Choice `json:"choice"`
}

// Prompter asks a human. Prompt blocks until an answer arrives, ctx is
// done, or the prompter fails.
type Prompter interface {
	Prompt(ctx context.Context, p *Prompt) (Choice, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, p *Prompt) (Choice, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, p *Prompt) (Choice, error) {
	return f(ctx, p)
}

// ParseChoice accepts the canonical choice names and the words and single
// keys a person or dialog tool is likely to produce.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve-once", "approve", "approved", "allow", "once", "yes", "y", "a":
		return ChoiceApproveOnce, nil
	case "approve-session", "approvedforsession", "session", "s":
		return ChoiceApproveSession, nil
	case "deny", "denied", "declined", "no", "n", "d", "":
		return ChoiceDeny, nil
	case "deny-session", "never", "x":
		return ChoiceDenySession, nil
	default:
		return "", fmt.Errorf("approval: unrecognized choice %q", s)
	}
}
