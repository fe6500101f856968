package approval

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandPrompter asks by running an external dialog program. The prompt
// is passed in LITTERBOX_* environment variables and the first line the
// program prints is parsed with ParseChoice. The program is killed when
// the prompt expires.
type CommandPrompter struct {
	argv []string
}

// NewCommandPrompter returns a prompter running argv.
func NewCommandPrompter(argv []string) (*CommandPrompter, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("approval: prompt command is empty")
	}
	return &CommandPrompter{argv: append([]string(nil), argv...)}, nil
}

// Prompt runs the command and returns the choice it printed.
func (c *CommandPrompter) Prompt(ctx context.Context, p *Prompt) (Choice, error) {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Env = append(os.Environ(), promptEnv(p)...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("prompt command failed: %w: %s", err, msg)
		}
		return "", fmt.Errorf("prompt command failed: %w", err)
	}

	line, _ := bufio.NewReader(&stdout).ReadString('\n')
	choice, err := ParseChoice(line)
	if err != nil {
		return "", err
	}
	return choice, nil
}

func promptEnv(p *Prompt) []string {
	choices := make([]string, len(p.Choices))
	for i, c := range p.Choices {
		choices[i] = string(c)
	}
	return []string{
		"LITTERBOX_REQUEST_ID=" + p.ID,
		"LITTERBOX_SANDBOX=" + p.Sandbox,
		"LITTERBOX_KEY=" + p.Key,
		"LITTERBOX_FINGERPRINT=" + p.Fingerprint,
		"LITTERBOX_OPERATION=" + p.Operation,
		"LITTERBOX_CHOICES=" + strings.Join(choices, ","),
	}
}
