package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Gerharddc/litterbox/internal/approval"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [socket-path]",
		Short: "Approve or deny signing requests",
		Long: `Interactive terminal for approving signing requests from running agents.

Run this in a separate terminal. If an agent already owns the approval
socket the monitor connects to it; otherwise the monitor listens and agents
started later connect to it.

Keys (instant response, no Enter needed):
  a - Approve this signature
  s - Approve every signature with this key for the rest of the session
  d - Deny this signature
  n - Deny every signature with this key for the rest of the session
  q - Quit

Only the choices shown with a request are accepted. Requests that are not
answered in time are denied.`,
		Example: `  # Default approval socket
  litterbox monitor

  # Explicit socket path
  litterbox monitor /run/user/1000/litterbox/approval.sock`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return runMonitor(cmd.Context(), args[0])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runMonitor(cmd.Context(), cfg.ApprovalSocket())
		},
	}
}

func runMonitor(parent context.Context, socketPath string) error {
	console, err := approval.OpenConsole(socketPath)
	if err != nil {
		return fmt.Errorf("failed to open approval socket %s: %w", socketPath, err)
	}
	defer func() { _ = console.Close() }()

	// Set terminal to raw mode for single-key input
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw terminal mode: %w", err)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keyChan := make(chan byte, 10)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				cancel()
				return
			}
			if n == 0 {
				continue
			}
			// Ctrl+C and q quit; raw mode swallows SIGINT.
			if buf[0] == 3 || buf[0] == 'q' || buf[0] == 'Q' {
				cancel()
				return
			}
			select {
			case keyChan <- buf[0]:
			default:
			}
		}
	}()

	out := os.Stdout
	printHeader(out, socketPath, console.Listening())

	for {
		q, err := console.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, approval.ErrAgentGone):
				fmt.Fprint(out, "\r\nAgent disconnected.\r\n")
			case ctx.Err() != nil:
				fmt.Fprint(out, "\r\nExiting monitor...\r\n")
			default:
				fmt.Fprintf(out, "\r\nConnection closed: %v\r\n", err)
			}
			return nil
		}

		displayPrompt(out, &q.Prompt, time.Now())

		choice, ok := awaitChoice(ctx, out, &q.Prompt, keyChan)
		if !ok {
			continue
		}
		if err := q.Answer(choice); err != nil {
			fmt.Fprintf(out, "Failed to send response: %v\r\n", err)
		}
		fmt.Fprint(out, "\r\n")
	}
}

// awaitChoice waits for a key naming one of the prompt's choices. It gives
// up when the prompt expires or ctx is done.
func awaitChoice(ctx context.Context, w io.Writer, p *approval.Prompt, keys <-chan byte) (approval.Choice, bool) {
	fmt.Fprint(w, "Decision: ")

	// Drop keystrokes typed before the prompt was shown.
	for len(keys) > 0 {
		<-keys
	}

	var expired <-chan time.Time
	if !p.ExpiresAt.IsZero() {
		timer := time.NewTimer(time.Until(p.ExpiresAt))
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case key := <-keys:
			choice, ok := choiceForKey(key, p)
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%c\r\n%s\r\n", key, describeChoice(choice, p))
			return choice, true
		case <-expired:
			fmt.Fprint(w, "\r\n✗ Timed out, denied\r\n\r\n")
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}
}

// choiceForKey maps a key press to a choice the prompt offers.
func choiceForKey(key byte, p *approval.Prompt) (approval.Choice, bool) {
	var c approval.Choice
	switch key {
	case 'a', 'A', 'y', 'Y':
		c = approval.ChoiceApproveOnce
	case 's', 'S':
		c = approval.ChoiceApproveSession
	case 'd', 'D':
		c = approval.ChoiceDeny
	case 'n', 'N':
		c = approval.ChoiceDenySession
	default:
		return "", false
	}
	if !p.Offers(c) {
		return "", false
	}
	return c, true
}

func describeChoice(c approval.Choice, p *approval.Prompt) string {
	switch c {
	case approval.ChoiceApproveOnce:
		return fmt.Sprintf("✓ Approved once: %s", p.Key)
	case approval.ChoiceApproveSession:
		return fmt.Sprintf("✓ Approved for session: %s", p.Key)
	case approval.ChoiceDenySession:
		return fmt.Sprintf("✗ Denied for session: %s", p.Key)
	default:
		return fmt.Sprintf("✗ Denied: %s", p.Key)
	}
}

func printHeader(w io.Writer, socketPath string, listening bool) {
	mode := "Connected to agent"
	if listening {
		mode = "Waiting for agents"
	}
	fmt.Fprint(w, "╔════════════════════════════════════════════════════════════════╗\r\n")
	fmt.Fprint(w, "║            litterbox Signing Request Monitor                   ║\r\n")
	fmt.Fprint(w, "╠════════════════════════════════════════════════════════════════╣\r\n")
	fmt.Fprintf(w, "║  %-62s║\r\n", truncate(mode+": "+socketPath, 62))
	fmt.Fprint(w, "║  Keys: [a]pprove [s]ession-approve [d]eny [n]ever  [q]uit      ║\r\n")
	fmt.Fprint(w, "║  Unanswered requests are denied when they time out             ║\r\n")
	fmt.Fprint(w, "╚════════════════════════════════════════════════════════════════╝\r\n")
	fmt.Fprint(w, "\r\n")
}

func displayPrompt(w io.Writer, p *approval.Prompt, now time.Time) {
	fmt.Fprint(w, "┌──────────────────────────────────────────────────────────────────┐\r\n")
	fmt.Fprintf(w, "│  %-64s│\r\n", truncate("Request "+p.ID, 64))
	fmt.Fprint(w, "├──────────────────────────────────────────────────────────────────┤\r\n")
	fmt.Fprintf(w, "│  Sandbox:     %-51s│\r\n", truncate(p.Sandbox, 51))
	fmt.Fprintf(w, "│  Key:         %-51s│\r\n", truncate(p.Key, 51))
	fmt.Fprintf(w, "│  Fingerprint: %-51s│\r\n", truncate(p.Fingerprint, 51))
	fmt.Fprintf(w, "│  Operation:   %-51s│\r\n", truncate(p.Operation, 51))
	if !p.ExpiresAt.IsZero() {
		left := p.ExpiresAt.Sub(now).Round(time.Second)
		if left < 0 {
			left = 0
		}
		fmt.Fprintf(w, "│  Expires in:  %-51s│\r\n", left.String())
	}
	fmt.Fprint(w, "├──────────────────────────────────────────────────────────────────┤\r\n")
	fmt.Fprintf(w, "│  %-64s│\r\n", choiceLegend(p))
	fmt.Fprint(w, "└──────────────────────────────────────────────────────────────────┘\r\n")
}

// choiceLegend lists the keys valid for p.
func choiceLegend(p *approval.Prompt) string {
	labels := []struct {
		choice approval.Choice
		label  string
	}{
		{approval.ChoiceApproveOnce, "[a]pprove"},
		{approval.ChoiceApproveSession, "[s]ession-approve"},
		{approval.ChoiceDeny, "[d]eny"},
		{approval.ChoiceDenySession, "[n]ever"},
	}
	var parts []string
	for _, l := range labels {
		if p.Offers(l.choice) {
			parts = append(parts, l.label)
		}
	}
	return strings.Join(parts, "    ")
}

func truncate(s string, maxLen int) string {
	if len([]rune(s)) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}
