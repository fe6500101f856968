package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Gerharddc/litterbox/internal/approval"
	"github.com/Gerharddc/litterbox/internal/broker"
	"github.com/Gerharddc/litterbox/internal/config"
	"github.com/Gerharddc/litterbox/internal/crypto"
)

func newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent <sandbox>...",
		Short: "Serve SSH agents for sandboxes",
		Long: `Unlock the vault and serve one SSH agent socket per sandbox until
interrupted. Point SSH_AUTH_SOCK inside each sandbox at its socket.

Each agent lists only the keys attached to its sandbox, and every signature
must be approved through the configured prompter.`,
		Example: `  litterbox agent my-sandbox
  litterbox agent frontend backend`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, args)
		},
	}
}

func runAgent(cmd *cobra.Command, sandboxes []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logs.ComponentLogger("agent")

	pw, err := newPasswordReader(cmd).read("Vault password: ")
	if err != nil {
		return err
	}
	keyring, err := a.vault.Unlock(pw)
	crypto.Wipe(pw)
	if err != nil {
		return err
	}
	defer func() { _ = keyring.Close() }()

	prompter, closePrompter, err := newPrompter(a.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closePrompter()

	b, err := broker.New(broker.Options{
		Registry: a.registry,
		Keyring:  keyring,
		Prompter: prompter,
		Policy:   approvalPolicy(a.cfg.Approval),
		PolicyFor: func(sandbox string) approval.Policy {
			return approvalPolicy(a.cfg.Approval.For(sandbox))
		},
		SocketDir: a.cfg.SocketDir(),
		Logger:    a.logs.ComponentLogger("broker"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	for _, sandbox := range sandboxes {
		fmt.Fprintf(out, "%s: SSH_AUTH_SOCK=%s\n", sandbox, b.SocketPath(sandbox))
	}
	logger.Infof("serving %d sandbox(es) with %d unlocked key(s)", len(sandboxes), len(keyring.Keys()))

	if err := b.Run(ctx, sandboxes); err != nil {
		return err
	}
	logger.Infof("agent stopped")
	return nil
}

// approvalPolicy converts resolved approval settings to an engine policy.
func approvalPolicy(c config.ApprovalConfig) approval.Policy {
	return approval.Policy{
		Timeout:      time.Duration(c.Timeout) * time.Second,
		CacheDenials: c.CacheDenials,
		OnceOnly:     c.OnceOnly,
	}
}

func newPrompter(cfg *config.Config, status io.Writer) (approval.Prompter, func(), error) {
	switch cfg.Approval.Prompter {
	case config.PrompterCommand:
		p, err := approval.NewCommandPrompter(cfg.Approval.Command)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil

	default:
		p, err := approval.NewMonitorPrompter(cfg.ApprovalSocket())
		if err != nil {
			return nil, nil, err
		}
		if p.Mode() == approval.ModeClient {
			fmt.Fprintf(status, "Using the monitor at %s\n", p.SocketPath())
		} else {
			fmt.Fprintf(status, "Waiting for 'litterbox monitor' on %s\n", p.SocketPath())
		}
		return p, func() { _ = p.Close() }, nil
	}
}
