package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Gerharddc/litterbox/internal/crypto"
	"github.com/Gerharddc/litterbox/internal/registry"
	"github.com/Gerharddc/litterbox/internal/vault"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored keys and their attachments",
		Long: `Generate, inspect and delete the SSH keys held in the vault, and attach
them to the sandboxes allowed to request signatures with them.

A key is attached to at most one sandbox at a time.`,
	}

	cmd.AddCommand(newKeysGenerateCmd())
	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysPrintCmd())
	cmd.AddCommand(newKeysDeleteCmd())
	cmd.AddCommand(newKeysAttachCmd())
	cmd.AddCommand(newKeysDetachCmd())

	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var keyType string

	cmd := &cobra.Command{
		Use:   "generate <name>",
		Short: "Generate a new key",
		Long: `Generate a new key pair, encrypt the private half with the vault password
and print the public key in authorized_keys format.`,
		Example: `  litterbox keys generate github
  litterbox keys generate legacy-host --type rsa`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kt, err := vault.ParseKeyType(keyType)
			if err != nil {
				return err
			}
			if err := vault.ValidateName(args[0]); err != nil {
				return err
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			pw, err := newPasswordReader(cmd).read("Vault password: ")
			if err != nil {
				return err
			}
			defer crypto.Wipe(pw)

			info, err := a.vault.Generate(cmd.Context(), args[0], pw, kt)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.AuthorizedKey())
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyType, "type", "t", "ed25519", "Key type: ed25519, ecdsa or rsa")

	return cmd
}

func newKeysListCmd() *cobra.Command {
	var sandbox string

	cmd := &cobra.Command{
		Use:   "list [pattern]",
		Short: "List stored keys",
		Long: `List the keys in the vault with their fingerprint and attachment.

An optional glob pattern filters by key name; --sandbox filters by the
sandbox the key is attached to.`,
		Example: `  litterbox keys list
  litterbox keys list 'work-*'
  litterbox keys list --sandbox 'ci-**'`,
		Aliases: []string{"ls"},
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) > 0 {
				pattern = args[0]
			}
			for _, p := range []string{pattern, sandbox} {
				if p != "" && !doublestar.ValidatePattern(p) {
					return fmt.Errorf("invalid pattern %q", p)
				}
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := a.vault.List()
			if err != nil {
				return err
			}
			keys = filterKeys(keys, pattern, sandbox)

			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No keys found")
				return nil
			}
			return printKeyTable(cmd.OutOrStdout(), keys)
		},
	}

	cmd.Flags().StringVarP(&sandbox, "sandbox", "s", "", "Only keys attached to sandboxes matching this glob")

	return cmd
}

// filterKeys keeps keys whose name matches namePattern and whose sandbox
// matches sandboxPattern. Empty patterns match everything; a sandbox
// pattern never matches an unattached key.
func filterKeys(keys []vault.KeyInfo, namePattern, sandboxPattern string) []vault.KeyInfo {
	var out []vault.KeyInfo
	for _, k := range keys {
		if namePattern != "" {
			if ok, _ := doublestar.Match(namePattern, k.Name); !ok {
				continue
			}
		}
		if sandboxPattern != "" {
			if k.Sandbox == "" {
				continue
			}
			if ok, _ := doublestar.Match(sandboxPattern, k.Sandbox); !ok {
				continue
			}
		}
		out = append(out, k)
	}
	return out
}

func printKeyTable(w io.Writer, keys []vault.KeyInfo) error {
	table := tablewriter.NewWriter(w)
	table.Header("NAME", "TYPE", "FINGERPRINT", "SANDBOX", "CREATED")

	for _, k := range keys {
		sandbox := k.Sandbox
		if sandbox == "" {
			sandbox = "-"
		}
		_ = table.Append(
			k.Name,
			string(k.Type),
			k.Fingerprint,
			sandbox,
			k.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}

	return table.Render()
}

func newKeysPrintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print <name>",
		Short: "Print a public key in authorized_keys format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.vault.Key(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.AuthorizedKey())
			return nil
		},
	}
}

func newKeysDeleteCmd() *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a key",
		Long: `Delete a key from the vault. This cannot be undone.

Attached keys must be detached first, or pass --detach.`,
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			name := args[0]
			if detach {
				if _, err := a.registry.Detach(cmd.Context(), name); err != nil {
					return err
				}
			}
			if err := a.vault.Delete(cmd.Context(), name); err != nil {
				if errors.Is(err, vault.ErrKeyAttached) {
					return fmt.Errorf("%w\nDetach it first with 'litterbox keys detach %s' or pass --detach", err, name)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted key %q\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&detach, "detach", false, "Detach the key first if it is attached")

	return cmd
}

func newKeysAttachCmd() *cobra.Command {
	var exclusive bool

	cmd := &cobra.Command{
		Use:   "attach <name> <sandbox>",
		Short: "Allow a sandbox to request signatures with a key",
		Long: `Attach a key to a sandbox. The sandbox's agent starts listing the key
immediately; each signature still needs approval.

A key attached to another sandbox is moved, unless --exclusive is set.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			name, sandbox := args[0], args[1]
			previous, err := a.registry.Attach(cmd.Context(), name, sandbox, exclusive)
			if err != nil {
				if errors.Is(err, registry.ErrKeyAlreadyAttached) {
					return fmt.Errorf("%w\nDetach it first or omit --exclusive to move it", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			switch previous {
			case "":
				fmt.Fprintf(out, "Attached %q to %q\n", name, sandbox)
			case sandbox:
				fmt.Fprintf(out, "%q is already attached to %q\n", name, sandbox)
			default:
				fmt.Fprintf(out, "Moved %q from %q to %q\n", name, previous, sandbox)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "Fail instead of moving a key attached elsewhere")

	return cmd
}

func newKeysDetachCmd() *cobra.Command {
	var sandbox string

	cmd := &cobra.Command{
		Use:   "detach [name]",
		Short: "Withdraw a key from its sandbox",
		Long: `Detach a key from the sandbox it is attached to, or every key of a
sandbox with --sandbox. Running agents stop listing the key immediately and
refuse pending requests for it.`,
		Example: `  litterbox keys detach github
  litterbox keys detach --sandbox my-sandbox`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (sandbox != "") {
				return errors.New("give either a key name or --sandbox")
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if sandbox != "" {
				names, err := a.registry.DetachSandbox(cmd.Context(), sandbox)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Detached %d key(s) from %q\n", len(names), sandbox)
				return nil
			}

			previous, err := a.registry.Detach(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if previous == "" {
				fmt.Fprintf(out, "%q is not attached\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "Detached %q from %q\n", args[0], previous)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sandbox, "sandbox", "s", "", "Detach every key of this sandbox")

	return cmd
}
