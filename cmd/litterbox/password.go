package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Gerharddc/litterbox/internal/crypto"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty vault",
		Long: `Create the vault file and protect it with a password.

The password encrypts every key stored in the vault. It is asked for again
whenever a key is generated and when an agent is started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			pw, err := newPasswordReader(cmd).readNew("New vault password: ")
			if err != nil {
				return err
			}
			defer crypto.Wipe(pw)

			if err := a.vault.Init(cmd.Context(), pw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created vault at %s\n", a.vault.Path())
			return nil
		},
	}
}

func newPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage the vault password",
	}
	cmd.AddCommand(newPasswordChangeCmd())
	return cmd
}

func newPasswordChangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "change",
		Short: "Re-encrypt every key under a new password",
		Long: `Re-encrypt every key in the vault under a new password.

Nothing is written unless every key could be re-encrypted. Running agents
keep working with the keys they already unlocked but cannot serve keys
generated afterwards; restart them to pick up the new password.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			pr := newPasswordReader(cmd)
			oldPw, err := pr.read("Current password: ")
			if err != nil {
				return err
			}
			defer crypto.Wipe(oldPw)

			// Fail before asking for the new password twice.
			if err := a.vault.VerifyPassword(oldPw); err != nil {
				return err
			}

			newPw, err := pr.readNew("New password: ")
			if err != nil {
				return err
			}
			defer crypto.Wipe(newPw)

			if err := a.vault.ChangePassword(cmd.Context(), oldPw, newPw); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password changed")
			return nil
		},
	}
}
