package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/troupebot/troupe/pkg/troupe/actor"
)

// secretNames maps CLI secret names to keyring keys.
var secretNames = map[string]string{
	"api-key":       "api_key",
	"discord-token": "discord_token",
}

// newSecretCmd creates the `troupe secret` command group for the OS keyring.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
		Long: `Store secrets in the operating system keyring (Linux: Secret
Service, macOS: Keychain, Windows: Credential Manager) instead of the
config file. Keyring values take precedence over environment variables
and config values.

Secret names: api-key, discord-token`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretDeleteCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			key, ok := secretNames[args[0]]
			if !ok {
				return fmt.Errorf("unknown secret %q (expected api-key or discord-token)", args[0])
			}

			fmt.Printf("Enter value for %s: ", args[0])
			value, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			if len(value) == 0 {
				return fmt.Errorf("empty value")
			}

			if err := actor.StoreKeyring(key, string(value)); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Printf("Stored %s in the OS keyring.\n", args[0])
			return nil
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret from the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			key, ok := secretNames[args[0]]
			if !ok {
				return fmt.Errorf("unknown secret %q (expected api-key or discord-token)", args[0])
			}
			if err := actor.DeleteKeyring(key); err != nil {
				return fmt.Errorf("deleting from keyring: %w", err)
			}
			fmt.Printf("Removed %s from the OS keyring.\n", args[0])
			return nil
		},
	}
}
