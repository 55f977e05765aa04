// Package commands implements the troupe CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "troupe",
		Short: "Troupe - multi-persona actor engine for chat servers",
		Long: `Troupe hosts a cast of configurable actors in a chat server. Each
actor has its own context, memory, and mentionable role, and answers
through an impersonation webhook so every persona keeps its own name
and avatar.

Examples:
  troupe serve
  troupe serve --config ./config.yaml
  troupe config init
  troupe secret set api-key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
