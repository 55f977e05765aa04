package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/troupebot/troupe/pkg/troupe/actor"
)

// newConfigCmd creates the `troupe config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd())
	return cmd
}

// newConfigInitCmd writes a config.yaml with the default settings.
func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config.yaml with default settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "config.yaml"
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			data, err := yaml.Marshal(actor.DefaultConfig())
			if err != nil {
				return fmt.Errorf("encoding defaults: %w", err)
			}
			header := "# troupe configuration.\n" +
				"# Secrets may reference environment variables: token: ${DISCORD_TOKEN}\n"
			if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}

			fmt.Printf("Wrote %s\n", path)
			fmt.Println("Set DISCORD_TOKEN and TROUPE_API_KEY (or use 'troupe secret set').")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// newConfigShowCmd prints the effective configuration with secrets masked.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			cfg.API.APIKey = mask(cfg.API.APIKey)
			cfg.Discord.Token = mask(cfg.Discord.Token)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

// mask hides all but the tail of a secret.
func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
