// Secret resolution for the engine. Secrets are looked up in the OS keyring
// first (Linux: Secret Service, macOS: Keychain, Windows: Credential
// Manager), then environment variables, then the config file value.
package actor

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "troupe"

	keyringAPIKey       = "api_key"
	keyringDiscordToken = "discord_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets resolves the API key and Discord token using the priority
// chain keyring → env var → config value, updating the config in place.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.API.APIKey = val
		logger.Debug("API key loaded from OS keyring")
	}
	if val := GetKeyring(keyringDiscordToken); val != "" {
		cfg.Discord.Token = val
		logger.Debug("Discord token loaded from OS keyring")
	}

	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		if key := os.Getenv("TROUPE_API_KEY"); key != "" {
			cfg.API.APIKey = key
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.API.APIKey = key
		}
	}
	if cfg.Discord.Token == "" || IsEnvReference(cfg.Discord.Token) {
		if tok := os.Getenv("DISCORD_TOKEN"); tok != "" {
			cfg.Discord.Token = tok
		}
	}

	if cfg.API.APIKey == "" {
		logger.Warn("no API key found; set TROUPE_API_KEY or store one in the keyring")
	}
	if cfg.Discord.Token == "" {
		logger.Warn("no Discord token found; set DISCORD_TOKEN or store one in the keyring")
	}
}

// resolveSecrets is the loader hook applied after YAML parsing.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		if key := os.Getenv("TROUPE_API_KEY"); key != "" {
			cfg.API.APIKey = key
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.API.APIKey = key
		}
	}
	if cfg.Discord.Token == "" || IsEnvReference(cfg.Discord.Token) {
		if tok := os.Getenv("DISCORD_TOKEN"); tok != "" {
			cfg.Discord.Token = tok
		}
	}
}
