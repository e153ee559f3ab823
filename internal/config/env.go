package config

import (
	"os"
	"strings"
)

// Environment overrides for secrets.
const (
	EnvMessengerToken = "CLAIMBOT_MESSENGER_TOKEN"
	EnvAPIToken       = "CLAIMBOT_API_TOKEN"
	EnvStorageDSN     = "CLAIMBOT_STORAGE_DSN"
	EnvArchiveKey     = "CLAIMBOT_ARCHIVE_ACCESS_KEY"
	EnvArchiveSecret  = "CLAIMBOT_ARCHIVE_SECRET_KEY"
)

// ApplyEnv overrides secrets from the environment when the variables are set.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Messenger.Token, EnvMessengerToken)
	set(&c.API.Token, EnvAPIToken)
	set(&c.Storage.DSN, EnvStorageDSN)
	if c.Archive != nil {
		set(&c.Archive.AccessKey, EnvArchiveKey)
		set(&c.Archive.SecretKey, EnvArchiveSecret)
	}
}
