package session

import "github.com/andepants/courier/internal/config"

// DefaultSessionName is used when neither the --session flag nor the config
// file names a session.
const DefaultSessionName = "main"

// Resolve picks the active session name: an explicit flag wins, then the
// config file's default_session, then DefaultSessionName.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
