package config

import (
	"fmt"
	"strings"
)

// Validate rejects configs that must never be committed, so a bad edit on
// hot reload keeps the previous config in place.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"session.restart_min_backoff", cfg.Session.RestartMinBackoff},
		{"session.restart_max_backoff", cfg.Session.RestartMaxBackoff},
		{"session.teardown_timeout", cfg.Session.TeardownTimeout},
		{"dispatch.block_delay", cfg.Dispatch.BlockDelay},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"dispatch.status_ttl", cfg.Dispatch.StatusTTL},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"storage.retention", cfg.Storage.Retention},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.HTTP.MaxUploadBytes < 0 {
		return fmt.Errorf("http.max_upload_bytes must be >= 0")
	}
	if cfg.HTTP.QRSize < 0 {
		return fmt.Errorf("http.qr_size must be >= 0")
	}
	if cfg.Dispatch.BlockSize < 1 {
		return fmt.Errorf("dispatch.block_size must be >= 1")
	}
	if cfg.Dispatch.SendRatePerSec < 0 {
		return fmt.Errorf("dispatch.send_rate_per_sec must be >= 0")
	}
	if cfg.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if cfg.Dispatch.StatusMax < 0 {
		return fmt.Errorf("dispatch.status_max must be >= 0")
	}
	if strings.TrimSpace(cfg.Session.StorePath) == "" {
		return fmt.Errorf("session.store_path is required")
	}
	if cfg.Logging.Telegram.Enabled && !cfg.Telegram.Enabled() {
		return fmt.Errorf("logging.telegram.enabled requires telegram.token")
	}
	if cfg.Telegram.Enabled() && len(cfg.Telegram.OwnerUserIDs) == 0 {
		return fmt.Errorf("telegram.owner_user_ids must list at least one user when telegram.token is set")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	return nil
}
