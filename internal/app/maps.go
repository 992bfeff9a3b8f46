package app

import (
	"fmt"
	"strings"
	"time"

	"wablast/internal/config"
	"wablast/internal/dispatch"
	"wablast/internal/httpapi"
	"wablast/internal/provider/whatsapp"
	"wablast/internal/retention"
	"wablast/internal/session"
	"wablast/internal/storage"
	"wablast/internal/transport/telegram"
	logx "wablast/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.OperatorChat,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRetention(cfg *config.Config) (retention.Config, error) {
	maxAge, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return retention.Config{}, err
	}
	if err := retention.ValidateSchedule(cfg.Storage.PruneSchedule); err != nil {
		return retention.Config{}, err
	}
	return retention.Config{Schedule: cfg.Storage.PruneSchedule, MaxAge: maxAge}, nil
}

func mapSession(cfg *config.Config) (session.Config, whatsapp.Config, error) {
	sc := cfg.Session
	minB, err := config.ParseDurationField("session.restart_min_backoff", sc.RestartMinBackoff)
	if err != nil {
		return session.Config{}, whatsapp.Config{}, err
	}
	maxB, err := config.ParseDurationField("session.restart_max_backoff", sc.RestartMaxBackoff)
	if err != nil {
		return session.Config{}, whatsapp.Config{}, err
	}
	teardown, err := config.ParseDurationField("session.teardown_timeout", sc.TeardownTimeout)
	if err != nil {
		return session.Config{}, whatsapp.Config{}, err
	}
	sess := session.Config{
		RestartMinBackoff: minB,
		RestartMaxBackoff: maxB,
		TeardownTimeout:   teardown,
	}
	wa := whatsapp.Config{
		StorePath:    sc.StorePath,
		CheckNumbers: sc.CheckNumbers,
		DeviceName:   sc.DeviceName,
	}
	return sess, wa, nil
}

func mapEngine(cfg *config.Config) (dispatch.EngineConfig, error) {
	dc := cfg.Dispatch
	delay, err := config.ParseDurationField("dispatch.block_delay", dc.BlockDelay)
	if err != nil {
		return dispatch.EngineConfig{}, err
	}
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout)
	if err != nil {
		return dispatch.EngineConfig{}, err
	}
	if dc.BlockSize < 1 {
		return dispatch.EngineConfig{}, fmt.Errorf("dispatch.block_size must be >= 1")
	}
	return dispatch.EngineConfig{
		BlockSize:      dc.BlockSize,
		BlockDelay:     delay,
		SendTimeout:    sendTimeout,
		SendRatePerSec: dc.SendRatePerSec,
	}, nil
}

func mapDispatchService(cfg *config.Config) (dispatch.ServiceConfig, error) {
	ttl, err := config.ParseDurationField("dispatch.status_ttl", cfg.Dispatch.StatusTTL)
	if err != nil {
		return dispatch.ServiceConfig{}, err
	}
	return dispatch.ServiceConfig{
		QueueSize: cfg.Dispatch.QueueSize,
		StatusMax: cfg.Dispatch.StatusMax,
		StatusTTL: ttl,
	}, nil
}

func mapHTTPServer(cfg *config.Config) (httpapi.ServerConfig, error) {
	hc := cfg.HTTP
	out := httpapi.ServerConfig{Addr: hc.Addr}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"http.read_timeout", hc.ReadTimeout, &out.ReadTimeout},
		{"http.write_timeout", hc.WriteTimeout, &out.WriteTimeout},
		{"http.idle_timeout", hc.IdleTimeout, &out.IdleTimeout},
		{"http.shutdown_timeout", hc.ShutdownTimeout, &out.ShutdownTimeout},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return httpapi.ServerConfig{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          tc.Token,
		PollTimeout:    poll,
		OwnerUserIDs:   tc.OwnerUserIDs,
		OperatorChat:   tc.OperatorChat,
		OperatorThread: tc.OperatorThread,
		QRSize:         cfg.HTTP.QRSize,
	}, nil
}

// validate runs every mapping so a reload that would fail at apply time is
// rejected before commit.
func validate(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetention(cfg); err != nil {
		return err
	}
	if _, _, err := mapSession(cfg); err != nil {
		return err
	}
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchService(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPServer(cfg); err != nil {
		return err
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	return nil
}
