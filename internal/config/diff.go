package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wablast/pkg/logx"
)

// SummarizeChange lists the changed top-level sections and safe log fields
// describing the new values. Tokens are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.store_path", newCfg.Session.StorePath),
			logx.Bool("session.check_numbers", newCfg.Session.CheckNumbers),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.block_size", newCfg.Dispatch.BlockSize),
			logx.String("dispatch.block_delay", newCfg.Dispatch.BlockDelay),
			logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout),
			logx.Any("dispatch.send_rate_per_sec", newCfg.Dispatch.SendRatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", newCfg.Telegram.Enabled()),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.operator_chat_set", newCfg.Telegram.OperatorChat != 0),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.retention", newCfg.Storage.Retention),
			logx.String("storage.prune_schedule", newCfg.Storage.PruneSchedule),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports changed sections that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		out = append(out, "http")
	}
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		out = append(out, "session")
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	if oldCfg.Storage.Driver != newCfg.Storage.Driver || oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout || oldCfg.Storage.PruneSchedule != newCfg.Storage.PruneSchedule {
		out = append(out, "storage")
	}
	od, nd := oldCfg.Dispatch, newCfg.Dispatch
	if od.QueueSize != nd.QueueSize || od.CSVColumn != nd.CSVColumn || od.StatusMax != nd.StatusMax || od.StatusTTL != nd.StatusTTL {
		out = append(out, "dispatch")
	}
	return out
}
