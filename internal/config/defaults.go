package config

import "strings"

const (
	DefaultAddr          = ":3000"
	DefaultStorePath     = "./wablast-session.db"
	DefaultBlockSize     = 1
	DefaultBlockDelay    = "5s"
	DefaultRetention     = "720h"
	DefaultPruneSchedule = "@daily"
)

// ApplyDefaults fills omitted fields. It is the only place defaults live;
// component constructors only guard against zero values.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultAddr
	}
	if strings.TrimSpace(c.Session.StorePath) == "" {
		c.Session.StorePath = DefaultStorePath
	}
	if c.Dispatch.BlockSize == 0 {
		c.Dispatch.BlockSize = DefaultBlockSize
	}
	if strings.TrimSpace(c.Dispatch.BlockDelay) == "" {
		c.Dispatch.BlockDelay = DefaultBlockDelay
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Retention) == "" {
		c.Storage.Retention = DefaultRetention
	}
	if strings.TrimSpace(c.Storage.PruneSchedule) == "" {
		c.Storage.PruneSchedule = DefaultPruneSchedule
	}
}
