// Package whatsapp implements provider.Client on top of whatsmeow.
//
// Device credentials live in a SQLite database (modernc driver). A Factory
// owns the database; every Client it builds is one websocket connection.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"wablast/internal/provider"
	logx "wablast/pkg/logx"
)

type Config struct {
	// StorePath is the device database file.
	StorePath string
	// CheckNumbers looks every address up before sending so unregistered
	// numbers fail with a clear error instead of a silent drop.
	CheckNumbers bool
	// DeviceName is shown in the phone's linked devices list.
	DeviceName string
}

type Factory struct {
	cfg       Config
	container *sqlstore.Container
	log       logx.Logger
}

// Open prepares the device store. It does not connect.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Factory, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	path := strings.TrimSpace(cfg.StorePath)
	if path == "" {
		return nil, errors.New("session store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(cfg.DeviceName); name != "" {
		store.SetOSInfo(name, [3]uint32{1, 0, 0})
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Zerolog(log.With(logx.String("module", "store")).Zerolog()))
	if err != nil {
		return nil, fmt.Errorf("open device store %s: %w", path, err)
	}
	log.Debug("device store opened", logx.String("path", path))
	return &Factory{cfg: cfg, container: container, log: log}, nil
}

// New builds an unconnected client for the stored device, or for a fresh
// device when none is paired.
func (f *Factory) New(ctx context.Context) (provider.Client, error) {
	dev, err := f.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	cli := whatsmeow.NewClient(dev, waLog.Zerolog(f.log.With(logx.String("module", "client")).Zerolog()))
	// Reconnects are driven by the session keeper, one fresh client each time.
	cli.EnableAutoReconnect = false
	return newClient(cli, f.cfg.CheckNumbers, f.log), nil
}

func (f *Factory) Close() error {
	if f == nil || f.container == nil {
		return nil
	}
	return f.container.Close()
}
