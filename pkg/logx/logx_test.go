package logx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func fileService(t *testing.T, level string) (*Service, Logger, Config) {
	t.Helper()
	cfg := Config{Level: level, File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "wablast.log")}}
	svc, log := New(cfg)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, log, cfg
}

func TestLoggerWritesFields(t *testing.T) {
	svc, log, cfg := fileService(t, "info")
	log = log.With(String("comp", "session"))

	log.Debug("hidden")
	log.Info("connected", Uint64("generation", 3), Err(errors.New("boom")), Err(nil))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, cfg.File.Path)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(lines), lines)
	}
	got := lines[0]
	if got["message"] != "connected" || got["comp"] != "session" || got["generation"] != float64(3) || got["err"] != "boom" {
		t.Fatalf("unexpected line %v", got)
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestZerologBridgeKeepsFieldsAndFollowsApply(t *testing.T) {
	svc, log, cfg := fileService(t, "info")
	zl := log.With(String("comp", "whatsapp")).With(String("module", "store")).Zerolog()

	zl.Debug().Msg("before reload")
	zl.Info().Str("sublogger", "Client").Msg("upgrading")

	cfg.Level = "debug"
	svc.Apply(cfg)
	zl.Debug().Msg("after reload")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, cfg.File.Path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	for _, ln := range lines {
		if ln["module"] != "store" || ln["comp"] != "whatsapp" {
			t.Fatalf("bridged line lost its fields: %v", ln)
		}
	}
	if lines[0]["message"] != "upgrading" || lines[0]["sublogger"] != "Client" {
		t.Fatalf("first line = %v", lines[0])
	}
	if lines[1]["message"] != "after reload" || lines[1]["level"] != "debug" {
		t.Fatalf("second line = %v", lines[1])
	}
}

func TestZerologBridgeWithoutService(t *testing.T) {
	if got := Nop().With(String("module", "x")).Zerolog().GetLevel(); got != zerolog.Disabled {
		t.Fatalf("nop bridge level = %v, want disabled", got)
	}
	var zero Logger
	zl := zero.Zerolog()
	zl.Info().Msg("dropped")
}

type recordingSender struct{ texts []string }

func (r *recordingSender) SendText(_ context.Context, _ int64, _ int, text string) error {
	r.texts = append(r.texts, text)
	return nil
}

func TestChatSinkFilters(t *testing.T) {
	c := newChatSink()
	line := []byte(`{"level":"warn","message":"send failed","to":"155","time":"x"}` + "\n")

	// Nothing is queued without a chat id or a bound sender.
	c.configure(TelegramConfig{MinLevel: "warn", RatePerSec: 100})
	_, _ = c.WriteLevel(LevelWarn, line)
	c.configure(TelegramConfig{ChatID: 42, ThreadID: 3, MinLevel: "warn", RatePerSec: 100})
	_, _ = c.WriteLevel(LevelWarn, line)
	if len(c.queue) != 0 {
		t.Fatalf("queued %d lines before a sender was bound", len(c.queue))
	}

	c.bind(&recordingSender{})
	_, _ = c.WriteLevel(LevelInfo, line)
	_, _ = c.WriteLevel(LevelWarn, line)
	if len(c.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(c.queue))
	}
	got := <-c.queue
	if got.chatID != 42 || got.threadID != 3 || got.text != "[WARN] send failed\n- to=155" {
		t.Fatalf("queued %+v", got)
	}
}

func TestChatSinkDelivers(t *testing.T) {
	rec := &recordingSender{}
	c := newChatSink()
	c.bind(rec)
	c.configure(TelegramConfig{Enabled: true, ChatID: 1, RatePerSec: 10})
	_, _ = c.WriteLevel(LevelError, []byte(`{"level":"error","message":"boom"}`))

	// close waits for the worker, but only after it has picked the line up.
	for i := 0; i < 200 && len(c.queue) > 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	c.close()
	if len(rec.texts) != 1 || rec.texts[0] != "[ERROR] boom" {
		t.Fatalf("sent %v", rec.texts)
	}
}

func TestChatTextSortsFieldsAndClips(t *testing.T) {
	got := chatText([]byte(`{"level":"error","message":"m","b":"2","a":1,"time":"t"}`))
	if got != "[ERROR] m\n- a=1\n- b=2" {
		t.Fatalf("chatText = %q", got)
	}
	if got := chatText([]byte("not json")); got != "not json" {
		t.Fatalf("raw chatText = %q", got)
	}
	if got := clip(strings.Repeat("x", 20), 12); got != "xxxxxxxxx..." {
		t.Fatalf("clip = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{"DEBUG": LevelDebug, " warning ": LevelWarn, "error": LevelError, "": LevelInfo, "loud": LevelInfo}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
