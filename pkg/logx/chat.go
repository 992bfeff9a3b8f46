package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers operator log lines to a chat. The Telegram transport implements it.
type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatTextMax     = 3500
	chatValueMax    = 600
)

type senderBox struct{ s Sender }

type chatLine struct {
	chatID   int64
	threadID int
	text     string
}

// chatSink is a zerolog writer that never blocks the caller: lines are rate
// limited, queued, and dropped when the queue is full or no Sender is bound.
type chatSink struct {
	sender atomic.Value // senderBox
	queue  chan chatLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

func newChatSink() *chatSink {
	c := &chatSink{queue: make(chan chatLine, chatQueueSize), minLevel: defaultMinLevel}
	c.sender.Store(senderBox{})
	return c
}

func (c *chatSink) bind(s Sender) { c.sender.Store(senderBox{s: s}) }

func (c *chatSink) bound() Sender {
	b, _ := c.sender.Load().(senderBox)
	return b.s
}

func (c *chatSink) configure(tc TelegramConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chatID, c.threadID = tc.ChatID, tc.ThreadID
	c.minLevel = parseLevel(tc.MinLevel, defaultMinLevel)
	rps := max(1, tc.RatePerSec)
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	} else {
		c.limiter.SetLimit(rate.Limit(rps))
		c.limiter.SetBurst(rps)
	}
	if !tc.Enabled {
		return
	}
	if tc.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: chat sink enabled without a chat id; lines are dropped")
	}
	if c.stop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		c.wg.Add(1)
		go c.run(ctx)
	}
}

func (c *chatSink) close() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		c.wg.Wait()
	}
}

func (c *chatSink) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-c.queue:
			s := c.bound()
			if s == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = s.SendText(sctx, ln.chatID, ln.threadID, ln.text)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	ln := chatLine{chatID: c.chatID, threadID: c.threadID}
	pass := level >= c.minLevel && c.chatID != 0 && c.limiter != nil && c.limiter.Allow()
	c.mu.Unlock()

	if !pass || c.bound() == nil {
		return len(p), nil
	}
	if ln.text = chatText(p); ln.text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- ln:
	default:
	}
	return len(p), nil
}

// chatText renders one JSON log line as "[LEVEL] message" followed by one
// "- key=value" row per field, keys sorted.
func chatText(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, chatTextMax)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), chatValueMax))
	}
	return clip(b.String(), chatTextMax)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
