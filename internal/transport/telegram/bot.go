// Package telegram is the operator channel: owner-only commands, pairing and
// dispatch notifications, and the chat sink for operator log lines.
package telegram

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"wablast/internal/dispatch"
	"wablast/internal/eventbus"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

type Config struct {
	Token        string
	PollTimeout  time.Duration
	OwnerUserIDs []int64
	// OperatorChat receives notifications; 0 disables them.
	OperatorChat   int64
	OperatorThread int
	QRSize         int
}

// Session is the part of the session keeper the bot drives.
type Session interface {
	Snapshot() session.Status
	CurrentPairingArtifact() (session.PairingArtifact, error)
	Logout(ctx context.Context) error
}

// Jobs looks up dispatch jobs for /job.
type Jobs interface {
	Status(id string) (dispatch.JobStatus, bool)
}

// poster is the slice of *tele.Bot used for outgoing messages.
type poster interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Bot struct {
	log  logx.Logger
	bot  *tele.Bot
	out  poster
	sess Session
	jobs Jobs
	bus  eventbus.Bus

	mu     sync.RWMutex
	cfg    Config
	notify target
}

type target struct {
	chatID   int64
	threadID int
}

type Option func(*Bot)

func WithJobs(j Jobs) Option { return func(b *Bot) { b.jobs = j } }

func WithBus(bus eventbus.Bus) Option { return func(b *Bot) { b.bus = bus } }

// New connects to the Bot API and registers the command handlers.
// Polling starts with Start.
func New(cfg Config, sess Session, log logx.Logger, opts ...Option) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b := &Bot{log: log, sess: sess, bus: eventbus.Nop()}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, _ tele.Context) {
			b.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	b.bot = tb
	b.out = tb
	for _, o := range opts {
		o(b)
	}
	b.Apply(cfg)
	b.registerHandlers()
	return b, nil
}

// Apply swaps owners and the notification target. Token and poll timeout
// changes need a restart.
func (b *Bot) Apply(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg.OwnerUserIDs = slices.Clone(cfg.OwnerUserIDs)
	if cfg.QRSize <= 0 {
		cfg.QRSize = 512
	}
	b.cfg = cfg
	b.notify = target{chatID: cfg.OperatorChat, threadID: cfg.OperatorThread}
}

func (b *Bot) isOwner(id int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return id != 0 && slices.Contains(b.cfg.OwnerUserIDs, id)
}

func (b *Bot) qrSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.QRSize
}

func (b *Bot) operator() target {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.notify
}

// Start hosts long polling and the bus notifier on sup.
func (b *Bot) Start(sup *supervisor.Supervisor) {
	sup.GoRestart("telegram.poll", func(ctx context.Context) error {
		return b.poll(ctx, b.log)
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		// Restart if Start() returns while context is still active.
		supervisor.WithStopOnCleanExit(false),
	)
	sup.Go0("telegram.notify", b.runNotifier)
}

func (b *Bot) poll(ctx context.Context, log logx.Logger) error {
	if err := b.bot.SetCommands(menu); err != nil {
		log.Warn("updating command menu failed", logx.Err(err))
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.bot.Start()
	}()
	log.Info("polling started")

	select {
	case <-ctx.Done():
		b.bot.Stop()
		<-done
		log.Info("polling stopped")
		return ctx.Err()
	case <-done:
		return errors.New("polling loop exited")
	}
}

// SendText implements logx.Sender.
func (b *Bot) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	return b.sendText(ctx, target{chatID: chatID, threadID: threadID}, text)
}

func (b *Bot) sendText(ctx context.Context, to target, text string) error {
	if to.chatID == 0 {
		return nil
	}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.out.Send(tele.ChatID(to.chatID), chunk, sendOpts(to)); err != nil {
			return err
		}
	}
	return nil
}

func sendOpts(to target) *tele.SendOptions {
	return &tele.SendOptions{ThreadID: to.threadID, DisableWebPagePreview: true}
}
