package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"wablast/internal/dispatch"
	"wablast/internal/pairing"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

const commandTimeout = 30 * time.Second

var menu = []tele.Command{
	{Text: "status", Description: "Session state"},
	{Text: "qr", Description: "Current pairing QR"},
	{Text: "logout", Description: "Close the session and pair again"},
	{Text: "job", Description: "Dispatch job progress: /job <id>"},
	{Text: "help", Description: "List commands"},
}

func (b *Bot) registerHandlers() {
	mw := []tele.MiddlewareFunc{b.recoverPanics, b.requestLog, b.ownersOnly}
	b.bot.Handle("/start", b.handleHelp, mw...)
	b.bot.Handle("/help", b.handleHelp, mw...)
	b.bot.Handle("/status", b.handleStatus, mw...)
	b.bot.Handle("/qr", b.handleQR, mw...)
	b.bot.Handle("/logout", b.handleLogout, mw...)
	b.bot.Handle("/job", b.handleJob, mw...)
}

// ---- middleware ----

func (b *Bot) ownersOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		u := c.Sender()
		if u == nil || !b.isOwner(u.ID) {
			var id int64
			if u != nil {
				id = u.ID
			}
			b.log.Debug("ignoring command from non-owner", logx.Int64("from_id", id))
			return nil
		}
		return next(c)
	}
}

func (b *Bot) recoverPanics(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("panic recovered",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return next(c)
	}
}

func (b *Bot) requestLog(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		start := time.Now()
		err := next(c)
		d := time.Since(start)

		fields := []logx.Field{logx.Duration("dur", d)}
		if m := c.Message(); m != nil {
			fields = append(fields, logx.String("cmd", commandOf(m.Text)))
			if m.Chat != nil {
				fields = append(fields, logx.Int64("chat_id", m.Chat.ID))
			}
		}
		if u := c.Sender(); u != nil {
			fields = append(fields, logx.Int64("from_id", u.ID))
		}
		if err != nil {
			b.log.Warn("command failed", append(fields, logx.Err(err))...)
		} else {
			b.log.Debug("command ok", fields...)
		}
		return err
	}
}

func commandOf(text string) string {
	f := strings.Fields(text)
	if len(f) == 0 {
		return ""
	}
	cmd, _, _ := strings.Cut(f[0], "@")
	return cmd
}

// ---- handlers ----

func (b *Bot) handleHelp(c tele.Context) error { return c.Send(helpText()) }

func (b *Bot) handleStatus(c tele.Context) error {
	return c.Send(statusText(b.sess.Snapshot(), time.Now()))
}

func (b *Bot) handleQR(c tele.Context) error {
	reply, err := qrReply(b.sess, b.qrSize())
	if err != nil {
		return err
	}
	return c.Send(reply)
}

func (b *Bot) handleLogout(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return c.Send(logoutText(b.sess.Logout(ctx)))
}

func (b *Bot) handleJob(c tele.Context) error {
	if b.jobs == nil {
		return c.Send("Dispatch is not available.")
	}
	args := c.Args()
	if len(args) == 0 {
		return c.Send("Usage: /job <id>")
	}
	st, ok := b.jobs.Status(args[0])
	if !ok {
		return c.Send("Unknown job " + args[0])
	}
	return c.Send(jobText(st))
}

// ---- replies ----

func helpText() string {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, c := range menu {
		fmt.Fprintf(&sb, "/%s - %s\n", c.Text, c.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func statusText(st session.Status, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s", st.State)
	if st.Ready {
		sb.WriteString(" (ready to send)")
	}
	if !st.Since.IsZero() {
		fmt.Fprintf(&sb, "\nSince: %s ago", now.Sub(st.Since).Truncate(time.Second))
	}
	if st.Generation > 0 {
		fmt.Fprintf(&sb, "\nConnection: #%d", st.Generation)
	}
	if st.HasPairing {
		sb.WriteString("\nPairing code pending, use /qr")
	}
	if st.Reason != "" {
		fmt.Fprintf(&sb, "\nReason: %s", st.Reason)
	}
	return sb.String()
}

// qrReply is a QR photo when a pairing code is pending, text otherwise.
func qrReply(sess Session, size int) (any, error) {
	art, err := sess.CurrentPairingArtifact()
	if errors.Is(err, session.ErrPairingUnavailable) {
		return fmt.Sprintf("No pairing code right now (session %s).", sess.Snapshot().State), nil
	}
	if err != nil {
		return nil, err
	}
	return qrPhoto(art, size)
}

func qrPhoto(art session.PairingArtifact, size int) (*tele.Photo, error) {
	png, err := pairing.PNG(art.Code, size)
	if err != nil {
		return nil, fmt.Errorf("render pairing code: %w", err)
	}
	return &tele.Photo{
		File:    tele.FromReader(bytes.NewReader(png)),
		Caption: "Scan with WhatsApp > Linked devices to pair.",
	}, nil
}

func logoutText(err error) string {
	switch {
	case err == nil:
		return "Logged out. A new pairing code will follow."
	case errors.Is(err, session.ErrTeardown):
		return "Logout did not complete cleanly: " + err.Error() + "\nThe session is starting over anyway."
	case errors.Is(err, context.DeadlineExceeded):
		return "Logout timed out; try again."
	default:
		return "Logout failed: " + err.Error()
	}
}

func jobText(st dispatch.JobStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job %s: ", st.ID)
	switch {
	case st.Finished:
		sb.WriteString("finished")
	case st.Running:
		sb.WriteString("running")
	default:
		sb.WriteString("queued")
	}
	fmt.Fprintf(&sb, "\n%d/%d processed, %d failed", st.Done, st.Total, st.Failed)
	return sb.String()
}

func summaryText(s dispatch.Summary) string {
	took := s.FinishedAt.Sub(s.StartedAt).Truncate(time.Second)
	return fmt.Sprintf("Dispatch %s finished: %d/%d delivered, %d failed, %d blocks in %s.",
		s.JobID, s.Delivered, s.Total, s.Failed, s.Blocks, took)
}
