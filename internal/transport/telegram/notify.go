package telegram

import (
	"context"
	"time"

	tele "gopkg.in/telebot.v4"

	"wablast/internal/dispatch"
	"wablast/internal/eventbus"
	"wablast/internal/session"
	logx "wablast/pkg/logx"
)

const notifyTimeout = 15 * time.Second

// runNotifier forwards bus events to the operator chat until ctx ends.
func (b *Bot) runNotifier(ctx context.Context) {
	ch, unsubscribe := b.bus.Subscribe(32)
	defer unsubscribe()

	var last session.State = -1
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if st, isState := ev.Data.(session.Status); isState {
				if st.State == last {
					continue
				}
				last = st.State
			}
			sctx, cancel := context.WithTimeout(ctx, notifyTimeout)
			if err := b.handleEvent(sctx, ev); err != nil {
				b.log.Warn("operator notification failed", logx.String("event", ev.Type), logx.Err(err))
			}
			cancel()
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, ev eventbus.Event) error {
	to := b.operator()
	if to.chatID == 0 {
		return nil
	}
	switch ev.Type {
	case eventbus.PairingIssued:
		art, ok := ev.Data.(session.PairingArtifact)
		if !ok {
			return nil
		}
		photo, err := qrPhoto(art, b.qrSize())
		if err != nil {
			return err
		}
		_, err = b.out.Send(tele.ChatID(to.chatID), photo, sendOpts(to))
		return err

	case eventbus.DispatchFinished:
		s, ok := ev.Data.(dispatch.Summary)
		if !ok {
			return nil
		}
		return b.sendText(ctx, to, summaryText(s))

	case eventbus.SessionState:
		st, ok := ev.Data.(session.Status)
		if !ok {
			return nil
		}
		switch st.State {
		case session.StateReady:
			return b.sendText(ctx, to, "WhatsApp session ready.")
		case session.StateDisconnected:
			msg := "WhatsApp session disconnected"
			if st.Reason != "" {
				msg += ": " + st.Reason
			}
			return b.sendText(ctx, to, msg)
		}
	}
	return nil
}
