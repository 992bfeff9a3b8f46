package whatsapp

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wablast/internal/provider"
	logx "wablast/pkg/logx"
)

type Client struct {
	cli          *whatsmeow.Client
	checkNumbers bool
	log          logx.Logger

	mu        sync.Mutex
	events    chan<- provider.Event
	handlerID uint32
	// stop ends the pairing code stream; it lives exactly as long as the connection.
	stop      context.CancelFunc
	pumpDone  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(cli *whatsmeow.Client, checkNumbers bool, log logx.Logger) *Client {
	return &Client{cli: cli, checkNumbers: checkNumbers, log: log, closed: make(chan struct{})}
}

func (c *Client) Initialize(ctx context.Context, events chan<- provider.Event) error {
	c.mu.Lock()
	c.events = events
	c.handlerID = c.cli.AddEventHandler(c.handle)
	c.mu.Unlock()

	if c.cli.Store.ID == nil {
		if err := c.watchPairing(ctx); err != nil {
			return err
		}
	}
	if err := c.cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// watchPairing forwards pairing codes until the channel ends or the client
// is destroyed.
func (c *Client) watchPairing(ctx context.Context) error {
	qctx, cancel := context.WithCancel(ctx)
	qr, err := c.cli.GetQRChannel(qctx)
	if err != nil {
		cancel()
		return fmt.Errorf("pairing channel: %w", err)
	}
	done := make(chan struct{})
	c.mu.Lock()
	c.stop, c.pumpDone = cancel, done
	c.mu.Unlock()
	go c.pumpQR(qr, done)
	return nil
}

func (c *Client) pumpQR(items <-chan whatsmeow.QRChannelItem, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case item, ok := <-items:
			if !ok {
				return
			}
			if ev, ok := mapQRItem(item); ok {
				c.emit(ev)
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) handle(evt any) {
	if ev, ok := mapEvent(evt); ok {
		c.emit(ev)
	}
}

func (c *Client) emit(ev provider.Event) {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-c.closed:
	}
}

func (c *Client) Send(ctx context.Context, address, body string) error {
	if !c.cli.IsConnected() || !c.cli.IsLoggedIn() {
		return provider.ErrNotConnected
	}
	if err := validateAddress(address); err != nil {
		return err
	}
	jid := types.NewJID(address, types.DefaultUserServer)
	if c.checkNumbers {
		res, err := c.cli.IsOnWhatsApp(ctx, []string{"+" + address})
		if err != nil {
			return fmt.Errorf("check number %s: %w", address, err)
		}
		if len(res) == 0 || !res[0].IsIn {
			return fmt.Errorf("invalid wid: %s is not registered on WhatsApp", address)
		}
		jid = res[0].JID
	}
	if _, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		return fmt.Errorf("send to %s: %w", address, err)
	}
	return nil
}

// ClearSession unlinks the device. When the server cannot be reached the
// local credentials are deleted anyway.
func (c *Client) ClearSession(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		return nil
	}
	if c.cli.IsConnected() && c.cli.IsLoggedIn() {
		err := c.cli.Logout(ctx)
		if err == nil {
			return nil
		}
		c.log.Warn("remote logout failed; deleting local credentials", logx.Err(err))
	}
	if err := c.cli.Store.Delete(ctx); err != nil {
		return fmt.Errorf("delete device credentials: %w", err)
	}
	return nil
}

func (c *Client) Destroy(context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		id, stop := c.handlerID, c.stop
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		c.cli.RemoveEventHandler(id)
		c.cli.Disconnect()
		close(c.closed)
	})
	return nil
}

func mapEvent(evt any) (provider.Event, bool) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		return provider.Event{Kind: provider.EventAuthenticated}, true
	case *events.Connected:
		return provider.Event{Kind: provider.EventReady}, true
	case *events.LoggedOut:
		return provider.Event{Kind: provider.EventDisconnected, Reason: "logged out: " + v.Reason.String()}, true
	case *events.StreamReplaced:
		return provider.Event{Kind: provider.EventDisconnected, Reason: "session opened elsewhere"}, true
	case *events.ConnectFailure:
		return provider.Event{Kind: provider.EventDisconnected, Reason: "connect failure: " + v.Reason.String()}, true
	case *events.TemporaryBan:
		return provider.Event{Kind: provider.EventDisconnected, Reason: v.String()}, true
	case *events.ClientOutdated:
		return provider.Event{Kind: provider.EventDisconnected, Reason: "client outdated"}, true
	case *events.Disconnected:
		return provider.Event{Kind: provider.EventDisconnected, Reason: "connection closed"}, true
	default:
		return provider.Event{}, false
	}
}

func mapQRItem(item whatsmeow.QRChannelItem) (provider.Event, bool) {
	switch item.Event {
	case "code":
		return provider.Event{Kind: provider.EventPairing, Code: item.Code}, true
	case "success":
		// PairSuccess arrives through the event handler.
		return provider.Event{}, false
	case "timeout":
		return provider.Event{Kind: provider.EventDisconnected, Reason: "pairing code expired"}, true
	default:
		reason := "pairing failed: " + item.Event
		if item.Error != nil {
			reason += ": " + item.Error.Error()
		}
		return provider.Event{Kind: provider.EventDisconnected, Reason: reason}, true
	}
}

// validateAddress accepts E.164 subscriber numbers without the plus sign.
func validateAddress(address string) error {
	if len(address) < 7 || len(address) > 15 {
		return fmt.Errorf("invalid format: %q is not a valid phone number", address)
	}
	for _, r := range address {
		if r < '0' || r > '9' {
			return fmt.Errorf("invalid format: %q is not a valid phone number", address)
		}
	}
	return nil
}
