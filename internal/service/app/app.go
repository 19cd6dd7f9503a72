package app

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"e2e_dm/internal/directory"
	"e2e_dm/internal/keystore"
	"e2e_dm/internal/localstate"
	"e2e_dm/internal/model"
	"e2e_dm/internal/reconcile"
	redisSvc "e2e_dm/internal/service/redis"
	"e2e_dm/internal/session"
	"e2e_dm/internal/transport"
	"e2e_dm/internal/unread"
	"e2e_dm/internal/utils/log"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		dir          *directory.Client
		redisService *redisSvc.RedisService

		keys *keystore.KeyStore
		sess *session.Session
		tr   *transport.Transport
		rec  *reconcile.Reconciler
		un   *unread.Engine

		userID string
		toID   string

		cancel context.CancelFunc
	}
)

func NewApp(dir *directory.Client, redisService *redisSvc.RedisService, wsURL string) *App {
	return &App{
		app:          tview.NewApplication(),
		dir:          dir,
		redisService: redisService,
		tr:           transport.New(wsURL, dir),
	}
}

// Run logs in, loads or regenerates the key material, connects the socket
// and drives the chat UI until the user quits. Blocking.
func (c *App) Run(ctx context.Context, userID, email, toID string) {
	c.userID = userID
	c.toID = toID

	if err := c.dir.Login(ctx, userID, email); err != nil {
		log.Fatal("login failed", zap.Error(err))
	}

	local := localstate.New(localstate.NewRedisStore(c.redisService, userID), userID)
	c.keys = keystore.New(c.dir, local, email)
	pair, err := c.keys.Load(ctx)
	if err != nil {
		log.Fatal("load key material failed", zap.Error(err))
	}

	c.sess = session.New(userID, pair)
	c.un = unread.New(c.dir, c.sess)
	c.rec = reconcile.New(c.sess, c.dir, c.tr, c.un)

	if err := c.un.Bootstrap(ctx); err != nil {
		log.Warn("unread bootstrap failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.tr.Connect(runCtx)
	go c.pumpEvents(runCtx)

	c.openConversation(ctx, toID)

	c.renderUI()
}

// Stop is logout: tear down the socket before any new identity could
// connect, then clear every session-scoped cache and the local key copies.
func (c *App) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.tr.Close()
	c.dir.Logout()
	if c.sess != nil {
		c.sess.Clear()
	}
	if c.un != nil {
		c.un.Clear()
	}
	if c.keys != nil {
		if err := c.keys.Clear(ctx); err != nil {
			log.Warn("clear local key state failed", zap.Error(err))
		}
	}
}

// blocking function
func (c *App) renderUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.toID))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			if _, err := c.rec.Send(context.TODO(), c.toID, msg); err != nil {
				log.Error("send failed", zap.Error(err))
			}
			c.redraw()
		}(text)
	})

	c.redraw()

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	if err := c.app.SetRoot(layout, true).SetFocus(c.input).Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

// openConversation loads the history and acknowledges the unread messages now
// on screen. The engine's marked-read set keeps repeated opens from sending
// duplicate receipts.
func (c *App) openConversation(ctx context.Context, toID string) {
	entries, err := c.rec.OpenConversation(ctx, toID)
	if err != nil {
		log.Warn("load conversation failed", zap.Error(err))
		return
	}
	msgs := make([]model.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	c.un.MarkConversationRead(ctx, toID, msgs)
}

func (c *App) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.tr.Events():
			if !ok {
				return
			}
			c.rec.HandleEvent(ctx, ev)

			// a message landing in the open conversation is visible
			// immediately, so acknowledge it right away
			if ev.Type == transport.EventMessageReceived && ev.Message != nil &&
				ev.Message.SenderID == c.rec.ActiveConversation() {
				c.un.MarkConversationRead(ctx, ev.Message.SenderID, []model.Message{*ev.Message})
			}
			c.redraw()
		}
	}
}

func (c *App) redraw() {
	c.app.QueueUpdateDraw(func() {
		title := fmt.Sprintf(" Chat with %s ", c.toID)
		if n := c.un.Total(); n > 0 {
			title = fmt.Sprintf(" Chat with %s (%d unread elsewhere) ", c.toID, n)
		}
		c.chatbox.SetTitle(title)
		c.chatbox.Clear()
		for _, entry := range c.rec.Entries(c.toID) {
			switch {
			case entry.Status == reconcile.StatusUndecryptable:
				fmt.Fprintf(c.chatbox, "[red]%s:[-] <undecryptable message>\n", entry.Message.SenderID)
			case entry.Message.SenderID == c.userID:
				tag := ""
				if entry.Status == reconcile.StatusPending {
					tag = " [gray](sending...)[-]"
				} else if entry.Status == reconcile.StatusFailed {
					tag = fmt.Sprintf(" [red](failed: %s)[-]", entry.FailReason)
				}
				fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s%s\n", entry.Plaintext, tag)
			default:
				fmt.Fprintf(c.chatbox, "[green]%s:[-] %s\n", entry.Message.SenderID, entry.Plaintext)
			}
		}
		c.chatbox.ScrollToEnd()
	})
}
