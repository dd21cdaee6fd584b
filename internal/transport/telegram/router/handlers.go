package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"releasebot/internal/catalog"
	"releasebot/internal/message"
	"releasebot/internal/notifier"
	"releasebot/internal/storage"
	"releasebot/internal/subscriptions"
	"releasebot/internal/watcher"
	logx "releasebot/pkg/logx"
	"releasebot/pkg/tgui"
)

// Callback data scope and actions for the inline buttons.
const (
	cbScope       = "sub"
	cbSubscribe   = "add"
	cbUnsubscribe = "del"
)

// Subscriptions is the part of subscriptions.Service the handlers use.
type Subscriptions interface {
	Subscribe(ctx context.Context, recipient int64, itemID string) (subscriptions.SubscribeResult, error)
	Unsubscribe(ctx context.Context, recipient int64, itemID string) (bool, error)
	List(ctx context.Context, recipient int64) ([]storage.Subscription, error)
	Search(ctx context.Context, text string) ([]catalog.Entry, error)
}

type WatcherStatus interface {
	Snapshot() watcher.Snapshot
}

type NotifierStatus interface {
	Stats() notifier.Stats
	History() []notifier.HistoryItem
}

// Handlers implements the bot's chat commands. Watcher and Notifier may be
// nil; /status then reports what it has.
type Handlers struct {
	Subs     Subscriptions
	Watcher  WatcherStatus
	Notifier NotifierStatus
}

func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "start", Description: "about this bot", Hidden: true, Handle: h.help},
		{Name: "help", Aliases: []string{"h"}, Description: "show help", Handle: h.help},
		{Name: "search", Description: "search apps by name", Handle: h.search},
		{Name: "add", Description: "subscribe to an app by bundle ID", Handle: h.add},
		{Name: "del", Aliases: []string{"delete", "remove"}, Description: "unsubscribe from an app", Handle: h.del},
		{Name: "list", Description: "list your subscriptions", Handle: h.list},
		{Name: "status", Description: "watcher status", Access: AccessOwnerOnly, Timeout: 10 * time.Second, Handle: h.status},
	}
}

// Callbacks are the inline button handlers; they reuse add and del with the
// bundle ID as the only argument.
func (h *Handlers) Callbacks() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		cbScope + ":" + cbSubscribe:   h.add,
		cbScope + ":" + cbUnsubscribe: h.del,
	}
}

// keyboard adds one button per item whose callback data fits.
func keyboard(action, prefix string, items [][2]string) *tgui.Inline {
	kb := tgui.NewInline()
	for _, it := range items {
		data, err := tgui.Data(cbScope, action, it[1])
		if err != nil {
			continue
		}
		kb.Row(tgui.Btn(prefix+tgui.TruncRunes(it[0], 40), data))
	}
	return kb
}

func (h *Handlers) help(ctx context.Context, req *Request) error {
	return req.Reply(ctx, message.Help)
}

func (h *Handlers) search(ctx context.Context, req *Request) error {
	if req.Text == "" {
		return req.Reply(ctx, message.MissingSearch)
	}
	entries, err := h.Subs.Search(ctx, req.Text)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	if len(entries) > message.MaxSearchResults {
		entries = entries[:message.MaxSearchResults]
	}
	items := make([][2]string, 0, len(entries))
	for _, e := range entries {
		items = append(items, [2]string{e.Title, e.ItemIdentifier})
	}
	return req.ReplyUI(ctx, tgui.Message{
		Text:     message.SearchResults(entries),
		Keyboard: keyboard(cbSubscribe, "➕ ", items),
	})
}

func (h *Handlers) add(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, message.MissingArgument)
	}
	res, err := h.Subs.Subscribe(ctx, req.Chat.ChatID, req.Args[0])
	switch {
	case errors.Is(err, subscriptions.ErrUnknownItem):
		return req.Reply(ctx, message.NothingFound)
	case err != nil:
		return h.fail(ctx, req, err)
	case res.Already:
		return req.Reply(ctx, message.AlreadySubscribed(res.Subscription.Title, res.Subscription.ItemIdentifier))
	}
	return req.Reply(ctx, message.Added(res.Subscription.Title, res.Subscription.ItemIdentifier))
}

func (h *Handlers) del(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, message.MissingArgument)
	}
	removed, err := h.Subs.Unsubscribe(ctx, req.Chat.ChatID, req.Args[0])
	if err != nil {
		return h.fail(ctx, req, err)
	}
	if !removed {
		return req.Reply(ctx, message.NotSubscribedOne)
	}
	return req.Reply(ctx, message.Removed(req.Args[0]))
}

func (h *Handlers) list(ctx context.Context, req *Request) error {
	subs, err := h.Subs.List(ctx, req.Chat.ChatID)
	if err != nil {
		return h.fail(ctx, req, err)
	}
	items := make([][2]string, 0, len(subs))
	for _, s := range subs {
		items = append(items, [2]string{s.Title, s.ItemIdentifier})
	}
	return req.ReplyUI(ctx, tgui.Message{
		Text:     message.List(subs),
		Keyboard: keyboard(cbUnsubscribe, "➖ ", items),
	})
}

func (h *Handlers) status(ctx context.Context, req *Request) error {
	var b strings.Builder
	if h.Watcher != nil {
		s := h.Watcher.Snapshot()
		b.WriteString("<b>Watcher</b>\n")
		fmt.Fprintf(&b, "state: %s (running=%t)\n", s.State, s.Running)
		fmt.Fprintf(&b, "queue: %d\n", s.QueueLen)
		if !s.LastRefill.IsZero() {
			fmt.Fprintf(&b, "last refill: %s (%d items)\n", s.LastRefill.Format(time.RFC3339), s.LastRefillCount)
		}
		if s.LastRefillErr != "" {
			fmt.Fprintf(&b, "last refill error: %s\n", html.EscapeString(s.LastRefillErr))
		}
		fmt.Fprintf(&b, "processed: %d, notified: %d, deleted: %d\n", s.Processed, s.Notified, s.Deleted)
		fmt.Fprintf(&b, "notifier bound: %t\n", s.NotifierBound)
	}
	if h.Notifier != nil {
		st := h.Notifier.Stats()
		b.WriteString("\n<b>Notifier</b>\n")
		fmt.Fprintf(&b, "sent: %d, failed: %d\n", st.Sent, st.Failed)
		hist := h.Notifier.History()
		if n := len(hist); n > 5 {
			hist = hist[n-5:]
		}
		for _, it := range hist {
			res := "ok"
			if it.Error != "" {
				res = html.EscapeString(it.Error)
			}
			fmt.Fprintf(&b, "%s → %d: %s\n", it.At.Format(time.TimeOnly), it.Recipient, res)
		}
	}
	if b.Len() == 0 {
		b.WriteString("no status available")
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) fail(ctx context.Context, req *Request, err error) error {
	req.logger(logx.Nop()).Warn("command failed", logx.Err(err))
	if rerr := req.Reply(ctx, message.GenericFailure); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}
