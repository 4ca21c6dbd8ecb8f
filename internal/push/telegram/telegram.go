// Package telegram is the durable push channel: a bot that messages each
// identity's own chat, reachable while no local view is open.
package telegram

import (
	"context"
	logx "deptnotify/pkg/logx"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"deptnotify/internal/model"
	"deptnotify/internal/push"
)

const telegramTextLimit = 4096

type Config struct {
	Token string
	// Chats maps an identity ID or email to that identity's chat.
	Chats map[string]int64
	// URL overrides the Bot API endpoint.
	URL     string
	Timeout time.Duration
}

type Channel struct {
	bot   *tele.Bot
	log   logx.Logger
	chats map[string]int64 // lowercased key -> chat
	bound map[int64]bool
}

var (
	_ push.Channel = (*Channel)(nil)
	_ push.Router  = (*Channel)(nil)
)

// New requires a token and at least one binding. A chat bound to two
// identities is rejected.
func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	chats := make(map[string]int64, len(cfg.Chats))
	owner := make(map[int64]string, len(cfg.Chats))
	for who, chat := range cfg.Chats {
		key := strings.ToLower(strings.TrimSpace(who))
		if key == "" || chat == 0 {
			return nil, fmt.Errorf("telegram chat binding %q=%d is invalid", who, chat)
		}
		if prev, ok := owner[chat]; ok && prev != key {
			return nil, fmt.Errorf("telegram chat %d is bound to more than one identity", chat)
		}
		owner[chat] = key
		chats[key] = chat
	}
	if len(chats) == 0 {
		return nil, errors.New("telegram has no chat bindings")
	}
	bound := make(map[int64]bool, len(owner))
	for chat := range owner {
		bound[chat] = true
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.URL,
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
		// Sending only; no poller, no getMe round trip at startup.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{
		bot:   b,
		log:   log.With(logx.String("comp", "push.telegram")),
		chats: chats,
		bound: bound,
	}, nil
}

func (c *Channel) Name() string  { return "telegram" }
func (c *Channel) Durable() bool { return true }

// Destination returns the chat bound to the identity's ID, falling back to
// its email.
func (c *Channel) Destination(id model.Identity) (string, error) {
	chat, ok := c.chatFor(id)
	if !ok {
		return "", push.ErrUnbound
	}
	return strconv.FormatInt(chat, 10), nil
}

func (c *Channel) chatFor(id model.Identity) (int64, bool) {
	for _, k := range []string{id.ID, id.Email} {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if chat, ok := c.chats[k]; ok {
			return chat, true
		}
	}
	return 0, false
}

func (c *Channel) Confirm(ctx context.Context, id model.Identity) error {
	chat, ok := c.chatFor(id)
	if !ok {
		return push.ErrUnbound
	}
	who := id.FullName
	if who == "" {
		who = id.Email
	}
	text := "Notifications enabled"
	if who != "" {
		text += " for " + html.EscapeString(who)
	}
	return c.send(ctx, chat, "<b>"+text+"</b>")
}

// Send delivers to the chat recorded at grant time. A message without one, or
// whose chat is no longer bound, is refused rather than sent elsewhere.
func (c *Channel) Send(ctx context.Context, m push.Message) error {
	chat, err := strconv.ParseInt(m.Destination, 10, 64)
	if err != nil || !c.bound[chat] {
		return push.ErrUnbound
	}
	return c.send(ctx, chat, format(m))
}

// format renders m as HTML within the message limit. Plain text is cut by
// runes before escaping so no entity or tag is split.
func format(m push.Message) string {
	var sb strings.Builder
	sb.WriteString("<b>")
	sb.WriteString(html.EscapeString(m.Title))
	sb.WriteString("</b>")
	if m.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(html.EscapeString(m.Body))
	}
	if m.Link != "" {
		sb.WriteString("\n<code>")
		sb.WriteString(html.EscapeString(m.Link))
		sb.WriteString("</code>")
	}
	if utf8.RuneCountInString(sb.String()) <= telegramTextLimit {
		return sb.String()
	}

	tail := ""
	if m.Link != "" {
		tail = "\n<code>" + html.EscapeString(m.Link) + "</code>"
	}
	budget := telegramTextLimit - utf8.RuneCountInString(tail) - len("<b></b>\n")
	title := fitEscaped(m.Title, budget)
	budget -= utf8.RuneCountInString(title)
	body := fitEscaped(m.Body, budget)

	out := "<b>" + title + "</b>"
	if body != "" {
		out += "\n" + body
	}
	return out + tail
}

// fitEscaped escapes as many leading runes of s as fit in limit runes, ending
// with an ellipsis when s was cut.
func fitEscaped(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if e := html.EscapeString(s); utf8.RuneCountInString(e) <= limit {
		return e
	}
	var sb strings.Builder
	n := 0
	for _, r := range s {
		e := html.EscapeString(string(r))
		w := utf8.RuneCountInString(e)
		if n+w > limit-1 {
			break
		}
		sb.WriteString(e)
		n += w
	}
	sb.WriteString("…")
	return sb.String()
}

func (c *Channel) send(ctx context.Context, chat int64, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	_, err := c.bot.Send(&tele.Chat{ID: chat}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err == nil {
		return nil
	}
	if forbidden(err) {
		return fmt.Errorf("%w: %v", push.ErrForbidden, err)
	}
	return err
}

// forbidden reports errors that mean the bot may never reach this chat.
func forbidden(err error) bool {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrChatNotFound):
		return true
	}
	return strings.Contains(err.Error(), "Forbidden")
}
