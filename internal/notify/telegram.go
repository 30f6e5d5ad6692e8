package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"courier/internal/retry"
)

// TelegramScheme prefixes chat addresses, e.g. "tg:123456".
const TelegramScheme = "tg"

type TelegramConfig struct {
	Token string
	// AlertChatID receives operator alerts from the log sink. 0 disables alerts.
	AlertChatID int64
}

// TelegramProvider sends notifications to chats. It also implements logx.AlertSender.
type TelegramProvider struct {
	bot       *tele.Bot
	alertChat int64
}

func NewTelegram(cfg TelegramConfig) (*TelegramProvider, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramProvider{bot: b, alertChat: cfg.AlertChatID}, nil
}

// ParseChatAddress extracts the chat id from "tg:<id>".
func ParseChatAddress(address string) (int64, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(address), ":")
	if !ok || !strings.EqualFold(scheme, TelegramScheme) {
		return 0, fmt.Errorf("not a telegram address: %q", address)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("bad chat id in %q", address)
	}
	return id, nil
}

func (p *TelegramProvider) Send(ctx context.Context, address string, data TemplateData) error {
	id, err := ParseChatAddress(address)
	if err != nil {
		return retry.Permanent(err)
	}
	return p.send(ctx, id, data.Content)
}

func (p *TelegramProvider) SendAlert(ctx context.Context, text string) error {
	if p.alertChat == 0 {
		return nil
	}
	return p.send(ctx, p.alertChat, text)
}

// send runs the blocking bot call in a goroutine so ctx cancellation is honoured.
func (p *TelegramProvider) send(ctx context.Context, chatID int64, text string) error {
	done := make(chan error, 1)
	go func() {
		_, err := p.bot.Send(&tele.Chat{ID: chatID}, text)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return classifyTelegram(err)
	}
}

// classifyTelegram turns flood control into a retry hint and chat-level
// rejections into permanent failures.
func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return retry.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrKickedFromGroup):
		return retry.Permanent(err)
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == 400 || te.Code == 403) {
		return retry.Permanent(err)
	}
	return retry.Transient(err)
}
