package middleware

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"jobsched/internal/adapter/telegram"
)

// ACL admits only the listed Telegram user ids.
type ACL struct {
	allowed map[int64]struct{}
	log     *slog.Logger
}

func NewACL(ids []int64, log *slog.Logger) *ACL {
	if log == nil {
		log = slog.Default()
	}
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return &ACL{allowed: m, log: log}
}

func (a *ACL) IsAllowed(id int64) bool { _, ok := a.allowed[id]; return ok }

// Middleware drops updates from unknown users. Updates without a sender
// (channel posts) are dropped as well: the console is for people only.
func (a *ACL) Middleware(next telegram.HandlerFunc) telegram.HandlerFunc {
	return func(ctx context.Context, s telegram.Sender, upd *models.Update) {
		uid := telegram.UserID(upd)
		if uid != 0 && a.IsAllowed(uid) {
			next(ctx, s, upd)
			return
		}
		a.log.Warn("telegram update rejected", "user_id", uid)
		if chat := telegram.ChatID(upd); chat != 0 && uid != 0 {
			_, _ = s.SendMessage(ctx, &bot.SendMessageParams{ChatID: chat, Text: "access denied"})
		}
	}
}
