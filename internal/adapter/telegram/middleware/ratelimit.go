package middleware

import (
	"context"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"jobsched/internal/adapter/telegram"
)

// RateLimiter keeps one token bucket per user.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiters: make(map[int64]*rate.Limiter), limit: limit, burst: burst}
}

// Allow reports whether the user may act now and spends a token if so.
func (r *RateLimiter) Allow(userID int64) bool {
	r.mu.Lock()
	l, ok := r.limiters[userID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[userID] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

func (r *RateLimiter) Middleware(next telegram.HandlerFunc) telegram.HandlerFunc {
	return func(ctx context.Context, s telegram.Sender, upd *models.Update) {
		uid := telegram.UserID(upd)
		if uid != 0 && !r.Allow(uid) {
			if chat := telegram.ChatID(upd); chat != 0 {
				_, _ = s.SendMessage(ctx, &bot.SendMessageParams{ChatID: chat, Text: "too many requests, slow down"})
			}
			return
		}
		next(ctx, s, upd)
	}
}
