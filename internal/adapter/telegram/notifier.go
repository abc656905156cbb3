package telegram

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"

	"jobsched/internal/domain"
	"jobsched/internal/notify"
)

// ChatNotifier posts status changes into one chat. Only changes an operator
// cares about are sent: failures, completions and cancellations.
type ChatNotifier struct {
	sender Sender
	chatID int64
}

func NewChatNotifier(s Sender, chatID int64) *ChatNotifier {
	return &ChatNotifier{sender: s, chatID: chatID}
}

func (n *ChatNotifier) Notify(ctx context.Context, c notify.Change) error {
	if !worthTelling(c) {
		return nil
	}
	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{ChatID: n.chatID, Text: changeText(c)})
	return err
}

func worthTelling(c notify.Change) bool {
	switch c.To {
	case domain.StatusFailed, domain.StatusCompleted, domain.StatusCancelled:
		return true
	}
	return false
}

func changeText(c notify.Change) string {
	mark := "✅"
	switch c.To {
	case domain.StatusFailed:
		mark = "❌"
	case domain.StatusCancelled:
		mark = "⏹"
	}
	return fmt.Sprintf("%s #%d %s: %s → %s", mark, c.Job.ID, c.Job.Name, c.From, c.To)
}
