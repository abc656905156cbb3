// Package eventbus accepts events for asynchronous delivery: callers get an id
// back at once and the event router runs the bound job from a watermill
// subscriber.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"jobsched/internal/executor"
)

// Topic carries event deliveries.
const Topic = "job.events"

// Notifier delivers a named event.
type Notifier interface {
	Notify(ctx context.Context, name string) (executor.Outcome, error)
}

type delivery struct {
	Event      string    `json:"event"`
	ReceivedAt time.Time `json:"received_at"`
}

type Bus struct {
	router *message.Router
	pubSub *gochannel.GoChannel
	events Notifier
	log    *slog.Logger
}

// New builds the bus. buffer is how many deliveries may wait for the subscriber.
func New(events Notifier, log *slog.Logger, buffer int64) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "eventbus")
	wlog := watermill.NewSlogLogger(log)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, wlog)
	if err != nil {
		return nil, err
	}
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buffer, PreserveContext: true}, wlog)

	b := &Bus{router: router, pubSub: pubSub, events: events, log: log}
	// ackAlways is outermost: a failed or panicking delivery is logged and
	// never redelivered, since a redelivery could run the job twice.
	router.AddMiddleware(b.ackAlways, middleware.Recoverer)
	router.AddNoPublisherHandler("deliver_event", Topic, pubSub, b.handle)
	return b, nil
}

// Publish queues the event and returns the delivery id.
func (b *Bus) Publish(ctx context.Context, name string) (string, error) {
	payload, err := json.Marshal(delivery{Event: name, ReceivedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	msg := message.NewMessageWithContext(context.WithoutCancel(ctx), watermill.NewUUID(), payload)
	if err := b.pubSub.Publish(Topic, msg); err != nil {
		return "", err
	}
	return msg.UUID, nil
}

// Run blocks until ctx ends or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once the subscriber is attached.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	rerr := b.router.Close()
	if err := b.pubSub.Close(); err != nil && rerr == nil {
		rerr = err
	}
	return rerr
}

func (b *Bus) handle(msg *message.Message) error {
	var d delivery
	if err := json.Unmarshal(msg.Payload, &d); err != nil {
		b.log.Error("malformed delivery dropped", "delivery_id", msg.UUID, "error", err)
		return nil
	}
	out, err := b.events.Notify(msg.Context(), d.Event)
	if err != nil {
		return err
	}
	b.log.Info("async event handled", "delivery_id", msg.UUID, "event", d.Event, "job_id", out.JobID,
		"status", out.Status, "queued_for", time.Since(d.ReceivedAt))
	return nil
}

func (b *Bus) ackAlways(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		msgs, err := h(msg)
		if err != nil {
			b.log.Warn("async event not delivered", "delivery_id", msg.UUID, "error", err)
		}
		return msgs, nil
	}
}
