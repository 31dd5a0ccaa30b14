package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Router multiplexes deliveries across named channels. A task selects its
// channel via the "notify.channel" config key; unregistered channels are
// rejected (not retried).
type Router struct {
	mu             sync.RWMutex
	channels       map[string]Notifier
	defaultChannel string
}

func NewRouter(defaultChannel string) *Router {
	if defaultChannel == "" {
		defaultChannel = "email"
	}
	return &Router{
		channels:       make(map[string]Notifier),
		defaultChannel: defaultChannel,
	}
}

// Register adds a channel under the given name, replacing any previous one.
func (r *Router) Register(name string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = n
	slog.Info("notifier channel registered", "channel", name)
}

// DefaultChannel returns the channel used when a task does not pick one.
func (r *Router) DefaultChannel() string { return r.defaultChannel }

// ChannelFor resolves the channel name for a task config map.
func (r *Router) ChannelFor(taskConfig map[string]string) string {
	if c, ok := taskConfig["notify.channel"]; ok && c != "" {
		return c
	}
	return r.defaultChannel
}

// Deliver routes the payload to the named channel.
func (r *Router) Deliver(ctx context.Context, channel string, executionID uuid.UUID, p Payload) (*Result, error) {
	r.mu.RLock()
	n, ok := r.channels[channel]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrRejected, channel)
	}
	return n.Deliver(ctx, executionID, p)
}

// LogNotifier writes notifications to the log. It backs the default
// "email" channel when no mail transport is configured; identity and mail
// delivery live outside the engine.
type LogNotifier struct{}

func (LogNotifier) Deliver(_ context.Context, executionID uuid.UUID, p Payload) (*Result, error) {
	slog.Info("notification",
		"execution", executionID,
		"task", p.TaskName,
		"user", p.UserID,
		"condition_met", p.ConditionMet,
		"answer", p.Answer,
	)
	return &Result{}, nil
}
