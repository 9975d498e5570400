package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/onnwee/bot-tender/db"
	"github.com/onnwee/bot-tender/eventsub"
	"github.com/onnwee/bot-tender/telemetry"
)

// FallbackResolver looks a command name up in an external durable table when
// the in-memory table has no entry. It returns the reply text, or
// db.ErrNoCommand when the name is unknown there too.
type FallbackResolver func(ctx context.Context, name string) (string, error)

// Router resolves parsed commands for one identity. Built-in commands live in
// the in-memory table; unknown names fall through to the resolver.
type Router struct {
	// Prefix marks command messages, usually "!".
	Prefix string
	// Fallback resolves names absent from the table. Optional.
	Fallback FallbackResolver
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	mu       sync.RWMutex
	commands map[string]Command
}

// NewRouter builds an empty router for the given prefix.
func NewRouter(prefix string) *Router {
	if prefix == "" {
		prefix = "!"
	}
	return &Router{Prefix: prefix, commands: make(map[string]Command)}
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Register adds or replaces a command. Names are matched lowercase.
func (r *Router) Register(name string, cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commands == nil {
		r.commands = make(map[string]Command)
	}
	r.commands[name] = cmd
}

func (r *Router) lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Dispatch resolves one chat event to a reply, or nil when the message is not
// a command, the name is unknown everywhere, or the handler declines to reply.
func (r *Router) Dispatch(ctx context.Context, msg *eventsub.ChatMessage) *Reply {
	if msg == nil || msg.Text == "" {
		return nil
	}
	parsed, ok := ParseCommand(r.Prefix, msg.Text)
	if !ok {
		return nil
	}

	var reply *Reply
	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		if cmd, found := r.lookup(parsed.Name); found {
			telemetry.IncCounter(telemetry.CommandsDispatched)
			reply = cmd.run(ctx, msg, parsed.Argument)
			return
		}
		if r.Fallback == nil {
			return
		}
		text, err := r.Fallback(ctx, parsed.Name)
		switch {
		case errors.Is(err, db.ErrNoCommand):
		case err != nil:
			r.logger().Warn("fallback command lookup failed",
				slog.String("command", parsed.Name), slog.Any("err", err))
		default:
			telemetry.IncCounter(telemetry.CommandsDispatched)
			reply = Say(text)
		}
	})
	return reply
}
