package bot

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/onnwee/bot-tender/db"
	"github.com/onnwee/bot-tender/eventsub"
)

// CommandBackend is the durable command table the moderation commands mutate
// and the router's fallback reads.
type CommandBackend interface {
	Get(ctx context.Context, name string) (string, error)
	List(ctx context.Context) (map[string]string, error)
	Create(ctx context.Context, name, text string) error
	Update(ctx context.Context, name, text string) error
	Delete(ctx context.Context, name string) error
}

// SQLCommandBackend scopes the chat_commands table to one bot identity.
type SQLCommandBackend struct {
	DB  *sql.DB
	Bot string
}

func (b *SQLCommandBackend) Get(ctx context.Context, name string) (string, error) {
	return db.GetCommandText(ctx, b.DB, b.Bot, name)
}

func (b *SQLCommandBackend) List(ctx context.Context) (map[string]string, error) {
	return db.ListCommands(ctx, b.DB, b.Bot)
}

func (b *SQLCommandBackend) Create(ctx context.Context, name, text string) error {
	return db.CreateCommand(ctx, b.DB, b.Bot, name, text)
}

func (b *SQLCommandBackend) Update(ctx context.Context, name, text string) error {
	return db.UpdateCommand(ctx, b.DB, b.Bot, name, text)
}

func (b *SQLCommandBackend) Delete(ctx context.Context, name string) error {
	return db.DeleteCommand(ctx, b.DB, b.Bot, name)
}

// RegisterCommandTable wires the command-table surface into the router:
// commands lists the stored names for anyone, while addcommand, editcommand,
// and removecommand mutate the backend and are gated on the moderator check:
// unprivileged chatters get no reply and no mutation.
func RegisterCommandTable(r *Router, backend CommandBackend) {
	r.Register("commands", Dynamic(listStoredCommands(backend, r.Prefix)))
	r.Register("addcommand", Dynamic(moderated(addCommand(backend, r.Prefix))))
	r.Register("editcommand", Dynamic(moderated(editCommand(backend, r.Prefix))))
	r.Register("removecommand", Dynamic(moderated(removeCommand(backend, r.Prefix))))
}

// moderated evaluates the privilege predicate before the wrapped handler; the
// mutation must never run for an unprivileged chatter.
func moderated(h Handler) Handler {
	return func(ctx context.Context, msg *eventsub.ChatMessage, arg string) *Reply {
		if !IsPrivileged(msg) {
			return nil
		}
		return h(ctx, msg, arg)
	}
}

// splitNameAndText separates "<name> <text...>" and normalizes the name the
// same way ParseCommand does, so "!addcommand !hi hello" stores "hi".
func splitNameAndText(prefix, arg string) (name, text string, ok bool) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return "", "", false
	}
	name = strings.ToLower(strings.TrimPrefix(fields[0], prefix))
	if name == "" {
		return "", "", false
	}
	return name, strings.Join(fields[1:], " "), true
}

func listStoredCommands(backend CommandBackend, prefix string) Handler {
	return func(ctx context.Context, msg *eventsub.ChatMessage, _ string) *Reply {
		all, err := backend.List(ctx)
		if err != nil {
			slog.Warn("commands listing failed", slog.Any("err", err))
			return nil
		}
		if len(all) == 0 {
			return ReplyTo(msg, "no commands stored yet")
		}
		names := make([]string, 0, len(all))
		for name := range all {
			names = append(names, prefix+name)
		}
		sort.Strings(names)
		return ReplyTo(msg, "commands: "+strings.Join(names, " "))
	}
}

func addCommand(backend CommandBackend, prefix string) Handler {
	return func(ctx context.Context, msg *eventsub.ChatMessage, arg string) *Reply {
		name, text, ok := splitNameAndText(prefix, arg)
		if !ok || text == "" {
			return ReplyTo(msg, "usage: "+prefix+"addcommand <name> <text>")
		}
		err := backend.Create(ctx, name, text)
		switch {
		case errors.Is(err, db.ErrCommandExists):
			return ReplyTo(msg, prefix+name+" already exists, use "+prefix+"editcommand to change it")
		case err != nil:
			slog.Warn("addcommand failed", slog.String("command", name), slog.Any("err", err))
			return nil
		}
		return ReplyTo(msg, "added "+prefix+name)
	}
}

func editCommand(backend CommandBackend, prefix string) Handler {
	return func(ctx context.Context, msg *eventsub.ChatMessage, arg string) *Reply {
		name, text, ok := splitNameAndText(prefix, arg)
		if !ok || text == "" {
			return ReplyTo(msg, "usage: "+prefix+"editcommand <name> <text>")
		}
		err := backend.Update(ctx, name, text)
		switch {
		case errors.Is(err, db.ErrNoCommand):
			return ReplyTo(msg, prefix+name+" does not exist, use "+prefix+"addcommand to create it")
		case err != nil:
			slog.Warn("editcommand failed", slog.String("command", name), slog.Any("err", err))
			return nil
		}
		return ReplyTo(msg, "updated "+prefix+name)
	}
}

func removeCommand(backend CommandBackend, prefix string) Handler {
	return func(ctx context.Context, msg *eventsub.ChatMessage, arg string) *Reply {
		name, _, ok := splitNameAndText(prefix, arg)
		if !ok {
			return ReplyTo(msg, "usage: "+prefix+"removecommand <name>")
		}
		err := backend.Delete(ctx, name)
		switch {
		case errors.Is(err, db.ErrNoCommand):
			return ReplyTo(msg, prefix+name+" does not exist")
		case err != nil:
			slog.Warn("removecommand failed", slog.String("command", name), slog.Any("err", err))
			return nil
		}
		return ReplyTo(msg, "removed "+prefix+name)
	}
}
