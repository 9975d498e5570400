// Package bot turns decoded chat events into replies. It parses prefixed
// commands, resolves them against a per-identity command table with a durable
// fallback, gates mutating commands behind the moderator check, and hosts
// multiple bot identities with isolated credentials and ingress wiring.
package bot

import (
	"context"
	"strings"

	"github.com/onnwee/bot-tender/eventsub"
)

// Reply is the outcome of dispatching one chat event. A nil *Reply means no
// reply is sent. ParentID threads the reply under the triggering message.
type Reply struct {
	Text     string
	ParentID string
}

// ReplyTo threads text under the message that triggered the handler.
func ReplyTo(msg *eventsub.ChatMessage, text string) *Reply {
	return &Reply{Text: text, ParentID: msg.MessageID}
}

// Say replies in channel without threading.
func Say(text string) *Reply {
	return &Reply{Text: text}
}

// Handler is a dynamic command implementation. arg is the command argument
// string (tokens after the name rejoined with single spaces). Returning nil
// produces no reply.
type Handler func(ctx context.Context, msg *eventsub.ChatMessage, arg string) *Reply

// Command is the tagged variant stored in a command table: a fixed reply text
// or a handler. Construct with Static or Dynamic; the zero value replies with
// nothing.
type Command struct {
	text    string
	handler Handler
}

// Static builds a command that always replies with text verbatim.
func Static(text string) Command {
	return Command{text: text}
}

// Dynamic builds a command backed by a handler.
func Dynamic(h Handler) Command {
	return Command{handler: h}
}

func (c Command) run(ctx context.Context, msg *eventsub.ChatMessage, arg string) *Reply {
	if c.handler != nil {
		return c.handler(ctx, msg, arg)
	}
	if c.text != "" {
		return Say(c.text)
	}
	return nil
}

// ParsedCommand is a chat line recognized as a command.
type ParsedCommand struct {
	Name     string
	Argument string
}

// ParseCommand splits text on whitespace and recognizes a leading
// prefix-marked token. The name is lowercased without the prefix; the
// argument is the remaining tokens rejoined with single spaces. ok is false
// when the text is not a command.
func ParseCommand(prefix, text string) (ParsedCommand, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ParsedCommand{}, false
	}
	first := fields[0]
	if !strings.HasPrefix(first, prefix) || len(first) == len(prefix) {
		return ParsedCommand{}, false
	}
	return ParsedCommand{
		Name:     strings.ToLower(first[len(prefix):]),
		Argument: strings.Join(fields[1:], " "),
	}, true
}

// IsPrivileged reports whether the chatter may run mutating commands: the
// broadcaster themselves, or anyone carrying a moderator or broadcaster badge.
func IsPrivileged(msg *eventsub.ChatMessage) bool {
	if msg.Chatter.ID != "" && msg.Chatter.ID == msg.Broadcaster.ID {
		return true
	}
	for _, b := range msg.Badges {
		if b == "moderator" || b == "broadcaster" {
			return true
		}
	}
	return false
}
