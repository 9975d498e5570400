package bot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/onnwee/bot-tender/db"
	"github.com/onnwee/bot-tender/eventsub"
)

func chatMsg(text string, badges ...string) *eventsub.ChatMessage {
	return &eventsub.ChatMessage{
		MessageID:   "msg-1",
		Text:        text,
		Broadcaster: eventsub.User{ID: "100", Login: "streamer"},
		Chatter:     eventsub.User{ID: "200", Login: "viewer"},
		Badges:      badges,
	}
}

func TestDispatchStaticCommand(t *testing.T) {
	r := NewRouter("!")
	r.Register("discord", Static("join us at discord.example.com"))

	reply := r.Dispatch(context.Background(), chatMsg("!discord"))
	if reply == nil || reply.Text != "join us at discord.example.com" {
		t.Fatalf("reply = %+v, want static text verbatim", reply)
	}
	if reply.ParentID != "" {
		t.Errorf("static reply threaded to %q, want unthreaded", reply.ParentID)
	}
}

func TestDispatchDynamicCommand(t *testing.T) {
	r := NewRouter("!")
	r.Register("echo", Dynamic(func(_ context.Context, msg *eventsub.ChatMessage, arg string) *Reply {
		return ReplyTo(msg, "you said: "+arg)
	}))

	reply := r.Dispatch(context.Background(), chatMsg("!echo one two"))
	if reply == nil || reply.Text != "you said: one two" {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.ParentID != "msg-1" {
		t.Errorf("ParentID = %q, want threaded to msg-1", reply.ParentID)
	}
}

func TestDispatchNonCommands(t *testing.T) {
	r := NewRouter("!")
	r.Register("ping", Static("pong"))

	for _, text := range []string{"", "   ", "just chatting", "ping without prefix"} {
		if reply := r.Dispatch(context.Background(), chatMsg(text)); reply != nil {
			t.Errorf("Dispatch(%q) = %+v, want nil", text, reply)
		}
	}
	if reply := r.Dispatch(context.Background(), nil); reply != nil {
		t.Errorf("Dispatch(nil) = %+v, want nil", reply)
	}
}

func TestDispatchHandlerMayDecline(t *testing.T) {
	r := NewRouter("!")
	r.Register("maybe", Dynamic(func(context.Context, *eventsub.ChatMessage, string) *Reply {
		return nil
	}))
	if reply := r.Dispatch(context.Background(), chatMsg("!maybe")); reply != nil {
		t.Fatalf("reply = %+v, want nil when handler declines", reply)
	}
}

func TestDispatchFallback(t *testing.T) {
	var mu sync.Mutex
	var lookups []string
	r := NewRouter("!")
	r.Fallback = func(_ context.Context, name string) (string, error) {
		mu.Lock()
		lookups = append(lookups, name)
		mu.Unlock()
		if name == "stored" {
			return "from the durable table", nil
		}
		return "", db.ErrNoCommand
	}

	if reply := r.Dispatch(context.Background(), chatMsg("!stored")); reply == nil || reply.Text != "from the durable table" {
		t.Fatalf("reply = %+v, want fallback text", reply)
	}
	if reply := r.Dispatch(context.Background(), chatMsg("!nosuch")); reply != nil {
		t.Fatalf("reply = %+v, want nil for unknown everywhere", reply)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lookups) != 2 || lookups[0] != "stored" || lookups[1] != "nosuch" {
		t.Errorf("fallback lookups = %v", lookups)
	}
}

func TestDispatchFallbackErrorIsSilent(t *testing.T) {
	r := NewRouter("!")
	r.Fallback = func(context.Context, string) (string, error) {
		return "", errors.New("backend down")
	}
	if reply := r.Dispatch(context.Background(), chatMsg("!anything")); reply != nil {
		t.Fatalf("reply = %+v, want nil on fallback failure", reply)
	}
}

func TestRegisteredCommandShadowsFallback(t *testing.T) {
	r := NewRouter("!")
	r.Register("ping", Static("pong"))
	r.Fallback = func(context.Context, string) (string, error) {
		t.Error("fallback consulted for a registered command")
		return "", db.ErrNoCommand
	}
	if reply := r.Dispatch(context.Background(), chatMsg("!ping")); reply == nil || reply.Text != "pong" {
		t.Fatalf("reply = %+v", reply)
	}
}
