package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatvox/backend/prefs"
)

const commandTimeout = 5 * time.Second

type sayer interface {
	Say(channel, text string)
}

func (b *Bot) handleMessage(ctx context.Context, out sayer, msg twitch.PrivateMessage) {
	if b.prefs == nil || !strings.HasPrefix(msg.Message, "!") {
		return
	}
	reply, ok := b.runCommand(ctx, msg.Channel, msg.User.Name, msg.Message)
	if !ok {
		return
	}
	out.Say(msg.Channel, "@"+msg.User.DisplayName+" "+reply)
}

// runCommand applies a preference command and returns the reply text. ok is
// false for messages that are not preference commands.
func (b *Bot) runCommand(ctx context.Context, channel, viewer, text string) (reply string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	current, err := b.prefs.Get(ctx, channel, viewer)
	if err != nil && !errors.Is(err, prefs.ErrNotFound) {
		b.log.Error("load viewer prefs", slog.String("channel", channel), slog.Any("err", err))
		return "", false
	}
	next := prefs.Pref{Voice: current.Voice, Rate: current.Rate, Enabled: current.Enabled}

	switch cmd {
	case "!voice":
		if len(args) != 1 {
			return "usage: !voice <name>", true
		}
		next.Voice = &args[0]
		reply = "voice set to " + args[0]
	case "!rate":
		if len(args) != 1 {
			return "usage: !rate <0.25-4>", true
		}
		r, perr := strconv.ParseFloat(args[0], 64)
		if perr != nil {
			return "usage: !rate <0.25-4>", true
		}
		next.Rate = &r
		reply = fmt.Sprintf("rate set to %.2f", r)
	case "!tts":
		if len(args) != 1 {
			return "usage: !tts on|off|reset", true
		}
		switch strings.ToLower(args[0]) {
		case "on", "off":
			on := strings.EqualFold(args[0], "on")
			next.Enabled = &on
			reply = "tts " + strings.ToLower(args[0])
		case "reset":
			next = prefs.Pref{}
			reply = "preferences cleared"
		default:
			return "usage: !tts on|off|reset", true
		}
	default:
		return "", false
	}

	if err := b.prefs.Put(ctx, channel, viewer, next); err != nil {
		if errors.Is(err, prefs.ErrInvalid) {
			return strings.TrimPrefix(err.Error(), prefs.ErrInvalid.Error()+": "), true
		}
		b.log.Error("save viewer prefs", slog.String("channel", channel), slog.Any("err", err))
		return "could not save, try again later", true
	}
	return reply, true
}
