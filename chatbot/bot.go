// Package chatbot keeps the bot account present in the chat of every
// channel that activated it.
//
// The IRC password is the bot's own access token: TWITCH_BOT_TOKEN when set,
// otherwise the token manager's current token for the bot's channel record
// (the bot account authorizes like any other channel). The token is fetched
// again on every (re)connect so a refresh is picked up without a restart.
//
// Viewers can set their text-to-speech preferences from chat:
//
//	!voice <name>   pick a voice
//	!rate <n>       speaking rate, 0.25-4
//	!tts on|off     opt in or out
//	!tts reset      clear the stored preference
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/prefs"
	"github.com/onnwee/chatvox/backend/telemetry"
)

const reconnectDelay = 10 * time.Second

// TokenSource hands out the bot's access token.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, login string) (string, error)
}

// ircClient is the subset of *twitch.Client the bot drives.
type ircClient interface {
	Join(channels ...string)
	Depart(channel string)
	Connect() error
	Disconnect() error
	Say(channel, text string)
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
}

// Bot implements reconcile.Chat. Join and Depart are safe to call before Run
// and while disconnected; the joined set is replayed on every connect.
type Bot struct {
	login    string
	token    string
	tokens   TokenSource
	channels channels.Store
	prefs    prefs.Store

	newClient func(login, token string) ircClient

	mu     sync.Mutex
	client ircClient
	joined map[string]struct{}

	log *slog.Logger
}

// Config carries the bot's identity and collaborators. Token is optional
// when Tokens is set.
type Config struct {
	Login    string
	Token    string
	Tokens   TokenSource
	Channels channels.Store
	Prefs    prefs.Store
}

// New validates cfg and returns a Bot that is not yet connected.
func New(cfg Config) (*Bot, error) {
	if cfg.Login == "" {
		return nil, errors.New("chatbot: bot login is required")
	}
	if cfg.Token == "" && cfg.Tokens == nil {
		return nil, errors.New("chatbot: a token or a token source is required")
	}
	if cfg.Channels == nil {
		return nil, errors.New("chatbot: channel store is required")
	}
	return &Bot{
		login:    channels.NormalizeLogin(cfg.Login),
		token:    cfg.Token,
		tokens:   cfg.Tokens,
		channels: cfg.Channels,
		prefs:    cfg.Prefs,
		newClient: func(login, token string) ircClient {
			return twitch.NewClient(login, token)
		},
		joined: make(map[string]struct{}),
		log:    slog.Default().With(slog.String("component", "chatbot")),
	}, nil
}

// Join adds login to the joined set and joins it when connected.
func (b *Bot) Join(login string) {
	login = channels.NormalizeLogin(login)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.joined[login]; ok {
		return
	}
	b.joined[login] = struct{}{}
	telemetry.SetBotChannels(len(b.joined))
	if b.client != nil {
		b.client.Join(login)
	}
	b.log.Info("joined channel", slog.String("channel", login))
}

// Depart removes login from the joined set and leaves it when connected.
func (b *Bot) Depart(login string) {
	login = channels.NormalizeLogin(login)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.joined[login]; !ok {
		return
	}
	delete(b.joined, login)
	telemetry.SetBotChannels(len(b.joined))
	if b.client != nil {
		b.client.Depart(login)
	}
	b.log.Info("departed channel", slog.String("channel", login))
}

// Joined reports the channels currently in the joined set.
func (b *Bot) Joined() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.joined))
	for l := range b.joined {
		out = append(out, l)
	}
	return out
}

// Run loads the bot-enabled channels and holds the IRC connection until ctx
// is cancelled, reconnecting after failures.
func (b *Bot) Run(ctx context.Context) error {
	logins, err := b.channels.ListBotEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list bot channels: %w", err)
	}
	for _, l := range logins {
		b.Join(l)
	}
	for {
		if err := b.connectOnce(ctx); err != nil && ctx.Err() == nil {
			b.log.Warn("irc connection ended", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (b *Bot) connectOnce(ctx context.Context) error {
	token, err := b.password(ctx)
	if err != nil {
		return err
	}
	client := b.newClient(b.login, token)
	client.OnConnect(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for l := range b.joined {
			client.Join(l)
		}
		b.log.Info("irc connected", slog.Int("channels", len(b.joined)))
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		b.handleMessage(ctx, client, msg)
	})

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.client = nil
		b.mu.Unlock()
	}()

	// close the client when the context ends
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
		case <-done:
		}
	}()

	return client.Connect()
}

func (b *Bot) password(ctx context.Context) (string, error) {
	if b.token != "" {
		return "oauth:" + strings.TrimPrefix(b.token, "oauth:"), nil
	}
	tok, err := b.tokens.GetValidAccessToken(ctx, b.login)
	if err != nil {
		return "", fmt.Errorf("bot token: %w", err)
	}
	return "oauth:" + tok, nil
}
