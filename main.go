// Command backend is the entrypoint for the chat add-on API and chat bot.
// It:
//   - Loads and validates configuration and initializes structured logging.
//   - Opens the configured channel, secret, preference and OAuth state stores
//     (running Postgres migrations when Postgres is in use).
//   - Wires the token manager and the resource reconciler.
//   - Starts the IRC bot (IRC_ENABLED=1) and the HTTP server.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/onnwee/chatvox/backend/channels"
	"github.com/onnwee/chatvox/backend/chatbot"
	"github.com/onnwee/chatvox/backend/config"
	"github.com/onnwee/chatvox/backend/crypto"
	"github.com/onnwee/chatvox/backend/db"
	"github.com/onnwee/chatvox/backend/prefs"
	"github.com/onnwee/chatvox/backend/reconcile"
	"github.com/onnwee/chatvox/backend/secrets"
	"github.com/onnwee/chatvox/backend/server"
	"github.com/onnwee/chatvox/backend/telemetry"
	"github.com/onnwee/chatvox/backend/tokens"
	"github.com/onnwee/chatvox/backend/twitchapi"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateOAuthReady(); err != nil {
		slog.Warn("oauth not configured; onboarding and refresh will fail", slog.Any("err", err))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    "chatvox-backend",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	if err := run(ctx, cfg); err != nil {
		slog.Error("backend exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}

func setupLogging(cfg *config.Config) {
	// Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	unknown := false
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", cfg.LogLevel))
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("version", version))
}

// backends are the opened stores plus their readiness checks and closers.
type backends struct {
	channels channels.Store
	secrets  secrets.Store
	prefs    prefs.Store
	states   server.StateStore
	checks   []server.Check
	closers  []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	var (
		pg      *sql.DB
		mongoDB *mongo.Database
	)
	if cfg.ChannelStore == config.BackendPostgres || cfg.SecretStore == config.BackendPostgres {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return b, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		})
		b.checks = append(b.checks, server.Check{Name: "postgres", Fn: database.PingContext})
		if err := migrate(ctx, database); err != nil {
			return b, err
		}
		pg = database
	}
	if cfg.ChannelStore == config.BackendMongo {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return b, fmt.Errorf("connect mongo: %w", err)
		}
		b.closers = append(b.closers, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		})
		b.checks = append(b.checks, server.Check{Name: "mongo", Fn: func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		}})
		mongoDB = client.Database(cfg.MongoDatabase)
	}

	switch cfg.ChannelStore {
	case config.BackendPostgres:
		b.channels = channels.NewPostgresStore(pg)
		b.prefs = prefs.NewPostgresStore(pg)
	case config.BackendMongo:
		b.channels = channels.NewMongoStore(mongoDB)
		b.prefs = prefs.NewMongoStore(mongoDB)
	default:
		slog.Warn("using in-memory channel store; records are lost on restart")
		b.channels = channels.NewMemoryStore()
		b.prefs = prefs.NewMemoryStore()
	}

	switch cfg.SecretStore {
	case config.BackendPostgres:
		sealer, err := crypto.NewAESSealer(cfg.EncryptionKey)
		if err != nil {
			return b, fmt.Errorf("encryption key: %w", err)
		}
		store, err := secrets.NewPostgresStore(pg, sealer)
		if err != nil {
			return b, err
		}
		b.secrets = store
	case config.BackendGCP:
		store, err := secrets.NewGoogleStore(ctx, cfg.GCPProject)
		if err != nil {
			return b, fmt.Errorf("secret manager: %w", err)
		}
		b.secrets = store
	default:
		slog.Warn("using in-memory secret store; tokens are lost on restart")
		b.secrets = secrets.NewMemoryStore()
	}

	switch cfg.StateStore {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.checks = append(b.checks, server.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		b.states = server.NewRedisStateStore(client)
	default:
		b.states = server.NewMemoryStateStore()
	}
	return b, nil
}

// migrate runs the versioned migrations and falls back to the embedded SQL
// for databases that predate schema_migrations.
func migrate(ctx context.Context, database *sql.DB) error {
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("migrate db: %w", err)
		}
	}
	return nil
}

// app is the wired HTTP handler plus the bot, when IRC is enabled.
type app struct {
	handler http.Handler
	bot     *chatbot.Bot
}

// wire builds the Twitch clients, token manager, reconciler and HTTP
// handlers on top of opened backends.
func wire(ctx context.Context, cfg *config.Config, be *backends) (*app, error) {
	httpClient := &http.Client{Timeout: twitchapi.DefaultTimeout}
	provider := &twitchapi.Client{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		HTTPClient:   httpClient,
		IDBaseURL:    cfg.TwitchIDBaseURL,
	}
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.AppTokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			HTTPClient:   httpClient,
			IDBaseURL:    cfg.TwitchIDBaseURL,
		},
		ClientID:   cfg.TwitchClientID,
		HTTPClient: httpClient,
		BaseURL:    cfg.HelixBaseURL,
	}

	manager, err := tokens.NewManager(be.channels, be.secrets, provider)
	if err != nil {
		return nil, err
	}

	var chat reconcile.Chat
	var bot *chatbot.Bot
	if cfg.IRCEnabled {
		bot, err = chatbot.New(chatbot.Config{
			Login:    cfg.TwitchBotLogin,
			Token:    cfg.TwitchBotToken,
			Tokens:   manager,
			Channels: be.channels,
			Prefs:    be.prefs,
		})
		if err != nil {
			return nil, err
		}
		chat = bot
	}

	rec, err := reconcile.New(reconcile.Deps{
		Tokens:     manager,
		Channels:   be.channels,
		Secrets:    be.secrets,
		Rewards:    helix,
		Moderators: helix,
		Chat:       chat,
		BotLogin:   cfg.TwitchBotLogin,
	})
	if err != nil {
		return nil, err
	}

	handlers, err := server.NewHandlers(server.Deps{
		Config:    cfg,
		Auth:      provider,
		Tokens:    manager,
		Resources: rec,
		Channels:  be.channels,
		Prefs:     be.prefs,
		States:    be.states,
		Checks:    be.checks,
	})
	if err != nil {
		return nil, err
	}
	return &app{handler: server.NewMux(ctx, handlers), bot: bot}, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	be, err := openBackends(ctx, cfg)
	defer be.close()
	if err != nil {
		return err
	}
	a, err := wire(ctx, cfg, be)
	if err != nil {
		return err
	}

	if a.bot != nil {
		go func() {
			if err := a.bot.Run(ctx); err != nil {
				slog.Error("chat bot exited", slog.Any("err", err))
			}
		}()
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
	return server.Start(ctx, a.handler, cfg.HTTPAddr)
}
