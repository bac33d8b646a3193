// campusbot - conversational authentication and session-state server
package main

import (
	"context"
	crand "crypto/rand"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/campusbot/internal/actions"
	"github.com/ashureev/campusbot/internal/api"
	"github.com/ashureev/campusbot/internal/challenge"
	"github.com/ashureev/campusbot/internal/classifier"
	"github.com/ashureev/campusbot/internal/config"
	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/engine"
	"github.com/ashureev/campusbot/internal/gateway"
	"github.com/ashureev/campusbot/internal/id"
	"github.com/ashureev/campusbot/internal/identity"
	"github.com/ashureev/campusbot/internal/logger"
	"github.com/ashureev/campusbot/internal/middleware"
	"github.com/ashureev/campusbot/internal/monitor"
	"github.com/ashureev/campusbot/internal/sanitizer"
	"github.com/ashureev/campusbot/internal/session"
	"github.com/ashureev/campusbot/internal/store"
	"github.com/ashureev/campusbot/internal/telemetry"
	"github.com/ashureev/campusbot/internal/token"
	"github.com/ashureev/campusbot/internal/transport"
	"github.com/ashureev/campusbot/web"
)

const (
	journalQueueSize = 1024
	requeueLimit     = 5000
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	tel, err := telemetry.Setup(context.Background(), cfg.OTel)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(os.Stdout, logger.Options{
		Production:      cfg.IsProduction(),
		Development:     cfg.IsDevelopment(),
		OTelServiceName: otelServiceName(cfg),
	})

	if err := id.Init(cfg.NodeID); err != nil {
		slog.Error("Failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Audit journal.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	if cfg.JournalRetention > 0 {
		purged, err := repo.PurgeJournal(context.Background(), time.Now().Add(-cfg.JournalRetention))
		if err != nil {
			slog.Error("Failed to purge journal", "error", err)
			os.Exit(1)
		}
		slog.Info("Journal retention applied", "rows_deleted", purged, "retention", cfg.JournalRetention)
	}

	journal := store.NewJournal(repo, journalQueueSize, log)

	// Academic backend.
	healthChecks := map[string]api.Pinger{"database": repo}
	var cache gateway.Cache
	if cfg.Backend.RedisURL != "" {
		rdb, err := gateway.DialRedis(context.Background(), cfg.Backend.RedisURL)
		if err != nil {
			slog.Warn("Redis unavailable, student lookups will not be cached", "error", err)
		} else {
			defer rdb.Close()
			redisCache, err := gateway.NewRedisCache(rdb, cfg.Backend.CacheTTL, []byte(cfg.Backend.CacheSecret))
			if err != nil {
				slog.Error("Failed to initialize student cache", "error", err)
				os.Exit(1)
			}
			if cfg.Backend.CacheSecret == "" {
				slog.Warn("STUDENT_CACHE_SECRET not set, cached entries are readable only by this process")
			}
			cache = redisCache
			healthChecks["redis"] = redisPinger(rdb)
			slog.Info("Student cache enabled", "ttl", cfg.Backend.CacheTTL)
		}
	}
	students := gateway.New(gateway.Config{
		BaseURL: cfg.Backend.URL,
		APIKey:  cfg.Backend.APIKey,
		Timeout: cfg.Backend.Timeout,
	}, cache, log)

	// Session state.
	gen := challenge.NewGenerator(challenge.Policy{
		FullProbability: cfg.Auth.FullProbability,
		MinFragment:     cfg.Auth.MinFragment,
		MaxFragment:     cfg.Auth.MaxFragment,
		TTL:             cfg.Auth.ChallengeTTL,
	}, newRand(), time.Now)
	machine := session.NewMachine(session.MachineConfig{
		RetryLimit:          cfg.Auth.RetryLimit,
		AllowedEmailDomains: cfg.Auth.AllowedEmailDomains,
		InactivityTimeout:   cfg.Auth.InactivityTimeout,
	}, gen, time.Now)
	sessions := session.NewStore(machine, time.Now)

	intents, closeClassifier := buildClassifier(cfg, log)
	defer closeClassifier()

	tokens, err := token.NewIssuer(cfg.Token.Secret, cfg.Token.TTL, time.Now)
	if err != nil {
		slog.Error("Failed to initialize token issuer", "error", err)
		os.Exit(1)
	}
	if cfg.Token.Secret == "" {
		slog.Warn("JWT_SECRET not set, using an ephemeral signing key")
	}

	var forwarder engine.ActionForwarder
	if cfg.Actions.URL != "" {
		forwarder = actions.NewForwarder(cfg.Actions.URL, cfg.Actions.Timeout, log)
	} else {
		slog.Info("ACTIONS_URL not set, protected intents will not be forwarded")
	}

	// Channels. The engine is built after the adapters it sends through, so
	// inbound messages reach it through a closure.
	var eng *engine.Engine
	sink := transport.SinkFunc(func(ev domain.InboundEvent) { eng.Submit(ev) })

	mux := transport.NewMux()
	webChat := transport.NewWebChat(sink, cfg.AllowedOrigins, cfg.IsDevelopment(), log)
	mux.Handle(identity.ConversationPrefix, webChat)

	var telegram *transport.Telegram
	if cfg.Telegram.BotToken != "" {
		telegram = transport.NewTelegram(transport.TelegramConfig{
			Token:         cfg.Telegram.BotToken,
			APIURL:        cfg.Telegram.APIURL,
			WebhookSecret: cfg.Telegram.WebhookSecret,
		}, sink, log)
		mux.Handle(transport.TelegramPrefix, telegram)
		slog.Info("Telegram transport enabled")
	}

	sani := sanitizer.New(sessions, mux, journal, sanitizer.Config{
		MaxAttempts: cfg.Sanitizer.MaxAttempts,
		Workers:     cfg.Sanitizer.Workers,
		Rate:        cfg.Sanitizer.Rate,
		QueueSize:   cfg.Sanitizer.QueueSize,
	}, log)
	requeueSanitizations(context.Background(), repo, sani)

	var location *time.Location
	if cfg.Timezone != "" {
		location, _ = time.LoadLocation(cfg.Timezone)
	}

	eng = engine.New(engine.Deps{
		Store:      sessions,
		Classifier: intents,
		Gateway:    students,
		Transport:  mux,
		Sanitizer:  sani,
		Tokens:     tokens,
		Actions:    forwarder,
		Journal:    journal,
		Logger:     log,
	}, engine.Config{
		InactivityTimeout: cfg.Auth.InactivityTimeout,
		InboundRate:       cfg.Auth.InboundRate,
		InboundBurst:      cfg.Auth.InboundBurst,
		Location:          location,
	})

	idle := monitor.New(sessions, eng, monitor.Config{
		Timeout:  cfg.Auth.InactivityTimeout,
		Interval: cfg.Auth.SweepInterval,
	}, eng.HandleTimeout, log)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	api.NewHealthHandler(healthChecks, map[string]api.Gauge{
		"active_conversations": eng.ActiveConversations,
	}, 5*time.Second).RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(middleware.ServiceKey(cfg.ServiceAPIKey))
		api.NewConversationHandler(eng, repo).RegisterRoutes(r)
	})
	if cfg.ServiceAPIKey == "" {
		slog.Warn("SERVICE_API_KEY not set, conversation API is unauthenticated")
	}

	if telegram != nil {
		r.Post("/telegram/webhook", telegram.ServeHTTP)
	}

	r.With(identity.Middleware(cfg.IsDevelopment())).Get("/ws/chat", webChat.ServeHTTP)

	r.Handle("/*", web.SPAHandler())

	// Websocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background workers outlive the signal so queued deletions finish after
	// the last inbound message is handled.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	workers, workCtx := errgroup.WithContext(workCtx)
	workers.Go(func() error { return idle.Run(workCtx) })
	workers.Go(func() error { return sani.Run(workCtx) })
	slog.Info("Background workers started",
		"inactivity_timeout", cfg.Auth.InactivityTimeout,
		"sweep_interval", cfg.Auth.SweepInterval,
		"sanitizer_workers", cfg.Sanitizer.Workers)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := eng.Wait(shutdownCtx); err != nil {
		slog.Warn("Conversations still in flight at shutdown", "error", err)
	}

	cancelWork()
	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Background worker failed", "error", err)
	}
	if err := journal.Close(); err != nil {
		slog.Warn("Journal did not drain", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Telemetry shutdown failed", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func otelServiceName(cfg *config.Config) string {
	if !cfg.OTel.Enabled() {
		return ""
	}
	return cfg.OTel.ServiceName
}

// newRand seeds a ChaCha8 source from the OS.
func newRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		slog.Error("Failed to seed challenge randomness", "error", err)
		os.Exit(1)
	}
	return rand.New(rand.NewChaCha8(seed))
}

// buildClassifier prefers the remote NLU service and falls back to keyword
// rules when it is unset, unreachable or unsure.
func buildClassifier(cfg *config.Config, log *slog.Logger) (classifier.Classifier, func()) {
	keywords := classifier.NewKeywords()
	if cfg.Classifier.Addr == "" {
		slog.Info("CLASSIFIER_ADDR not set, using keyword classifier")
		return keywords, func() {}
	}

	slog.Info("Connecting to intent classifier via gRPC", "address", cfg.Classifier.Addr)
	remote, err := classifier.DialGRPC(context.Background(), classifier.GRPCConfig{
		Address: cfg.Classifier.Addr,
	}, log)
	if err != nil {
		slog.Warn("Intent classifier unreachable, using keyword classifier", "error", err)
		return keywords, func() {}
	}
	return &classifier.Fallback{
		Primary:       remote,
		Secondary:     keywords,
		MinConfidence: cfg.Classifier.MinConfidence,
		Logger:        log,
	}, remote.Close
}

// requeueSanitizations schedules deletions left pending by a previous run.
func requeueSanitizations(ctx context.Context, repo store.Repository, sani *sanitizer.Sanitizer) {
	recs, err := repo.UnsettledSanitizations(ctx, requeueLimit)
	if err != nil {
		slog.Warn("Failed to load pending sanitizations", "error", err)
		return
	}
	byConversation := make(map[string][]string)
	for _, rec := range recs {
		byConversation[rec.ConversationID] = append(byConversation[rec.ConversationID], rec.MessageID)
	}
	for conversationID, ids := range byConversation {
		sani.Enqueue(conversationID, ids)
	}
	if len(recs) > 0 {
		slog.Info("Requeued pending sanitizations", "messages", len(recs), "conversations", len(byConversation))
	}
}

func redisPinger(rdb *redis.Client) api.PingFunc {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
