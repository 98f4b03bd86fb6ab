package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/omi/listen-server/internal/agentloop"
	"github.com/omi/listen-server/internal/agentproxy"
	"github.com/omi/listen-server/internal/cloudvm"
	"github.com/omi/listen-server/internal/config"
	"github.com/omi/listen-server/internal/database"
	"github.com/omi/listen-server/internal/encryption"
	"github.com/omi/listen-server/internal/events"
	"github.com/omi/listen-server/internal/handler"
	"github.com/omi/listen-server/internal/httputil"
	"github.com/omi/listen-server/internal/jobs"
	"github.com/omi/listen-server/internal/listen"
	"github.com/omi/listen-server/internal/middleware"
	"github.com/omi/listen-server/internal/observability"
	"github.com/omi/listen-server/internal/pusher"
	"github.com/omi/listen-server/internal/redis"
	"github.com/omi/listen-server/internal/repository"
	"github.com/omi/listen-server/internal/service"
	"github.com/omi/listen-server/internal/storage"
	"github.com/omi/listen-server/internal/stt"
	"github.com/omi/listen-server/internal/vad"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setLogLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}

	rootCtx := context.Background()

	db, err := database.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	firestoreProject := cfg.FirestoreProject
	if firestoreProject == "" {
		firestoreProject = firestore.DetectProjectID
	}
	fs, err := firestore.NewClient(rootCtx, firestoreProject)
	if err != nil {
		return fmt.Errorf("create firestore client: %w", err)
	}
	defer fs.Close()

	metrics := observability.NewMetrics()
	pusherStats := observability.NewPusherStats()
	cipher := encryption.New(cfg.EncryptionSecret)

	userRepo := repository.NewUserRepository(fs)
	tokenRepo := repository.NewTokenRepository(db.DB)
	convRepo := repository.NewConversationRepository(db.DB)
	chatRepo := repository.NewChatRepository(db.DB)
	itemRepo := repository.NewActionItemRepository(db.DB)

	broker := events.NewBroker(redisClient)
	defer broker.Close()

	convService := service.NewConversationService(db, convRepo, redisClient)
	memoryService := service.NewMemoryService(convService, service.LocalProcessor{}, broker)
	chatService := service.NewChatService(chatRepo, cipher)
	itemService := service.NewActionItemService(itemRepo)
	usageService := service.NewUsageService(redisClient, cfg.MonthlyTranscriptionSeconds)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	deps := listen.Deps{
		Conversations: convService,
		Memories:      memoryService,
		Usage:         usageService,
		Events:        broker,
		Providers: stt.NewProviders(cfg.STTServiceOrder, stt.Keys{
			Deepgram:     cfg.DeepgramAPIKey,
			Soniox:       cfg.SonioxAPIKey,
			Speechmatics: cfg.SpeechmaticsAPIKey,
		}),
		VADConfig: listen.VADConfig{
			Mode:       cfg.VADGateMode,
			RolloutPct: cfg.VADGateRolloutPct,
			PreRollMs:  cfg.VADGatePreRollMs,
			HangoverMs: cfg.VADGateHangoverMs,
		},
		Cipher:      cipher,
		Metrics:     metrics,
		PusherStats: pusherStats,
		Timings:     listen.DefaultTimings(cfg.MemoryCreationTimeout()),
	}
	if cfg.VADGateMode != config.VADModeOff {
		deps.VAD = vad.NewEngine(vad.NewEnergyModel(), cfg.VADSpeechThreshold)
	}
	if cfg.PrivateCloudBucket != "" {
		store, err := storage.NewS3(rootCtx, cfg.PrivateCloudBucket, cfg.AWSRegion, config.AudioChunkDuration)
		if err != nil {
			return err
		}
		deps.Store = store
	}
	if cfg.PusherEnabled() {
		deps.Pusher = func(uid string, sampleRate int) pusher.DialFunc {
			return pusher.WebsocketDialer(cfg.HostedPusherAPIURL, uid, sampleRate)
		}
	}

	var vms agentproxy.VMController
	if cfg.GCEProject != "" {
		vmClient, err := cloudvm.New(rootCtx, cfg.GCEProject, cloudvm.DefaultTimings())
		if err != nil {
			return err
		}
		vms = vmClient
	} else {
		log.Warn().Msg("GCE_PROJECT is empty: agent VMs cannot be started")
	}
	bridge := agentproxy.NewBridge(userRepo, vms, chatService, metrics, agentproxy.DefaultOptions(cfg.AgentVMPort))

	var loop *agentloop.Loop
	if cfg.OpenAIAPIKey != "" {
		loop = agentloop.New(
			openai.NewClient(cfg.OpenAIAPIKey),
			cfg.AgentModel,
			agentloop.DefaultTools(convService, itemService),
			metrics,
		)
	}

	authMiddleware := middleware.NewAuthMiddleware(tokenRepo)
	listenLimit := middleware.NewConnectRateLimitMiddleware(rateLimiter, "listen", cfg.ListenConnectsPerMin, metrics)
	agentLimit := middleware.NewIPRateLimitMiddleware(rateLimiter, config.AgentConnectsPerIPPerMin, time.Minute, "agent", metrics)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	listenHandler := handler.NewListenHandler(userRepo, deps)
	agentHandler := handler.NewAgentHandler(authMiddleware, userRepo, bridge, chatService, loop)
	eventsHandler := handler.NewEventsHandler(broker)
	itemsHandler := handler.NewActionItemHandler(itemService)
	debugHandler := handler.NewDebugHandler(pusherStats)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler(db, redisClient))
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	// Long-lived streams: no request timeout.
	r.Group(func(r chi.Router) {
		r.With(agentLimit.Handler).Get("/v1/agent/ws", agentHandler.Socket)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handler)
			r.Get("/v1/events", eventsHandler.ServeHTTP)
			r.With(listenLimit.Handler).Get("/v1/listen", listenHandler.Single)
			r.With(listenLimit.Handler).Get("/v1/listen/multi", listenHandler.Multi)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)

		r.Get("/v1/debug/pusher", debugHandler.Pusher)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handler)
			r.Mount("/v1/agent", agentHandler.Routes())
			r.Mount("/v1/action-items", itemsHandler.Routes())
		})
	})

	sweeper := jobs.NewStaleSweeper(convService, cfg.MemoryCreationTimeout(), config.StaleConversationSweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
	return nil
}

func healthHandler(db *database.DB, rc *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		checks := map[string]string{"database": "ok", "redis": "ok"}
		if err := db.Ping(r.Context()); err != nil {
			log.Warn().Err(err).Msg("health: database unreachable")
			checks["database"] = "unreachable"
			status, code = "degraded", http.StatusServiceUnavailable
		}
		if err := rc.Ping(r.Context()).Err(); err != nil {
			log.Warn().Err(err).Msg("health: redis unreachable")
			checks["redis"] = "unreachable"
			status, code = "degraded", http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, map[string]any{
			"status":    status,
			"checks":    checks,
			"timestamp": time.Now().UnixMilli(),
		})
	}
}
