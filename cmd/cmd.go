package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nearby-safety-backend/internal/config"
	"nearby-safety-backend/internal/handlers"
	"nearby-safety-backend/internal/metrics"
	"nearby-safety-backend/internal/middleware"
	"nearby-safety-backend/internal/repository"
	"nearby-safety-backend/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configPath string
	tokenAdmin bool
	tokenTTL   time.Duration

	rootCmd = &cobra.Command{
		Use:   "nearby-safety",
		Short: "Proximity alerts, SOS coordination and nearby messages",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and realtime server",
		Run:   func(cmd *cobra.Command, args []string) { Run() },
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE:  runMigrate,
	}

	tokenCmd = &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue an access token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "issue an admin token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	db, err := repository.Connect(cmd.Context(), cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.Migrate(cmd.Context(), db); err != nil {
		return err
	}
	log.Info().Msg("Database schema is up to date")
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	token, err := services.NewAuthService(cfg.JWT.Secret).IssueToken(args[0], tokenAdmin, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func Run() {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Connect to database
	db, err := repository.Connect(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database schema")
	}

	// Optional redis: cross-instance relay and shared rate limit counters
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = services.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	locationRepo := repository.NewLocationRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	contactRepo := repository.NewContactRepository(db)
	incidentRepo := repository.NewIncidentRepository(db)
	checkInRepo := repository.NewCheckInRepository(db)
	messageRepo := repository.NewNearbyMessageRepository(db)
	relationRepo := repository.NewRelationshipRepository(db)

	// Initialize services
	m := metrics.New()
	clock := services.RealClock()
	authService := services.NewAuthService(cfg.JWT.Secret)
	userService := services.NewUserService(userRepo)

	hub := services.NewSessionHub(m)

	var relay services.Relay
	if redisClient != nil {
		redisRelay := services.NewRedisRelay(redisClient, cfg.Redis.Channel, hub)
		go redisRelay.Run(ctx)
		relay = redisRelay
	}

	var notifier services.OfflineNotifier
	if cfg.APNS.KeyFile != "" {
		apns, err := services.NewAPNSNotifier(cfg.APNS.KeyFile, cfg.APNS.KeyID, cfg.APNS.TeamID, cfg.APNS.Topic, cfg.APNS.Production)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create push notifier")
		}
		notifier = apns
	} else {
		log.Warn().Msg("APNS is not configured, offline contacts will not receive push")
	}

	var media *services.MediaService
	if cfg.AWS.S3Bucket != "" {
		media, err = services.NewMediaService(ctx, services.S3Options{
			Region:    cfg.AWS.Region,
			Bucket:    cfg.AWS.S3Bucket,
			AccessKey: cfg.AWS.AccessKey,
			SecretKey: cfg.AWS.SecretKey,
			Endpoint:  cfg.AWS.Endpoint,
		}, cfg.Nearby.MediaURLExpiry)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create media service")
		}
	}

	dispatcher := services.NewAlertDispatcher(hub, relay, notifier, userRepo, clock, m, services.DispatcherConfig{
		PushWorkers:   cfg.SOS.PushWorkers,
		PushQueueSize: cfg.SOS.PushQueueSize,
		PushRetries:   cfg.SOS.PushRetries,
		RetryBackoff:  500 * time.Millisecond,
	})
	dispatcher.Start()

	index := services.NewProximityIndex(cfg.Proximity.CellSizeDeg)
	locations := services.NewLocationStore(locationRepo, index, clock, cfg.Proximity.StaleAfter, m)
	if err := locations.Warm(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load shared locations")
	}

	settings := services.NewSettingsService(settingsRepo, cfg.Proximity.DefaultRadiusM, cfg.Proximity.MaxRadiusM, clock)
	contacts := services.NewTrustedContactRegistry(contactRepo, clock)
	limiter := services.NewAlertRateLimiter(
		cfg.Proximity.ImmediateCooldown,
		cfg.Proximity.PeriodicInterval,
		cfg.Proximity.OnceSessionTTL,
		settings.Frequency,
	)

	engine := services.NewProximityEngine(services.ProximityDeps{
		Index:      index,
		Locations:  locations,
		Settings:   settings,
		Contacts:   contacts,
		Relations:  relationRepo,
		Profiles:   userRepo,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Metrics:    m,
	}, cfg.Proximity.MaxRadiusM, cfg.Proximity.RecomputeWorkers)
	engine.Start(ctx)

	sos := services.NewSOSStateMachine(services.SOSDeps{
		Incidents:  incidentRepo,
		Contacts:   contacts,
		Locations:  locations,
		Profiles:   userRepo,
		Dispatcher: dispatcher,
		Clock:      clock,
		Metrics:    m,
	}, cfg.SOS.ArmingCountdown)
	if err := sos.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover open incidents")
	}

	watchdog := services.NewSafetyTimerWatchdog(checkInRepo, sos, dispatcher, clock, m,
		cfg.SafetyTimer.MinDuration, cfg.SafetyTimer.MaxDuration)
	if err := watchdog.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover safety timers")
	}

	nearby := services.NewNearbyBroadcastChannel(services.NearbyDeps{
		Repo:       messageRepo,
		Locations:  locations,
		Index:      index,
		Contacts:   contacts,
		Relations:  relationRepo,
		Profiles:   userRepo,
		Dispatcher: dispatcher,
		Media:      media,
		Clock:      clock,
		Metrics:    m,
	}, services.NearbyConfig{
		Retention:     cfg.Nearby.Retention,
		MaxRadiusM:    cfg.Nearby.MaxRadiusM,
		MaxTextLength: cfg.Nearby.MaxTextLength,
	})

	maintenance, err := services.NewMaintenance(locations, nearby)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule maintenance")
	}
	maintenance.Start()

	postLimiter, err := middleware.NewRateLimiter(cfg.Nearby.PostRate, "nearby_post", redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create rate limiter")
	}

	// Initialize handlers
	userHandler := handlers.NewUserHandler(userService)
	locationHandler := handlers.NewLocationHandler(locations, engine, settings, userRepo, cfg.Proximity.MaxRadiusM)
	sosHandler := handlers.NewSOSHandler(sos)
	timerHandler := handlers.NewSafetyTimerHandler(watchdog)
	nearbyHandler := handlers.NewNearbyHandler(nearby)
	contactHandler := handlers.NewContactHandler(contacts, engine)
	wsHandler := handlers.NewWebSocketHandler(hub, authService, sos, watchdog)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(authService))

		r.Route("/location", func(r chi.Router) {
			r.Post("/update", locationHandler.UpdateLocation)
			r.Get("/nearby-users", locationHandler.NearbyUsers)
			r.Get("/settings", locationHandler.GetSettings)
			r.Put("/settings", locationHandler.UpdateSettings)

			r.Post("/sos-activate", sosHandler.Activate)
			r.Post("/sos-cancel", sosHandler.Cancel)
			r.Post("/sos-resolve", sosHandler.Resolve)
			r.Get("/sos-status", sosHandler.Status)
			r.Get("/sos-history", sosHandler.History)

			r.Post("/safety-timer", timerHandler.Arm)
			r.Get("/safety-timer", timerHandler.Status)
			r.Delete("/safety-timer", timerHandler.Cancel)
			r.Post("/safety-timer/check-in", timerHandler.CheckIn)

			r.With(postLimiter.Middleware).Post("/nearby-message", nearbyHandler.Post)
			r.Post("/nearby-message/media", nearbyHandler.PresignMedia)
			r.Get("/nearby-messages", nearbyHandler.Recent)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/trusted-contacts", contactHandler.List)
			r.Post("/trusted-contacts", contactHandler.Add)
			r.Delete("/trusted-contacts/{id}", contactHandler.Remove)
			r.Put("/push-token", userHandler.UpdatePushToken)
		})
	})

	// WebSocket route
	r.Get("/ws", wsHandler.HandleWebSocket)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// timers stop before the dispatcher
	maintenance.Stop()
	watchdog.Stop()
	sos.Stop()
	engine.Stop()
	stop()
	dispatcher.Stop()
	hub.CloseAll()

	log.Info().Msg("Server exited")
}

// setupLogger configures zerolog logger. With a log file set, output goes to
// both the console and a rotated file.
func setupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.File != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}
	log.Logger = log.Output(out)

	switch cfg.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
