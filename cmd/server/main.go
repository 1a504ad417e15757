// OTP Registrar - device registration orchestrator server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	"github.com/ashureev/otp-registrar/internal/api"
	"github.com/ashureev/otp-registrar/internal/cache"
	"github.com/ashureev/otp-registrar/internal/config"
	"github.com/ashureev/otp-registrar/internal/device"
	"github.com/ashureev/otp-registrar/internal/events"
	"github.com/ashureev/otp-registrar/internal/health"
	"github.com/ashureev/otp-registrar/internal/metrics"
	"github.com/ashureev/otp-registrar/internal/middleware"
	"github.com/ashureev/otp-registrar/internal/otp"
	"github.com/ashureev/otp-registrar/internal/phonestore"
	"github.com/ashureev/otp-registrar/internal/registration"
	"github.com/ashureev/otp-registrar/internal/store"
)

const healthInterval = 30 * time.Second

func main() {
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Warn("Unknown LOG_LEVEL, using info", "log_level", cfg.LogLevel)
	}

	slog.Info("Starting server", "port", cfg.Port, "grpc_addr", cfg.GRPCAddr, "store", cfg.Store.Driver, "serial", cfg.Device.Serial)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "driver", cfg.Store.Driver)

	kv, err := openKV(cfg.Cache)
	if err != nil {
		slog.Error("Failed to initialize session cache", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close session cache", "error", closeErr)
		}
	}()

	m := metrics.New()

	// Status events fan out to the cache mirror, Kafka and metrics.
	bus := events.NewBus()
	mirror := cache.NewSessionMirror(kv, repo, cfg.Cache.SessionTTL)
	bus.Subscribe(mirror.Handle)
	bus.Subscribe(m.ObserveEvent)
	sink := events.NewKafkaSink(cfg.KafkaBrokerList(), cfg.Events.KafkaTopic)
	if sink != nil {
		bus.Subscribe(sink.Handle)
		slog.Info("Kafka status sink enabled", "topic", cfg.Events.KafkaTopic)
	}

	adb := device.NewADBChecker(cfg.Device.ADBPath)
	var checker device.Checker = adb
	if cfg.Device.Container != "" {
		cc, err := device.NewContainerChecker(cfg.Device.Container, adb)
		if err != nil {
			slog.Error("Failed to initialize container checker", "error", err)
			os.Exit(1)
		}
		checker = cc
	}

	var poller registration.CodeSource
	if cfg.OTP.APIKey != "" {
		p := otp.NewPoller(
			otp.NewSMSActivateClient(cfg.OTP.BaseURL, cfg.OTP.APIKey, cfg.OTP.RequestTimeout),
			otp.PollerConfig{
				Initial:       cfg.OTP.PollInitial,
				Step:          cfg.OTP.PollStep,
				Max:           cfg.OTP.PollMax,
				MaxWait:       cfg.OTP.MaxWait,
				NotifyTimeout: cfg.OTP.NotifyTimeout,
			})
		p.OnOutcome(m.ObserveOTP)
		poller = p
		slog.Info("SMS activation provider enabled")
	} else {
		slog.Info("SMS activation provider disabled (SMS_ACTIVATE_API_KEY not set)")
	}

	phones := phonestore.New(repo)
	orch := registration.New(registration.Options{
		Serial:   cfg.Device.Serial,
		App:      device.App{Package: cfg.Device.AppPackage, Activity: cfg.Device.AppActivity},
		Timeouts: cfg.Timeout,
		Retry: registration.RetryPolicy{
			Attempts: cfg.Retry.StepAttempts,
			Delay:    cfg.Retry.StepDelay,
			Doubling: cfg.Retry.StepDoubling,
		},
		ProfileNames: cfg.ProfileNames,
		MaxActive:    1,
	}, registration.Deps{
		Driver:   device.NewAppiumDriver(cfg.Device.AppiumURL, nil),
		Checker:  checker,
		Phones:   phones,
		Sessions: repo,
		Events:   bus,
		Metrics:  m,
		Poller:   poller,
	})

	// Health probes back both the gRPC health service and GET /health.
	hc := health.New(0)
	hc.Add("store", repo.Ping)
	hc.Add("cache", kv.Ping)
	hc.Add("device", func(ctx context.Context) error { return adb.Check(ctx, cfg.Device.Serial) })

	// Initialize handlers.
	baseHandler := api.NewHandler(ctx, orch, phones, mirror)
	healthHandler := api.NewHealthHandler(hc)
	statusStream := api.NewStatusStream(bus)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	baseHandler.RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())

	// WebSocket endpoint.
	r.Get("/ws/status", statusStream.ServeHTTP)

	// Create server.
	// Note: the status stream holds connections open (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	grpcServer := grpc.NewServer()
	hc.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}

	// Start background workers.
	registration.StartSweeper(ctx, orch, cfg.Sweeper.Interval, cfg.Sweeper.SessionTTL, cfg.Sweeper.Retention)
	go hc.Run(ctx, healthInterval)

	go func() {
		slog.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	grpcServer.GracefulStop()

	// Runs were cancelled with ctx; wait for their teardown.
	drained := make(chan struct{})
	go func() {
		baseHandler.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		slog.Warn("Registration runs still tearing down at shutdown deadline")
	}

	bus.Close()
	if err := sink.Close(); err != nil {
		slog.Error("Failed to close Kafka sink", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Repository, error) {
	if cfg.Driver == "postgres" {
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	}
	return store.NewSQLite(cfg.DBPath)
}

// openKV returns the Redis-backed cache, or an in-process one when REDIS_URL
// is unset.
func openKV(cfg config.CacheConfig) (cache.KV, error) {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, using in-memory session cache")
		return cache.NewMemory(), nil
	}
	kv, err := cache.NewRedis(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	slog.Info("Redis session cache enabled")
	return kv, nil
}
