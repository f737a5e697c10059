// main package for the tutor speech service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/auth"
	"github.com/book-expert/tutor-tts-service/internal/cache"
	"github.com/book-expert/tutor-tts-service/internal/config"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/httpapi"
	"github.com/book-expert/tutor-tts-service/internal/metrics"
	"github.com/book-expert/tutor-tts-service/internal/objectstore"
	"github.com/book-expert/tutor-tts-service/internal/plan"
	"github.com/book-expert/tutor-tts-service/internal/router"
	"github.com/book-expert/tutor-tts-service/internal/school"
	"github.com/book-expert/tutor-tts-service/internal/store"
	"github.com/book-expert/tutor-tts-service/internal/tts/audio"
	"github.com/book-expert/tutor-tts-service/internal/tts/fallback"
	"github.com/book-expert/tutor-tts-service/internal/tts/premium"
	"github.com/book-expert/tutor-tts-service/internal/worker"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout       = 15 * time.Second
	limiterSweepInterval  = 5 * time.Minute
	natsReconnectWaitTime = 2 * time.Second
)

// deviceVoices are the voices a client device is assumed to have when the
// service picks fallback parameters on its behalf.
var deviceVoices = []fallback.DeviceVoice{
	{ID: "en-US", Name: "English (US)", Language: "en-US"},
	{ID: "en-GB", Name: "English (UK)", Language: "en-GB"},
	{ID: "ar", Name: "Arabic", Language: "ar"},
}

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "tts-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	bootstrapLog, err := logger.New(os.TempDir(), "tts-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		bootstrapLog.Error("Invalid configuration: %v", err)

		return fmt.Errorf("invalid configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	log, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	subscriptions, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	defer closeStore()

	collectors, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	premiumBackend, err := newPremium(cfg, collectors, log)
	if err != nil {
		return err
	}

	fallbackBackend := fallback.NewBackend(fallback.NewStaticDevice(deviceVoices), log, fallback.Options{
		Preferences: cfg.Fallback.Preferences,
		KeepAlive:   cfg.Fallback.KeepAlive(),
		Now:         nil,
	})

	resolver := plan.NewResolver(subscriptions, log, nil)
	registry := router.NewRegistry(func(studentID, clientID string) *router.Router {
		return router.New(router.Config{
			StudentID:      studentID,
			ClientID:       clientID,
			Premium:        premiumBackend,
			Fallback:       fallbackBackend,
			Ledger:         subscriptions,
			Resolver:       resolver,
			Player:         nil,
			Observer:       collectors,
			Log:            log,
			PremiumTimeout: cfg.Premium.Timeout(),
			ResolveTimeout: 0,
			Now:            nil,
		})
	}, cfg.Playback.SessionIdle(), nil, router.WithClientLimit(cfg.Playback.ClientsPerStudent))

	service := school.NewService(subscriptions, log, school.Options{
		Term:        cfg.Quota.Term(),
		ProLimit:    cfg.Quota.ProLimit,
		BasicLimit:  cfg.Quota.BasicLimit,
		Invalidator: registry,
		Now:         nil,
	})

	secret, err := cfg.Auth.Secret()
	if err != nil {
		return fmt.Errorf("failed to read auth secret: %w", err)
	}

	tokens, err := auth.NewManager(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create token manager: %w", err)
	}

	server := httpapi.New(httpapi.Options{
		Address:       cfg.HTTP.ListenAddress,
		Routers:       registry,
		School:        service,
		Tokens:        tokens,
		Metrics:       collectors.Handler(),
		Recorder:      collectors,
		Log:           log,
		RatePerSecond: cfg.HTTP.RatePerSecond,
		RateBurst:     cfg.HTTP.RateBurst,
		ReadTimeout:   time.Duration(cfg.HTTP.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:  time.Duration(cfg.HTTP.WriteTimeoutSeconds) * time.Second,
		Now:           nil,
	})

	var natsWorker *worker.NatsWorker

	if cfg.NATS.URL != "" {
		connected, closeNATS, natsErr := newWorker(cfg, registry, log)
		if natsErr != nil {
			return natsErr
		}

		defer closeNATS()

		natsWorker = connected
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.System("HTTP API listening on %s", cfg.HTTP.ListenAddress)

		return server.Start()
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		service.RunExpirySweep(groupCtx, cfg.Quota.ExpirySweep())

		return nil
	})

	group.Go(func() error {
		registry.Run(groupCtx, cfg.Playback.SessionSweep())

		return nil
	})

	group.Go(func() error {
		sweepLimiters(groupCtx, server)

		return nil
	})

	if natsWorker != nil {
		group.Go(func() error {
			log.System("Listening for speech requests on subject: %s", cfg.NATS.SpeechSubject)

			return natsWorker.Run(groupCtx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("service stopped: %w", err)
	}

	log.System("Tutor speech service stopped.")

	return nil
}

// openStore connects to Postgres when a DSN is configured and otherwise
// keeps subscriptions in memory.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (core.SubscriptionStore, func(), error) {
	if cfg.Postgres.DSN == "" {
		log.Warn("No postgres DSN configured, subscriptions are kept in memory.")

		return store.NewMemory(nil), func() {}, nil
	}

	applied, err := store.Migrate(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("Applied %d database migrations.", applied)

	pool, err := store.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return store.NewPostgres(pool, nil), pool.Close, nil
}

// newPremium returns nil when no vendor is configured; every utterance then
// uses the fallback.
func newPremium(cfg *config.Config, collectors *metrics.Metrics, log *logger.Logger) (core.SpeechBackend, error) {
	if !cfg.PremiumEnabled() {
		log.Warn("Premium speech is not configured, all speech uses the fallback.")

		return nil, nil
	}

	format, err := audio.ParseFormat(cfg.Premium.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid premium format: %w", err)
	}

	options := []premium.ClientOption{premium.WithAPIKey(cfg.Premium.APIKey())}
	if cfg.Premium.Provider != "" {
		options = append(options, premium.WithProvider(cfg.Premium.Provider))
	}

	vendor := premium.NewVendorClient(cfg.Premium.BaseURL, cfg.Premium.Timeout(), options...)

	audioCache := cache.New(cache.Options{
		Capacity:     cfg.Cache.Capacity,
		TTL:          cfg.Cache.TTL(),
		PrefixLength: cfg.Cache.PrefixLength,
		Now:          nil,
		Observer:     collectors,
	})

	return premium.NewBackend(vendor, premium.Options{
		Catalog:       nil,
		Cache:         audioCache,
		Format:        format,
		MaxInputChars: cfg.Premium.MaxInputChars,
		Observer:      collectors,
		Now:           nil,
	}), nil
}

func newWorker(cfg *config.Config, routers worker.RouterSource, log *logger.Logger) (*worker.NatsWorker, func(), error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL,
		nats.Name("tutor-tts-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWaitTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	archive, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket, cfg.NATS.AudioTTL())
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to open audio archive: %w", err)
	}

	natsWorker := worker.NewNatsWorker(
		natsConnection, cfg.NATS.SpeechSubject, cfg.NATS.QueueGroup, routers, archive, log,
	)

	closeConnection := func() {
		drainErr := natsConnection.Drain()
		if drainErr != nil {
			log.Warn("Failed to drain NATS connection: %v", drainErr)
		}
	}

	return natsWorker, closeConnection, nil
}

func sweepLimiters(ctx context.Context, server *httpapi.Server) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.SweepLimiters()
		}
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
