package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/api"
	"github.com/naperu/wagateway/internal/events"
	"github.com/naperu/wagateway/internal/service"
	"github.com/naperu/wagateway/internal/storage"
	"github.com/naperu/wagateway/internal/webhook"
	"github.com/naperu/wagateway/internal/whatsapp"
	"github.com/naperu/wagateway/internal/ws"
	"github.com/naperu/wagateway/pkg/cache"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// noopNotifier stands in for the webhook queue in one-shot commands.
type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, uuid.UUID, string, interface{}) {}
func (noopNotifier) Unsubscribe(uuid.UUID)                                 {}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()
	cfg, log := c.cfg, c.log

	// MinIO is optional: without it inbound media keeps its placeholder only.
	var store *storage.Storage
	if cfg.MinioEndpoint != "" {
		store, err = storage.New(ctx, storage.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Warn("storage disabled", zap.String("endpoint", cfg.MinioEndpoint), zap.Error(err))
			store = nil
		} else {
			log.Info("minio storage initialized", zap.String("endpoint", cfg.MinioEndpoint))
		}
	}

	var redisCache *cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err = cache.New(cfg.RedisURL)
		if err != nil {
			log.Warn("redis cache disabled", zap.Error(err))
			redisCache = nil
		} else {
			defer redisCache.Close()
			log.Info("redis cache initialized")
		}
	}

	bus := events.NewBus(log.Named("events"))

	hub := ws.NewHub(log.Named("ws"))
	go hub.Run(ctx)
	unfollow := hub.Follow(bus)
	defer unfollow()

	phones, err := whatsapp.LoadPhonePlan(cfg.PhoneRegionsFile, whatsapp.PhoneRule{
		Region:         cfg.PhoneRegion,
		CountryCode:    cfg.PhoneCountryCode,
		MobilePrefix:   cfg.PhoneMobilePrefix,
		NationalLength: cfg.PhoneNationalLength,
	})
	if err != nil {
		return fmt.Errorf("failed to load phone plan: %w", err)
	}

	factory, err := whatsapp.NewWhatsmeowFactory(ctx, c.whatsmeowConfig(), log.Named("whatsmeow"))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer factory.Close()

	hooks := webhook.New(c.repos.Tenant, webhook.Options{
		Timeout:     cfg.WebhookTimeout,
		Pause:       cfg.WebhookPause,
		Tick:        cfg.WebhookTick,
		MaxAttempts: cfg.WebhookMaxAttempts,
	}, log.Named("webhook"))
	go hooks.Run(ctx)

	// A nil *storage.Storage must not end up inside a non-nil interface.
	var mediaStore whatsapp.MediaStore
	var objects whatsapp.ObjectReader
	if store != nil {
		mediaStore, objects = store, store
	}

	registry := whatsapp.NewRegistry()
	inbound := whatsapp.NewInboundProcessor(c.repos.Message, mediaStore, hooks, bus, log.Named("inbound"))
	manager := whatsapp.NewManager(whatsapp.ManagerOptions{
		Registry:      registry,
		Factory:       factory,
		Tenants:       c.repos.Tenant,
		Notifier:      hooks,
		Bus:           bus,
		Renderer:      whatsapp.NewPairingRenderer(cfg.SessionsDir),
		Inbound:       inbound,
		ProbeTimeout:  cfg.StatusProbeTimeout,
		ResumeWorkers: cfg.ResumeWorkers,
		Logger:        log.Named("sessions"),
	})
	dispatcher := whatsapp.NewDispatcher(whatsapp.DispatcherOptions{
		Registry: registry,
		Phones:   phones,
		Messages: c.repos.Message,
		Media:    whatsapp.NewURLFetcher(objects, 30*time.Second),
		Notifier: hooks,
		Bus:      bus,
		Logger:   log.Named("dispatcher"),
	})

	go func() {
		if err := manager.ResumeSessions(ctx); err != nil {
			log.Warn("failed to resume sessions", zap.Error(err))
		}
	}()

	sched := cron.New()
	maxAge := time.Duration(cfg.SessionCleanupDays) * 24 * time.Hour
	if _, err := sched.AddFunc(cfg.SessionCleanupSchedule, func() {
		if _, err := manager.CleanupStaleSessions(ctx, maxAge); err != nil {
			log.Warn("session cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.SessionCleanupSchedule, err)
	}
	sched.Start()
	defer sched.Stop()

	services := service.NewServices(c.repos, manager, dispatcher, hooks, store, redisCache, log)
	server := api.NewServer(cfg, services, hub, store, log.Named("api"))

	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		manager.Shutdown()
		if err := server.Shutdown(); err != nil {
			log.Warn("server shutdown error", zap.Error(err))
		}
	}()

	log.Info("server starting", zap.String("port", cfg.Port))
	if err := server.Listen(":" + cfg.Port); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	<-ctx.Done()
	return nil
}
