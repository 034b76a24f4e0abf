package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/kursadbilgin/rentpay/internal/alert"
	"github.com/kursadbilgin/rentpay/internal/auth"
	"github.com/kursadbilgin/rentpay/internal/config"
	"github.com/kursadbilgin/rentpay/internal/directory"
	"github.com/kursadbilgin/rentpay/internal/handler"
	"github.com/kursadbilgin/rentpay/internal/infra/postgresql"
	"github.com/kursadbilgin/rentpay/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/rentpay/internal/infra/redis"
	"github.com/kursadbilgin/rentpay/internal/observability"
	"github.com/kursadbilgin/rentpay/internal/provider"
	"github.com/kursadbilgin/rentpay/internal/provider/mpesa"
	"github.com/kursadbilgin/rentpay/internal/queue"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"github.com/kursadbilgin/rentpay/internal/service"
	"github.com/kursadbilgin/rentpay/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("rentpay api stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, logger)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()
	publisher := queue.NewRabbitMQPublisher(rabbit, observability.ServiceName)
	defer publisher.Close()
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)

	locker, err := infraredis.NewLocker(rdb)
	if err != nil {
		return fmt.Errorf("redis locker initialization failed: %w", err)
	}
	rateLimiter, err := infraredis.NewChannelRateLimiter(rdb, cfg.RateLimitPerSec, nil)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	identity, err := directory.NewClient(cfg.IdentityServiceURL, cfg.IdentityServiceAPIKey)
	if err != nil {
		return fmt.Errorf("identity directory initialization failed: %w", err)
	}
	dir := directory.NewCached(identity, rdb, cfg.DirectoryCacheTTL(), logger)

	gateway, err := mpesa.NewClient(mpesa.Config{
		Environment:    cfg.MpesaEnvironment,
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		ShortCode:      cfg.MpesaShortCode,
		Passkey:        cfg.MpesaPasskey,
		CallbackURL:    cfg.MpesaCallbackURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("mpesa client initialization failed: %w", err)
	}
	verifier, err := mpesa.NewVerifier(cfg.CallbackSecret)
	if err != nil {
		return fmt.Errorf("callback verifier initialization failed: %w", err)
	}

	senders, err := buildSenders(cfg)
	if err != nil {
		return err
	}

	authn, err := auth.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("authenticator initialization failed: %w", err)
	}

	paymentRepo := repository.NewGormPaymentRepo(db)
	notificationRepo := repository.NewGormNotificationRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)
	auditRepo := repository.NewGormAuditRepo(db)

	notifications, err := service.NewNotificationService(notificationRepo, publisher, dir, cfg.NotifyMaxRetries, logger)
	if err != nil {
		return err
	}
	notifications.SetEnabledChannels(senders.Channels()...)

	payments, err := service.NewPaymentService(paymentRepo, gateway, verifier, locker, notifications, cfg.PaymentPendingTimeout(), logger)
	if err != nil {
		return err
	}
	payments.SetMetrics(metrics)

	admin, err := service.NewAdminService(payments, dir, auditRepo, logger)
	if err != nil {
		return err
	}

	dispatcher, err := service.NewDispatcher(notificationRepo, attemptRepo, dir, senders, rateLimiter,
		alert.NewLogAlerter(logger, metrics), logger)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics)

	worker, err := service.NewDispatchWorker(notificationRepo, consumer, dispatcher, cfg.WorkerConcurrency, logger)
	if err != nil {
		return err
	}
	worker.SetMetrics(metrics)

	scanner, err := service.NewRetryScanner(notificationRepo, publisher, cfg.RetryScanInterval(), 0, logger)
	if err != nil {
		return err
	}

	reconciler, err := service.NewPaymentReconciler(paymentRepo, payments, cfg.ReconcileInterval(), cfg.PaymentPendingTimeout(), logger)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:      observability.ServiceName,
		ErrorHandler: transport.ErrorHandler(logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})
	app.Use(recover.New())
	app.Use(observability.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit, gateway)
	if err := handler.RegisterPaymentRoutes(app, payments, admin, authn.Middleware()); err != nil {
		return err
	}
	if err := handler.RegisterNotificationRoutes(app, notifications, attemptRepo, authn.Middleware()); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("rentpay api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down http server")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return scanner.Start(groupCtx) })
	g.Go(func() error { return reconciler.Start(groupCtx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("rentpay api stopped")
	return nil
}

// buildSenders enables sms unconditionally and the other channels only when
// configured.
func buildSenders(cfg *config.Config) (provider.Senders, error) {
	sms, err := provider.NewSMSSender(cfg.SMSAPIURL, cfg.SMSAPIKey, cfg.SMSSenderID)
	if err != nil {
		return nil, fmt.Errorf("sms sender initialization failed: %w", err)
	}
	enabled := []provider.Sender{sms}

	if cfg.WhatsAppEnabled() {
		wa, err := provider.NewWhatsAppSender(cfg.WhatsAppAPIURL, cfg.WhatsAppToken)
		if err != nil {
			return nil, fmt.Errorf("whatsapp sender initialization failed: %w", err)
		}
		enabled = append(enabled, wa)
	}

	if cfg.EmailEnabled() {
		email, err := provider.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err != nil {
			return nil, fmt.Errorf("email sender initialization failed: %w", err)
		}
		enabled = append(enabled, email)
	}

	return provider.NewSenders(enabled...), nil
}
