package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"
	"gorm.io/gorm"

	"lead-nurture-go/internal/classifier"
	"lead-nurture-go/internal/config"
	"lead-nurture-go/internal/db"
	"lead-nurture-go/internal/dispatcher"
	"lead-nurture-go/internal/events"
	"lead-nurture-go/internal/handler"
	"lead-nurture-go/internal/mail"
	"lead-nurture-go/internal/metrics"
	"lead-nurture-go/internal/orchestrator"
	"lead-nurture-go/internal/outreach"
	"lead-nurture-go/internal/policy"
	"lead-nurture-go/internal/prospect"
	"lead-nurture-go/internal/repository"
	"lead-nurture-go/internal/router"
	"lead-nurture-go/internal/runlock"
	"lead-nurture-go/internal/scheduler"
	"lead-nurture-go/internal/store"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Lead Nurture Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("Unknown log level %q, keeping info", cfg.Log.Level)
	}

	ctx := context.Background()

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	runLog := repository.New(dbConn)

	leadStore, err := newStore(ctx, cfg, dbConn)
	if err != nil {
		return err
	}

	mailer, err := newMailer(ctx, cfg)
	if err != nil {
		return err
	}

	own, err := mailer.OwnAddresses(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve own addresses: %w", err)
	}

	templates, err := outreach.LoadTemplates(cfg.Outreach.TemplatesFile)
	if err != nil {
		return fmt.Errorf("failed to load outreach templates: %w", err)
	}
	renderer, err := outreach.NewRenderer(templates, cfg.Outreach.Signature)
	if err != nil {
		return fmt.Errorf("failed to build outreach renderer: %w", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQP.URL != "" {
		publisher, err = events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return fmt.Errorf("failed to connect to AMQP broker: %w", err)
		}
		logrus.Infof("Publishing lead transitions to exchange %s", cfg.AMQP.Exchange)
	}

	var locker runlock.Locker = runlock.NewLocalLocker()
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		locker = runlock.NewRedisLocker(redisClient)
		logrus.Info("Using Redis run lock")
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	loc, err := cfg.Policy.Location()
	if err != nil {
		return fmt.Errorf("invalid policy timezone: %w", err)
	}
	engine := policy.Engine{
		MaxStep:        cfg.Policy.MaxStep,
		InactivityDays: cfg.Policy.InactivityDays,
		Location:       loc,
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:      leadStore,
		Mail:       mailer,
		Classifier: classifier.New(own),
		Engine:     engine,
		Dispatcher: dispatcher.New(leadStore, mailer, renderer, publisher),
		Locker:     locker,
		RunLog:     runLog,
		Metrics:    m,
	}, orchestrator.Options{
		LeadTimeout:    cfg.Run.LeadTimeout,
		MaxLeads:       cfg.Run.MaxLeads,
		LockTTL:        cfg.Run.LockTTL,
		DraftInitial:   cfg.Outreach.DraftInitial,
		StaleDraftDays: cfg.Policy.StaleDraftDays,
	})

	sched := scheduler.NewScheduler(&cfg.Scheduler, orch, loc)

	deps := handler.Deps{
		DB:        dbConn,
		Store:     leadStore,
		RunLog:    runLog,
		Scheduler: sched,
		Engine:    engine,
		Gatherer:  prometheus.DefaultGatherer,
	}
	if cfg.Places.APIKey != "" {
		deps.Prospector = prospect.NewProspector(
			prospect.NewPlacesClient(cfg.Places), leadStore, prospect.CriteriaFromConfig(cfg.Places), m)
		logrus.Info("Prospect search enabled")
	}

	h := handler.NewHandlers(deps)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(h),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Scheduler.AutoStart {
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	if err := mailer.Close(); err != nil {
		logrus.Errorf("Failed to close mailer: %v", err)
	}
	if err := publisher.Close(); err != nil {
		logrus.Errorf("Failed to close event publisher: %v", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logrus.Errorf("Failed to close Redis client: %v", err)
		}
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

// newStore opens the configured lead store backend
func newStore(ctx context.Context, cfg *config.Config, dbConn *gorm.DB) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sheets":
		ts := mail.TokenSource(ctx, &cfg.Gmail, sheets.SpreadsheetsScope)
		svc, err := sheets.NewService(ctx, option.WithTokenSource(ts))
		if err != nil {
			return nil, fmt.Errorf("failed to create Sheets service: %w", err)
		}
		logrus.Infof("Using spreadsheet %s as the lead store", cfg.Sheets.SpreadsheetID)
		return store.NewSheetStore(svc, cfg.Sheets), nil
	case "memory":
		logrus.Warn("Using the in-memory lead store; leads are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		logrus.Info("Using the database lead store")
		return store.NewGormStore(dbConn), nil
	}
}

// newMailer opens the Gmail API or IMAP mailbox
func newMailer(ctx context.Context, cfg *config.Config) (mail.Mailer, error) {
	if cfg.Gmail.UseIMAP {
		m, err := mail.NewIMAPMailer(&cfg.IMAP)
		if err != nil {
			return nil, fmt.Errorf("failed to create IMAP mailer: %w", err)
		}
		logrus.Info("Using IMAP for the mailbox")
		return m, nil
	}
	m, err := mail.NewGmailMailer(ctx, &cfg.Gmail)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail API mailer: %w", err)
	}
	logrus.Info("Using Gmail API for the mailbox")
	return m, nil
}
