package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	tgbot "github.com/go-telegram/bot"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/edgard/sitelog/internal/config"
	"github.com/edgard/sitelog/internal/consolidator"
	"github.com/edgard/sitelog/internal/database"
	"github.com/edgard/sitelog/internal/events"
	"github.com/edgard/sitelog/internal/extraction"
	"github.com/edgard/sitelog/internal/gemini"
	"github.com/edgard/sitelog/internal/ingest"
	"github.com/edgard/sitelog/internal/lock"
	"github.com/edgard/sitelog/internal/logger"
	"github.com/edgard/sitelog/internal/media"
	"github.com/edgard/sitelog/internal/metrics"
	"github.com/edgard/sitelog/internal/openai"
	"github.com/edgard/sitelog/internal/retention"
	"github.com/edgard/sitelog/internal/storage"
	"github.com/edgard/sitelog/internal/telegram"
	"github.com/edgard/sitelog/internal/whatsapp"
)

// components holds everything built from the configuration. close releases
// them in reverse order of creation.
type components struct {
	db           *sqlx.DB
	store        database.Store
	metrics      *metrics.Metrics
	ingester     *ingest.Service
	consolidator *consolidator.Consolidator
	sweeper      *retention.Sweeper
	tgBot        *tgbot.Bot

	closers []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// openStore opens the database and applies migrations.
func openStore(cfg *config.Config, log *slog.Logger) (*sqlx.DB, database.Store, error) {
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database %s: %w", cfg.Database.Path, err)
	}
	return db, database.NewStore(db, log), nil
}

func buildComponents(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *components, err error) {
	c := &components{metrics: metrics.New()}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	c.db, c.store, err = openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { database.CloseDB(c.db) })
	c.ingester = ingest.NewService(c.store, log, c.metrics)

	httpClient := &http.Client{Timeout: cfg.WhatsApp.DownloadTimeout}

	extractor, err := newExtractor(ctx, cfg, httpClient, log)
	if err != nil {
		return nil, err
	}

	minioClient, err := storage.NewClient(cfg.Storage)
	if err != nil {
		return nil, err
	}
	uploader := storage.NewUploader(minioClient, cfg.Storage, log)
	if err := uploader.EnsureBuckets(ctx); err != nil {
		return nil, err
	}

	gate, closeGate, err := lock.New(ctx, cfg.Lock, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize lock backend: %w", err)
	}
	c.closers = append(c.closers, closeGate)

	var publisher events.Publisher = events.Noop{}
	if cfg.Events.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, log)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, amqpPublisher.Close)
		publisher = amqpPublisher
	}

	router := media.NewRouter(whatsapp.NewClient(cfg.WhatsApp, httpClient, log))
	if cfg.Telegram.Enabled {
		c.tgBot, err = telegram.NewTelegramBot(cfg.Telegram.Token, log,
			tgbot.WithMiddlewares(logger.Middleware(log)),
			tgbot.WithDefaultHandler(telegram.IngestHandler(c.ingester, log)),
		)
		if err != nil {
			return nil, err
		}
		if err := telegram.RegisterHandlers(c.tgBot, log); err != nil {
			return nil, err
		}
		router.Handle(telegram.RefScheme,
			telegram.NewFileResolver(c.tgBot, cfg.Telegram.Token, httpClient, cfg.WhatsApp.MaxDownloadBytes))
	}

	clock := clockwork.NewRealClock()
	c.consolidator, err = consolidator.New(consolidator.Deps{
		Store:     c.store,
		Resolver:  router,
		Extractor: extractor,
		Uploader:  uploader,
		Gate:      gate,
		Events:    publisher,
		Metrics:   c.metrics,
		Logger:    log,
	}, consolidator.Options{
		Clock:             clock,
		Location:          cfg.Consolidation.Location(),
		QuietPeriod:       cfg.Consolidation.QuietPeriod,
		Concurrency:       cfg.Consolidation.Concurrency,
		ExtractionTimeout: cfg.Consolidation.ExtractionTimeout,
		MediaTimeout:      cfg.Consolidation.MediaTimeout,
		LockKey:           cfg.Lock.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consolidator: %w", err)
	}

	c.sweeper = retention.NewSweeper(c.store, uploader, clock, cfg.Retention.MaxAge, publisher, c.metrics, log)
	return c, nil
}

func newExtractor(ctx context.Context, cfg *config.Config, httpClient *http.Client, log *slog.Logger) (extraction.Extractor, error) {
	switch cfg.LLM.Provider {
	case "openai":
		client, err := openai.New(cfg.OpenAI, httpClient, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		return client, nil
	default:
		client, err := gemini.NewClient(ctx, cfg.Gemini, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
		}
		return client, nil
	}
}
