package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ninaivalaigal/api/internal/app"
	"ninaivalaigal/api/internal/archive"
	"ninaivalaigal/api/internal/config"
	"ninaivalaigal/api/internal/email"
	"ninaivalaigal/api/internal/metrics"
	"ninaivalaigal/api/internal/ratelimit"
	"ninaivalaigal/api/internal/redact"
	"ninaivalaigal/api/internal/search"
	"ninaivalaigal/api/internal/session"
	"ninaivalaigal/api/internal/store"
	"ninaivalaigal/api/internal/tagger"
)

type deps struct {
	db      *sql.DB
	store   *store.PostgresStore
	service *app.Service
	closers []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func loadRedactor(cfg config.Config) (*redact.Redactor, error) {
	redactor, err := redact.LoadFile(cfg.RedactionRulesFile)
	if err != nil {
		return nil, fmt.Errorf("load redaction rules: %w", err)
	}
	return redactor, nil
}

// wire connects to every configured backend. Optional backends that fail to
// connect are logged and left out. serving also enables metrics and rate
// limiting.
func wire(ctx context.Context, serving bool) (*deps, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	d := &deps{db: db, store: store.NewPostgresStore(db)}
	d.closers = append(d.closers, func() { _ = db.Close() })

	redactor, err := loadRedactor(cfg)
	if err != nil {
		d.close()
		return nil, err
	}
	opts := app.Options{Redactor: redactor, Logger: log}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err = session.NewRedisClient(ctx, cfg.RedisURL, 5*time.Second)
		if err != nil {
			log.Warn("redis unavailable, using postgres sessions and local rate limits", "error", err)
			redisClient = nil
		} else {
			redisStore := session.NewRedisStoreWithClient(redisClient)
			d.closers = append(d.closers, func() { _ = redisStore.Close() })
			opts.Sessions = redisStore
			opts.Redis = redisStore
			log.Info("using redis for refresh sessions and rate limits")
		}
	}

	if serving {
		proxies, err := ratelimit.ParseProxies(cfg.TrustedProxies)
		if err != nil {
			d.close()
			return nil, err
		}
		opts.Proxies = proxies
		m := metrics.New()
		opts.Metrics = m
		var limiterClient redis.Cmdable
		if redisClient != nil {
			limiterClient = redisClient
		}
		opts.Limiter = ratelimit.New(limiterClient, ratelimit.Config{
			Limit:      cfg.RateLimitPerMin,
			Timeout:    cfg.RedisTimeout,
			OnDecision: m.RecordRateLimit,
		})
	}

	pgfts := search.NewPgFTS(db)
	var primary search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		d.closers = append(d.closers, meili.Close)
		primary = meili
	}
	opts.Search = search.NewService(primary, pgfts, pgfts, log)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		opts.Mailer = mailer
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		opts.Tagger = tagger.NewOpenAI(tagger.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.TaggerTimeout,
		}, tagger.Heuristic{}, log)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		uploader, err := archive.NewMinioUploader(ctx, archive.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Warn("object storage unavailable, exports disabled", "error", err)
		} else {
			opts.Exporter = archive.NewExporter(d.store, uploader)
		}
	}

	d.service = app.New(cfg, d.store, opts)
	return d, nil
}
