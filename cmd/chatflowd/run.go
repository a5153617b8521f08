package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	chatflow "github.com/goliatone/go-chatflow"
	"github.com/goliatone/go-chatflow/adapters/gojob"
	"github.com/goliatone/go-chatflow/adapters/gologger"
	"github.com/goliatone/go-chatflow/adapters/prometheus"
	"github.com/goliatone/go-chatflow/adapters/redisbus"
	"github.com/goliatone/go-chatflow/config"
	"github.com/goliatone/go-chatflow/core"
	"github.com/goliatone/go-chatflow/gateway"
	"github.com/goliatone/go-chatflow/httpapi"
	"github.com/goliatone/go-chatflow/inbound"
	chatmigrations "github.com/goliatone/go-chatflow/migrations"
	"github.com/goliatone/go-chatflow/normalize"
	sqlstore "github.com/goliatone/go-chatflow/store/sql"
	"github.com/goliatone/go-chatflow/webhooks"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, process config.Process) error {
	logger, err := gologger.NewZapLogger(process.LogMode, process.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("chatflowd")

	cfg, err := config.Load(ctx, process.ConfigPath, process.Runtime())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := openPersistence(ctx, process)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	store, err := sqlstore.NewStoreFromPersistence(client, sqlstore.WithClaimLease(cfg.Publisher.ClaimLeaseDuration()))
	if err != nil {
		return err
	}
	if err := seedAssignees(ctx, store, process.SeedAssignees); err != nil {
		return err
	}

	var redisClient *goredis.Client
	if addr := strings.TrimSpace(process.RedisAddr); addr != "" {
		redisClient, err = redisbus.NewClient(ctx, addr)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
	}

	recorder := prometheus.NewRecorder("")
	outbound, err := gateway.New(cfg.Gateway)
	if err != nil {
		return err
	}

	hooks := chatflow.NewExtensionHooks()
	downstream := map[string]core.EventConsumer{
		"log": core.LoggingConsumer{Logger: logger.Named("consumer")},
	}
	if redisClient != nil {
		stream, err := redisbus.NewStreamConsumer(redisClient, redisbus.WithStream(process.RedisStream))
		if err != nil {
			return err
		}
		downstream["redis_stream"] = stream
	}
	if err := hooks.RegisterConsumerPack(chatflow.ConsumerPack{Name: "chatflowd", Consumers: downstream}); err != nil {
		return err
	}
	consumers := core.NewConsumerRegistry()
	if err := hooks.ApplyConsumerPacks(consumers); err != nil {
		return err
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithLoggerProvider(gologger.NewZapProvider(logger)),
		core.WithMetricsRecorder(recorder),
		core.WithConfigProvider(core.NewCfgxConfigProvider(config.YAMLLoader{Path: process.ConfigPath})),
		core.WithStore(store),
		core.WithNormalizer(normalize.New()),
		core.WithConsumerRegistry(consumers),
		core.WithOutboundGateway(outbound),
	}
	if ttl := cfg.Routing.RosterCacheDuration(); ttl > 0 {
		cache, err := sqlstore.NewAssigneeCache(ttl)
		if err != nil {
			return err
		}
		directory, err := sqlstore.NewCachedAssigneeDirectory(store.Stores().Assignees, cache)
		if err != nil {
			return err
		}
		opts = append(opts, core.WithAssigneeDirectory(directory))
	}
	opts = append(opts, webhooks.Options(webhooks.Templates(webhooks.Secrets{
		WhatsAppAppSecret: process.WhatsAppAppSecret,
		GreenAPIToken:     process.GreenAPIToken,
		GenericSecret:     process.GenericSecret,
	})...)...)

	svc, err := core.NewService(process.Runtime(), opts...)
	if err != nil {
		return err
	}
	cfg = svc.Config()

	facade, err := chatflow.NewFacade(svc)
	if err != nil {
		return err
	}
	dispatcher := inbound.NewDispatcher(svc,
		inbound.WithDefaultProvider(cfg.Ingest.DefaultProvider),
		inbound.WithMaxBodyBytes(cfg.Ingest.MaxBodyBytes),
	)
	server := &http.Server{
		Addr: process.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.RouterConfig{
			Dispatcher:    dispatcher,
			Conversations: facade,
			Metrics:       recorder.Handler(),
			Logger:        logger.Named("http"),
			VerifyToken:   process.WhatsAppVerifyToken,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	switch strings.ToLower(strings.TrimSpace(cfg.Publisher.Mode)) {
	case core.PublisherModeJob:
		if redisClient == nil {
			return fmt.Errorf("publisher mode %q requires CHATFLOW_REDIS_ADDR", cfg.Publisher.Mode)
		}
		jobQueue, err := redisbus.NewJobQueue(redisClient)
		if err != nil {
			return err
		}
		notifier := core.NewJobPublishNotifier(gojob.NewEnqueuerAdapter(jobQueue), logger.Named("publisher"))
		svc.SetPublishNotifier(notifier)
		dispatcherCfg := cfg.Publisher.DispatcherConfig()
		worker := gojob.NewPublisherWorker(
			gojob.NewDequeuerAdapter(jobQueue, gojob.RetryPolicy{
				MaxAttempts:     dispatcherCfg.MaxAttempts,
				MaxDelay:        dispatcherCfg.MaxBackoff,
				DeadLetterOnMax: true,
			}),
			core.NewPublisherJobHandler(svc, dispatcherCfg.BatchSize, dispatcherCfg.InitialBackoff),
			gojob.NewMetricsHook(recorder),
			logger.Named("publisher"),
		)
		group.Go(func() error { return worker.Run(groupCtx) })
		// retries scheduled by the dispatcher have no admission to wake them
		group.Go(func() error {
			ticker := time.NewTicker(cfg.Publisher.PollDuration())
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					notifier.Notify(groupCtx, "sweep")
				}
			}
		})
	case core.PublisherModeNone:
		log.Info("publisher disabled")
	default:
		publisher := core.NewInProcessPublisher(svc, logger.Named("publisher"), cfg.Publisher.BatchSize, cfg.Publisher.PollDuration())
		svc.SetPublishNotifier(publisher)
		group.Go(func() error { return publisher.Run(groupCtx) })
	}

	group.Go(func() error {
		log.Info("http server listening", "addr", process.ListenAddr, "publisher_mode", cfg.Publisher.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), process.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func openPersistence(ctx context.Context, process config.Process) (*persistence.Client, error) {
	sqlDB, err := sql.Open(process.DBDriver, process.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	var dialect schema.Dialect = sqlitedialect.New()
	target := chatmigrations.DialectSQLite
	if process.UsesPostgres() {
		dialect = pgdialect.New()
		target = chatmigrations.DialectPostgres
	} else {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(persistenceConfig{process: process}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persistence client: %w", err)
	}
	if _, err := chatmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect == target {
			client.RegisterSQLMigrations(fsys)
		}
		return nil
	}, chatmigrations.WithValidationTargets(target)); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return client, nil
}

func seedAssignees(ctx context.Context, store *sqlstore.Store, ids []string) error {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := store.Stores().Assignees.UpsertAssignee(ctx, core.Assignee{ID: id, Available: true}); err != nil {
			return fmt.Errorf("seed assignee %s: %w", id, err)
		}
	}
	return nil
}

type persistenceConfig struct {
	process config.Process
}

func (persistenceConfig) GetDebug() bool { return false }
func (c persistenceConfig) GetDriver() string { return c.process.DBDriver }
func (c persistenceConfig) GetServer() string { return c.process.DBDSN }
func (persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (persistenceConfig) GetOtelIdentifier() string { return "chatflowd" }
