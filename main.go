package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crosspost/domain/repository"
	"crosspost/infrastructure/cache"
	"crosspost/infrastructure/clients"
	"crosspost/infrastructure/configuration"
	"crosspost/infrastructure/logger"
	"crosspost/infrastructure/objectstore"
	"crosspost/infrastructure/persistence"
	"crosspost/infrastructure/pubsub"
	"crosspost/infrastructure/realtime"
	"crosspost/infrastructure/servicebus"
	"crosspost/infrastructure/transfer"
	httpHandler "crosspost/interfaces/http"
	"crosspost/server"
	"crosspost/usecase"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var httpServer *http.Server

func recoverPanic() {
	if err := recover(); err != nil {
		logger.GetLogger().WithField("error", err).Error("Application panic recovered")
	}
}

// stores is the repository set selected by App.Storage.
type stores struct {
	publish     repository.IPublish
	accounts    repository.IAccount
	credentials repository.ICredential
	sessions    repository.IUploadSession
	states      repository.IOAuthStateStore
	health      map[string]httpHandler.HealthCheck
	close       func()
}

func main() {
	defer recoverPanic()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	// OS env keeps precedence over the files.
	configuration.LoadEnvFromFile("config.env", ".env")
	app := configuration.C.App

	st, err := InitiateStorage(ctx, configuration.C)
	if err != nil {
		logger.GetLogger().WithField("error", err).Error("Storage initialization failed")
		os.Exit(1)
	}
	defer st.close()

	redisClient, err := cache.NewCache(
		ctx,
		fmt.Sprintf("%s:%s", configuration.C.RedisClient.Host, configuration.C.RedisClient.Port),
		configuration.C.RedisClient.Username,
		configuration.C.RedisClient.Password,
	)
	if err != nil {
		logger.GetLogger().WithField("error", err).Warn("Redis not available - authorization state kept in memory")
	} else {
		st.states = cache.NewOAuthStateStore(redisClient, configuration.C.OAuth.StateTTL)
		st.health["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		defer func(c *redis.Client) { _ = c.Close() }(redisClient)
		logger.GetLogger().Info("Redis client initialized successfully.")
	}

	blobs, err := objectstore.New(ctx, configuration.C.ObjectStore)
	if err != nil {
		logger.GetLogger().WithField("error", err).Error("Object store initialization failed")
		os.Exit(1)
	}
	if s3, ok := blobs.(*objectstore.S3Store); ok {
		st.health["object_store"] = s3.Health
	}

	osCfg := configuration.C.ObjectStore
	engine := transfer.NewEngine(blobs, st.sessions, transfer.Options{
		ChunkSize:   osCfg.ChunkSize,
		Concurrency: osCfg.Concurrency,
		PartRetries: osCfg.PartRetries,
		Liveness:    osCfg.Liveness,
	})
	stager := transfer.NewStager(engine, blobs, resty.New().SetTimeout(5*time.Minute))
	registry := clients.NewRegistry(configuration.C.Destinations, clients.Deps{
		Blobs:      blobs,
		Engine:     engine,
		PresignTTL: osCfg.PresignTTL,
		ChunkSize:  osCfg.ChunkSize,
	})
	logger.GetLogger().WithField("destinations", registry.Types()).Info("Destination adapters registered")

	hub := realtime.NewTaskHub()
	sinks := []repository.ITaskNotifier{hub}
	sinks = append(sinks, InitiateEventSinks(ctx)...)
	notifier := usecase.NewTaskNotifiers(sinks...)

	oauthUC := usecase.NewOAuthUsecase(st.accounts, st.credentials, st.states, registry, configuration.C.OAuth.RefreshSkew)

	pc := configuration.C.Publish
	publishUC := usecase.NewPublishUsecase(st.publish, st.accounts, oauthUC, registry, stager, notifier, usecase.PublishOptions{
		Workers:           pc.Workers,
		QueueSize:         pc.QueueSize,
		AuthorizeAttempts: pc.AuthorizeAttempts,
		TransferAttempts:  pc.TransferAttempts,
		FinalizeAttempts:  pc.FinalizeAttempts,
		DispatchInterval:  pc.DispatchInterval,
		RetryBase:         pc.RetryBase,
		RateLimitBackoff:  pc.RateLimitBackoff,
		FirstPoll:         configuration.C.Poller.MinAge,
	})

	poll := configuration.C.Poller
	statusUC := usecase.NewStatusUsecase(st.publish, oauthUC, registry, notifier, engine, usecase.StatusOptions{
		MinAge:    poll.MinAge,
		Intervals: poll.Intervals,
		Horizon:   poll.Horizon,
		Interval:  poll.Interval,
		BatchSize: poll.BatchSize,
	})
	mediaUC := usecase.NewMediaUsecase(engine, 0)

	router := server.InitiateRouter(app.AllowedOrigins, app.SecretKey, server.Handlers{
		Publish: httpHandler.NewPublishHandler(publishUC),
		OAuth:   httpHandler.NewOAuthHandler(oauthUC),
		Webhook: httpHandler.NewWebhookHandler(statusUC),
		Media:   httpHandler.NewMediaHandler(mediaUC),
		Health:  httpHandler.NewHealthHandler(st.health),
		Stream:  hub.Serve,
	})

	g.Go(func() error { return ignoreCancel(publishUC.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(statusUC.Run(ctx)) })

	port := app.Port
	logger.GetLogger().WithFields(map[string]interface{}{"port": port, "tls": app.TLSEnabled, "storage": app.Storage}).Info("Starting application")
	g.Go(func() error {
		httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		var err error
		if app.TLSEnabled && app.TLSCertFile != "" && app.TLSKeyFile != "" {
			logger.GetLogger().WithFields(map[string]interface{}{"cert": app.TLSCertFile, "key": app.TLSKeyFile}).Info("Serving HTTPS")
			err = httpServer.ListenAndServeTLS(app.TLSCertFile, app.TLSKeyFile)
		} else {
			if app.TLSEnabled {
				logger.GetLogger().Error("TLS enabled but cert or key path empty; falling back to HTTP")
			}
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	select {
	case <-interrupt:
		logger.GetLogger().Info("Application shutdown requested")
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	if err := g.Wait(); err != nil {
		logger.GetLogger().WithField("error", err).Error("Server returned an error")
		os.Exit(2)
	}
	logger.GetLogger().Info("Application stopped")
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// InitiateStorage opens the repositories for the configured storage mode:
// memory keeps everything in process, psql uses PostgreSQL, mssql keeps
// credentials in SQL Server and the rest in PostgreSQL.
func InitiateStorage(ctx context.Context, cfg configuration.Config) (*stores, error) {
	st := &stores{health: map[string]httpHandler.HealthCheck{}, close: func() {}}
	if cfg.App.Storage == "memory" {
		mem := persistence.NewMemoryStore()
		st.publish = mem
		st.accounts = mem
		st.credentials = mem.Credentials()
		st.sessions = mem.UploadSessions()
		st.states = mem
		return st, nil
	}

	psqlDb, err := persistence.NewPostgreSQLDB(ctx, cfg.Database.Psql)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := persistence.EnsureSchema(psqlDb); err != nil {
		_ = psqlDb.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	closers := []*sql.DB{psqlDb}
	st.health["postgres"] = psqlDb.PingContext
	st.publish = persistence.NewPublishRepository(psqlDb)
	st.sessions = persistence.NewUploadSessionRepository(psqlDb)
	st.credentials = persistence.NewCredentialRepository(psqlDb)

	if cfg.App.Storage == "mssql" {
		mssqlDb, err := persistence.NewMSSQLDB(ctx, cfg.Database.Mssql)
		if err != nil {
			_ = psqlDb.Close()
			return nil, fmt.Errorf("connect mssql: %w", err)
		}
		if err := persistence.EnsureCredentialSchemaMSSQL(mssqlDb); err != nil {
			_ = psqlDb.Close()
			_ = mssqlDb.Close()
			return nil, fmt.Errorf("ensure credential schema: %w", err)
		}
		closers = append(closers, mssqlDb)
		st.health["mssql"] = mssqlDb.PingContext
		st.credentials = persistence.NewCredentialRepositoryMSSQL(mssqlDb)
	}

	accountDb, err := persistence.NewAccountDB(cfg.Database)
	if err != nil {
		for _, db := range closers {
			_ = db.Close()
		}
		return nil, fmt.Errorf("connect account store: %w", err)
	}
	st.accounts = persistence.NewAccountRepository(accountDb)

	// Authorization state falls back to process memory without redis.
	st.states = persistence.NewMemoryStore()
	st.close = func() {
		if raw, err := accountDb.DB(); err == nil {
			_ = raw.Close()
		}
		for _, db := range closers {
			_ = db.Close()
		}
	}
	logger.GetLogger().WithFields(map[string]interface{}{
		"storage":        cfg.App.Storage,
		"accountDialect": cfg.Database.AccountDialect,
	}).Info("Database connected.")
	return st, nil
}

// InitiateEventSinks connects the optional task event outlets. Each one that
// is unavailable is skipped with a warning.
func InitiateEventSinks(ctx context.Context) []repository.ITaskNotifier {
	var sinks []repository.ITaskNotifier

	if uri := configuration.C.Database.Mongo.Host; uri != "" {
		mongoClient, err := persistence.NewMongoDb(ctx, uri)
		if err != nil {
			logger.GetLogger().WithField("error", err).Warn("MongoDB not available - continuing without task audit")
		} else {
			sinks = append(sinks, persistence.NewTaskAuditRepository(mongoClient, configuration.C.Database.Mongo.Name))
			logger.GetLogger().Info("MongoDB connected successfully")
		}
	}

	if ps := configuration.C.Pubsub; ps.ProjectID != "" && ps.TopicID != "" {
		pubSubClient, err := pubsub.NewPubSub(ctx, ps.ProjectID)
		if err != nil {
			logger.GetLogger().WithField("error", err).Warn("PubSub not available - continuing without task events")
		} else {
			sinks = append(sinks, pubsub.NewTaskPublisher(pubSubClient, ps.TopicID))
		}
	}

	if sb := configuration.C.ServiceBus; sb.Namespace != "" && sb.Queue != "" {
		client, err := servicebus.NewServiceBus(ctx, sb.Namespace)
		if err != nil {
			logger.GetLogger().WithField("error", err).Warn("Azure Service Bus not available - continuing without Service Bus features")
		} else if queue, err := servicebus.NewTaskQueue(client, sb.Queue); err == nil {
			sinks = append(sinks, queue)
		}
	}
	return sinks
}
