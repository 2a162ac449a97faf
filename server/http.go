package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"media-pipeline/config"
	"media-pipeline/constant"
	jobHandler "media-pipeline/handler"
	"media-pipeline/media"
	"media-pipeline/pkg/rabbitmq"
	"media-pipeline/pkg/redisqueue"
	"media-pipeline/repository"
	"media-pipeline/service"
	"media-pipeline/storage"
	"media-pipeline/upload"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(ctx, cfg); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("server stopped with error")
	}
	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := zerolog.Ctx(ctx)

	repo, err := repository.NewRepo(cfg.DB)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	store, err := newObjectStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open object storage: %w", err)
	}
	queue := redisqueue.New(cfg.Redis, cfg.RedisPrefix)

	// Without a broker every job type is served from the Redis queues.
	var publisher service.Publisher
	var conn *amqp.Connection
	if cfg.Queue.Enabled {
		c, err := config.NewRabbitMQConn(ctx, cfg.Queue)
		if err != nil {
			logger.Error().Err(err).Msg("NewRabbitMQConn, standalone jobs fall back to redis")
		} else {
			p, err := rabbitmq.NewPublisher(c, cfg.Queue)
			if err != nil {
				return fmt.Errorf("open publisher channel: %w", err)
			}
			defer p.Close()
			publisher = p
			conn = c
		}
	}

	engine := media.NewEngine(media.Config{
		FFmpegPath:  cfg.Processing.FFmpegPath,
		FFprobePath: cfg.Processing.FFprobePath,
		Ladder:      media.LadderFor(cfg.Processing.Resolutions),
	})
	notifier := service.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout)
	opts := service.Options{
		ScratchRoot: cfg.Processing.ScratchRoot,
		JobTimeout:  cfg.Processing.JobTimeout,
		Resolutions: cfg.Processing.Resolutions,
	}

	gate := service.NewGate(repo, constant.MaxActiveVideoJobs, constant.GateDelay)
	videoService := service.NewVideoService(repo, repo, store, engine, queue, gate, notifier, opts)
	standalone := service.NewStandaloneService(repo, repo, store, engine, notifier, opts)
	routes := service.StandaloneRoutes(cfg.Queue.ExchangeName)
	dispatcher := service.NewDispatcher(queue, publisher, routes)

	if err := os.MkdirAll(cfg.Upload.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("create upload scratch dir: %w", err)
	}
	assembler := upload.NewAssembler(afero.NewBasePathFs(afero.NewOsFs(), cfg.Upload.ScratchDir), store, repo, repo, dispatcher)

	serviceDeps := jobHandler.ServiceDependencies{
		VideoService: videoService,
		Thumbnails:   standalone.Thumbnails(),
		Streaming:    standalone.Streaming(),
		Documents:    standalone.Documents(),
	}

	g, gctx := errgroup.WithContext(ctx)

	videoConsumer := redisqueue.NewConsumer(queue, redisqueue.ConsumerConfig{
		Workers:     cfg.Processing.VideoWorkers,
		MaxAttempts: cfg.Processing.MaxAttempts,
		RetryBase:   cfg.Processing.RetryBase,
		RetryMax:    cfg.Processing.RetryMax,
		PruneAfter:  cfg.Processing.PruneAfter,
	}, jobHandler.WorkItemHandler(serviceDeps))
	g.Go(func() error {
		return ignoreCanceled(videoConsumer.Consume(gctx))
	})

	if conn != nil {
		for _, spec := range routes {
			consumer := rabbitmq.NewConsumer(conn, cfg.Queue, spec, cfg.Processing.StandaloneWorkers, jobHandler.JobHandler)
			g.Go(func() error {
				return ignoreCanceled(consumer.Consume(gctx, serviceDeps))
			})
		}
	}

	g.Go(func() error {
		sweepSessions(gctx, assembler, cfg.Upload.SweepInterval, cfg.Upload.SessionTTL)
		return nil
	})

	r := gin.Default()
	addRoutes(r, &api{
		logger:      logger,
		uploads:     assembler,
		jobs:        service.NewJobService(repo, repo, dispatcher),
		maxPartSize: cfg.Upload.MaxPartSize,
	})

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("env", cfg.App.Environment).Str("addr", handler.Addr).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
		defer cancel()
		return handler.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newObjectStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	if cfg.Storage == nil {
		zerolog.Ctx(ctx).Warn().Str("root", cfg.LocalStorageRoot).Msg("minio disabled, storing objects on the local filesystem")
		return storage.NewLocalStorage(cfg.LocalStorageRoot)
	}
	store := storage.NewMinioStorage(cfg.Storage, cfg.MinIOBucket)
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// sweepSessions removes abandoned upload sessions until ctx is done.
func sweepSessions(ctx context.Context, assembler *upload.Assembler, every, ttl time.Duration) {
	if every <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := assembler.Sweep(ctx, ttl)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("upload session sweep failed")
				continue
			}
			if n > 0 {
				zerolog.Ctx(ctx).Info().Int("removed", n).Msg("swept abandoned upload sessions")
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
