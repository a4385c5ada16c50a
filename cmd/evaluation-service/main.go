package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codalab/internal/common/cache"
	"codalab/internal/common/db"
	commonmw "codalab/internal/common/http/middleware"
	"codalab/internal/common/mq"
	"codalab/internal/common/storage"
	"codalab/internal/evaluation/bundle"
	"codalab/internal/evaluation/controller"
	"codalab/internal/evaluation/notify"
	"codalab/internal/evaluation/repository"
	"codalab/internal/evaluation/service"
	"codalab/pkg/metrics"
	"codalab/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/evaluation_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}
	bucketCtx, bucketCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = objStorage.EnsureBucket(bucketCtx, appCfg.MinIO.Bucket)
	bucketCancel()
	if err != nil {
		logger.Error(context.Background(), "ensure artifact bucket failed", zap.Error(err))
		return
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	metricsManager := metrics.NewManager()

	submissionRepo := repository.NewSubmissionRepository(mysqlDB)
	jobRepo := repository.NewJobRepository(mysqlDB)
	scoreRepo := repository.NewScoreRepository(mysqlDB)
	aggregateRepo := repository.NewAggregateRepository(mysqlDB)
	artifactRepo := repository.NewArtifactRepository(objStorage, appCfg.MinIO.Bucket)
	leaderboardRepo := repository.NewLeaderboardRepository(redisCache)
	locker := repository.NewSubmissionLocker(redisCache, appCfg.Evaluation.lockConfig())

	assembler, err := bundle.NewAssembler(bundle.Config{
		Artifacts:  artifactRepo,
		Aggregates: aggregateRepo,
	})
	if err != nil {
		logger.Error(context.Background(), "init bundle assembler failed", zap.Error(err))
		return
	}

	dispatcher, err := service.NewQueueDispatcher(mqClient, appCfg.Topics.Jobs, appCfg.Topics.Compute)
	if err != nil {
		logger.Error(context.Background(), "init dispatcher failed", zap.Error(err))
		return
	}

	mailer, err := buildMailer(appCfg.SMTP)
	if err != nil {
		logger.Error(context.Background(), "init mailer failed", zap.Error(err))
		return
	}

	orchestrator, err := service.NewOrchestrator(service.Config{
		Jobs:               jobRepo,
		Submissions:        submissionRepo,
		Scores:             scoreRepo,
		Artifacts:          artifactRepo,
		Leaderboard:        leaderboardRepo,
		Locker:             locker,
		Assembler:          assembler,
		Dispatcher:         dispatcher,
		Mailer:             mailer,
		Metrics:            metricsManager,
		ContainerName:      appCfg.Evaluation.ContainerName,
		ReplyTo:            appCfg.Topics.Response,
		SiteURL:            appCfg.Evaluation.SiteURL,
		FromEmail:          appCfg.Evaluation.FromEmail,
		ChainFailurePolicy: service.ChainFailurePolicy(appCfg.Evaluation.ChainFailurePolicy),
		ScoreParsePolicy:   service.ScoreParsePolicy(appCfg.Evaluation.ScoreParsePolicy),
	})
	if err != nil {
		logger.Error(context.Background(), "init orchestrator failed", zap.Error(err))
		return
	}

	group := appCfg.Kafka.ConsumerGroup
	if err := mqClient.SubscribeWithOptions(context.Background(), appCfg.Topics.Jobs, orchestrator.HandleJobMessage, appCfg.Kafka.subscribeOptions(group+"-jobs")); err != nil {
		logger.Error(context.Background(), "subscribe jobs topic failed", zap.Error(err))
		return
	}
	if err := mqClient.SubscribeWithOptions(context.Background(), appCfg.Topics.Response, orchestrator.HandleWorkerMessage, appCfg.Kafka.subscribeOptions(group+"-response")); err != nil {
		logger.Error(context.Background(), "subscribe response topic failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appCfg.Watchdog.Enabled {
		watchdog, err := service.NewWatchdog(submissionRepo, locker, metricsManager, appCfg.Watchdog.toServiceConfig())
		if err != nil {
			logger.Error(context.Background(), "init watchdog failed", zap.Error(err))
			return
		}
		go watchdog.Run(shutdownCtx)
	}

	httpServer := buildHTTPServer(appCfg.Server, orchestrator, metricsManager)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "evaluation http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

func buildMailer(cfg notify.SMTPConfig) (notify.Sender, error) {
	if cfg.Host == "" {
		logger.Warn(context.Background(), "smtp host not configured, emails will only be logged")
		return notify.LogSender{}, nil
	}
	return notify.NewSMTPSender(cfg)
}

func buildHTTPServer(cfg ServerConfig, svc controller.EvaluationService, metricsManager *metrics.Manager) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	controller.NewEvaluationController(svc).RegisterRoutes(router.Group("/api/v1"))
	router.GET(cfg.MetricsPath, gin.WrapH(metricsManager.Handler()))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
