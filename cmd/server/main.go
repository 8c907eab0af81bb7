package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"signal-kitchen/internal/anomaly"
	"signal-kitchen/internal/blob"
	"signal-kitchen/internal/bot"
	"signal-kitchen/internal/cache"
	"signal-kitchen/internal/chart"
	"signal-kitchen/internal/config"
	"signal-kitchen/internal/db"
	"signal-kitchen/internal/domain"
	"signal-kitchen/internal/entitlement"
	"signal-kitchen/internal/handler"
	"signal-kitchen/internal/job"
	"signal-kitchen/internal/metrics"
	"signal-kitchen/internal/notify"
	"signal-kitchen/internal/provider"
	"signal-kitchen/internal/repository"
	"signal-kitchen/internal/service"
	signalengine "signal-kitchen/internal/signal"
	"signal-kitchen/internal/summarizer"
	"signal-kitchen/internal/trader"
	"signal-kitchen/pkg/logger"
	"signal-kitchen/pkg/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "signal-kitchen/docs"
)

const (
	chartTTL          = 7 * 24 * time.Hour
	deliveryLedgerTTL = 7 * 24 * time.Hour
)

var (
	loadEnvFunc      = godotenv.Load
	loadConfigFunc   = config.Load
	newLoggerFunc    = logger.New
	initPostgresFunc = db.InitPostgres
	initRedisFunc    = cache.InitRedis
	initTracerFunc   = tracing.InitTracer
	newMetricsFunc   = func() *metrics.Recorder { return metrics.New(prometheus.DefaultRegisterer) }
	metricsHandler   = promhttp.Handler
	newBlobStoreFunc = func(ctx context.Context, cfg blob.ClientConfig, tracer trace.Tracer) (chartBackend, error) {
		return blob.New(ctx, cfg, tracer)
	}
	startTelegramBotFunc   = bot.StartTelegramBot
	startSchedulerFunc     = func(s *job.Scheduler, ctx context.Context) { go s.Start(ctx) }
	startMaintenanceFunc   = func(m *job.Maintenance, ctx context.Context) { go m.Start(ctx) }
	setupSignalNotify      = ossignal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// chartBackend is the read and write side of chart storage.
type chartBackend interface {
	PutChart(ctx context.Context, ref string, img domain.ChartImage) error
	GetChart(ctx context.Context, ref string) (*domain.ChartImage, error)
}

// @title           Signal Kitchen API
// @version         1.0
// @description     Tier-gated market signals, rebalances and charts.

// @host      localhost:8080
// @BasePath  /
func main() {
	_ = loadEnvFunc()

	log, err := newLoggerFunc(os.Getenv("LOG_LEVEL"))
	if err != nil {
		log = zap.NewExample()
	}
	defer func() { _ = log.Sync() }()
	undo := zap.ReplaceGlobals(log)
	defer undo()

	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	if err := initPostgresFunc(ctx); err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()
	if err := initRedisFunc(ctx); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("error shutting down tracer provider", zap.Error(err))
		}
	}()

	var pool repository.PgxPool
	if db.Pool != nil {
		pool = db.Pool
	}
	store, archive, chartRepo, err := newStorage(ctx, pool, cache.Client, tracer)
	if err != nil {
		log.Fatal("failed to prepare storage", zap.Error(err))
	}
	charts := newChartStore(ctx, cfg, chartRepo, tracer, log)

	rec := newMetricsFunc()

	engine := signalengine.NewEngine(nil)
	if cfg.AnomalyEnabled {
		engine.WithAnomalyScorer(anomaly.NewDetector(anomaly.DefaultOptions()), cfg.AnomalyThreshold)
	}

	binance := provider.NewBinanceProvider(cfg.BinanceBaseURL, cfg.FetchMaxAttempts, tracer, log)

	var summary service.RecordSummarizer
	if model := newSummaryModel(cfg, log); model != nil {
		s := newSummarizer(cfg, model, charts, store, tracer, log)
		if cfg.OrderBookEnabled {
			s.WithDepth(binance, cfg.OrderBookLimit)
		}
		summary = s
	}

	var priceArchive service.PriceArchive
	if archive != nil {
		priceArchive = archive
	}
	pipeline := service.NewSignalService(tracer, log, binance,
		engine, store, summary, priceArchive, rec,
		service.PipelineOptions{
			Assets:         cfg.Assets,
			LookbackPoints: cfg.LookbackPoints,
			FetchWorkers:   cfg.FetchWorkers,
			StoreTimeout:   time.Duration(cfg.StoreTimeoutSecs) * time.Second,
			Retention:      time.Duration(cfg.RetentionHours) * time.Hour,
		},
	)

	dir := loadDirectory(cfg.ConsumersFile, log)
	resolver := newResolver(cfg, dir, cache.Client, log)
	gate := entitlement.NewGate(store, newTable(dir), tracer)

	var chartSource bot.ChartSource
	if charts != nil {
		chartSource = charts
	}
	telegram := startTelegramBotFunc(cfg.TelegramBotToken, resolver, gate, chartSource, log)
	kafka := notify.NewKafkaChannel(cfg.KafkaBrokers)
	if kafka != nil {
		defer func() { _ = kafka.Close() }()
	}

	ledger := cache.NewDeliveryLedger(cache.Client, deliveryLedgerTTL)
	distributor := service.NewDistributor(tracer, log, resolver, gate, ledger,
		buildChannels(telegram, kafka), rec,
		service.DistributorOptions{MaxAttempts: cfg.DeliveryMaxAttempts},
	)

	var actor job.Trader
	if cfg.PositionManagerURL != "" {
		actor = trader.NewActor(gate, store, ledger, trader.NewHTTPPositionManager(cfg.PositionManagerURL), rec,
			trader.Options{Assets: cfg.Assets, Timeframes: cfg.TraderTimeframes, TopN: cfg.TraderTopN},
			tracer, log)
	} else {
		log.Info("POSITION_MANAGER_URL not set, trading actor disabled")
	}

	scheduler := job.NewScheduler(tracer, log, pipeline, distributor, actor, cfg.Timeframes,
		time.Duration(cfg.SchedulerTickSec)*time.Second)
	startSchedulerFunc(scheduler, ctx)

	var chartPruner job.ChartPruner
	if chartRepo != nil {
		chartPruner = chartRepo
	}
	startMaintenanceFunc(job.NewMaintenance(tracer, log, pipeline, chartPruner), ctx)

	var chartReader handler.ChartSource
	if charts != nil {
		chartReader = charts
	}
	h := handler.New(tracer, log, resolver, gate, chartReader, cache.NewSubscriptionStore(cache.Client), metricsHandler())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, log, h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()
	log.Info("signal kitchen started", zap.String("addr", cfg.HTTPAddr))

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Info("shutting down server")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	log.Info("server exiting")
}

// newStorage picks Postgres when a pool is available and Redis otherwise.
// The price archive and chart repository exist only on Postgres.
func newStorage(ctx context.Context, pool repository.PgxPool, client redis.UniversalClient, tracer trace.Tracer) (service.SignalStore, *repository.PricePointRepository, *repository.ChartImageRepository, error) {
	if pool == nil {
		return cache.NewRecordStore(client, tracer), nil, nil, nil
	}

	records := repository.NewSignalRecordRepository(pool, tracer)
	prices := repository.NewPricePointRepository(pool, tracer)
	charts := repository.NewChartImageRepository(pool, tracer, chartTTL)
	if err := records.RunMigrations(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("migrate signal records: %w", err)
	}
	if err := prices.RunMigrations(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("migrate price points: %w", err)
	}
	if err := charts.RunMigrations(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("migrate chart images: %w", err)
	}
	return records, prices, charts, nil
}

// newChartStore prefers the S3 bucket, then the Postgres table. Charts are
// disabled when neither is configured.
func newChartStore(ctx context.Context, cfg *config.Config, repo *repository.ChartImageRepository, tracer trace.Tracer, log *zap.Logger) chartBackend {
	if cfg.S3Bucket != "" {
		store, err := newBlobStoreFunc(ctx, blob.ClientConfig{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3Endpoint != "",
		}, tracer)
		if err == nil {
			return store
		}
		log.Warn("chart bucket unavailable, falling back", zap.Error(err))
	}
	if repo != nil {
		return repo
	}
	log.Info("no chart storage configured, summaries will be text only")
	return nil
}

// newSummarizer always renders the chart so the model sees it. The chart is
// persisted under its image ref only when a chart store is configured.
func newSummarizer(cfg *config.Config, model summarizer.Model, charts chartBackend, history summarizer.HistoryReader, tracer trace.Tracer, log *zap.Logger) *summarizer.Summarizer {
	var chartWriter summarizer.ChartStore
	if charts != nil {
		chartWriter = charts
	}
	return summarizer.New(model, chart.NewRenderer(), chartWriter, history, summarizer.Options{
		MaxAttempts:    cfg.SummaryMaxAttempts,
		AttemptTimeout: time.Duration(cfg.SummaryTimeoutSecs) * time.Second,
		HistoryDepth:   cfg.SummaryHistory,
	}, tracer, log)
}

func newSummaryModel(cfg *config.Config, log *zap.Logger) summarizer.Model {
	switch {
	case cfg.OpenAIAPIKey != "":
		return summarizer.NewOpenAIModel(cfg.OpenAIAPIKey, "", cfg.OpenAIModel, log)
	case cfg.PredictionAPIURL != "":
		return summarizer.NewPredictionModel(cfg.PredictionAPIURL, cfg.PredictionAPIKey)
	default:
		return nil
	}
}

func loadDirectory(path string, log *zap.Logger) *entitlement.Directory {
	if path == "" {
		return nil
	}
	dir, err := entitlement.LoadDirectory(path)
	if err != nil {
		log.Error("failed to load consumer directory", zap.String("path", path), zap.Error(err))
		return nil
	}
	log.Info("loaded consumer directory", zap.Int("consumers", len(dir.Consumers)))
	return dir
}

func newTable(dir *entitlement.Directory) entitlement.Table {
	steps := entitlement.DefaultStakeSteps()
	if dir != nil && len(dir.StakeSteps) > 0 {
		steps = dir.StakeSteps
	}
	return entitlement.NewTable(entitlement.DefaultPolicies(), steps)
}

func newResolver(cfg *config.Config, dir *entitlement.Directory, client redis.UniversalClient, log *zap.Logger) *entitlement.Resolver {
	var lookup entitlement.TierLookup
	if cfg.TierLookupURL != "" {
		lookup = entitlement.NewHTTPTierLookup(cfg.TierLookupURL, cfg.FetchMaxAttempts)
	}
	tiers := cache.NewTierCache(client, time.Duration(cfg.TierCacheTTLSecs)*time.Second)
	return entitlement.NewResolver(dir, lookup, tiers, cache.NewSubscriptionStore(client), log)
}

// buildChannels drops channels whose constructor returned nil.
func buildChannels(telegram *bot.AlertDispatcher, kafka *notify.KafkaChannel) []service.Channel {
	channels := []service.Channel{notify.NewDiscordChannel(), notify.NewWebhookChannel()}
	if telegram != nil {
		channels = append(channels, telegram)
	}
	if kafka != nil {
		channels = append(channels, kafka)
	}
	return channels
}

func newRouter(cfg *config.Config, log *zap.Logger, h *handler.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handler.RequestLogger(log))
	if len(cfg.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.CORSOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-API-Key", "X-Consumer-ID")
		r.Use(cors.New(corsCfg))
	}
	r.Use(otelgin.Middleware(serviceName()))

	h.RegisterRoutes(r)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	return r
}

func serviceName() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return "signal-kitchen"
}
