package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"credpool-go/internal/admission"
	"credpool-go/internal/aggregate"
	"credpool-go/internal/config"
	"credpool-go/internal/constants"
	"credpool-go/internal/credential"
	"credpool-go/internal/credsource"
	"credpool-go/internal/logging"
	"credpool-go/internal/middleware"
	"credpool-go/internal/prober"
	"credpool-go/internal/proxy"
	"credpool-go/internal/runtime"
	"credpool-go/internal/statuswriter"
	"credpool-go/internal/store"
	"credpool-go/internal/tracing"
	"credpool-go/internal/upstreamclient"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = constants.ServerShutdownTimeout

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		cfg.Server.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("tracing disabled: failed to initialize exporter")
	}
	defer func() {
		shutdownCtx, cancelTracingShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTracingShutdown()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracing shutdown did not complete cleanly")
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open state store")
	}
	defer st.Close()

	bans, err := store.NewBannedIPCache(ctx, st, cfg.Storage.RedisAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize banned-ip cache")
	}
	defer bans.Close()

	client := upstreamclient.New(upstreamclient.Config{
		ProxyURL:              cfg.Upstream.ProxyURL,
		ResponseHeaderTimeout: cfg.Upstream.RequestTimeout,
	})

	supportedModels := make(map[string]struct{}, len(cfg.SupportedModels))
	for _, m := range cfg.SupportedModels {
		supportedModels[m] = struct{}{}
	}
	intervals := store.HealthIntervals{
		Healthy:          cfg.Health.Interval200,
		Status403:        cfg.Health.Interval403,
		Status4xx:        cfg.Health.Interval4xx,
		Status5xx:        cfg.Health.Interval5xx,
		Default:          store.DefaultHealthIntervals().Default,
		DispatcherMinGap: store.DefaultHealthIntervals().DispatcherMinGap,
	}

	dispatcher := &proxy.Dispatcher{
		AuthKey:            cfg.AuthKey,
		SupportedModels:    supportedModels,
		DefaultUpstreamURL: cfg.Upstream.DefaultUpstreamURL,
		GatewayURL:         cfg.Upstream.GatewayURL,
		MaxRetries:         cfg.Upstream.MaxRetries,
		Selector:           credential.NewSelector(st),
		Admission: &admission.Controller{
			Low:    cfg.Admission.LowThreshold,
			High:   cfg.Admission.HighThreshold,
			CoeffA: cfg.Admission.CoeffA,
			CoeffB: cfg.Admission.CoeffB,
		},
		Store:     st,
		Client:    client,
		IPLimiter: proxy.NewIPLimiter(bans, cfg.RateLimit.PerMinute, cfg.RateLimit.PerHourBan),
		Intervals: intervals,
	}

	tasks := runtime.NewTaskManager(ctx)
	startBackgroundTasks(ctx, tasks, cfg, st, client, intervals)

	engine := buildEngine(cfg, dispatcher, st)
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: engine,
	}

	middleware.SafeGoWithContext("http-server", func() {
		log.Infof("credpool-go listening on :%d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server stopped unexpectedly")
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete cleanly")
	}
	cancel()
	log.Info("server stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch store.Driver(cfg.Storage.Driver) {
	case store.DriverPostgres:
		return store.New(store.DriverPostgres, cfg.Storage.PostgresDSN)
	default:
		return store.New(store.DriverSQLite, cfg.Storage.DatabasePath)
	}
}

func startBackgroundTasks(ctx context.Context, tasks *runtime.TaskManager, cfg *config.Config, st store.Store, client *http.Client, intervals store.HealthIntervals) {
	src := credsource.NewFileSource(cfg.Credentials.KeysDirectory)
	syncer := credential.NewSyncer(st, src, cfg.SupportedModels)
	if err := tasks.StartPeriodic("credential-sync", "reconciles the credential pool and health records against the keys directory",
		cfg.Credentials.SyncInterval, syncer.Tick); err != nil {
		log.WithError(err).Error("failed to start credential-sync task")
	}

	p := &prober.Prober{
		Store:          st,
		Client:         client,
		Models:         cfg.SupportedModels,
		TestURLFormat:  cfg.Prober.ProbeTestURLTemplate,
		ProbeTimeout:   cfg.Prober.ProbeTimeout,
		MaxConcurrency: cfg.Prober.MaxConcurrency,
		Intervals:      intervals,
	}
	if err := tasks.StartPeriodic("health-prober", "re-tests every credential due for a health check",
		cfg.Prober.ProbeInterval, p.Tick); err != nil {
		log.WithError(err).Error("failed to start health-prober task")
	}

	agg := aggregate.NewAggregator(st)
	writer := &statuswriter.Writer{Aggregator: agg, FilePath: cfg.Status.FilePath, MaxSizeMB: cfg.Status.MaxSizeMB}
	if err := tasks.StartPeriodic("status-writer", "appends a model availability report to the status file",
		cfg.Status.WriteInterval, writer.Tick); err != nil {
		log.WithError(err).Error("failed to start status-writer task")
	}

	retention := cfg.Logs.Retention
	if err := tasks.StartPeriodic("log-purger", "deletes request logs older than the configured retention window",
		cfg.Logs.PurgeInterval, func(ctx context.Context) error {
			n, err := st.PurgeLogsOlderThan(ctx, retention)
			if err != nil {
				return err
			}
			log.WithField("deleted", n).Debug("purged expired request logs")
			return nil
		}); err != nil {
		log.WithError(err).Error("failed to start log-purger task")
	}
}

func buildEngine(cfg *config.Config, dispatcher *proxy.Dispatcher, st store.Store) *gin.Engine {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.RequestID(), middleware.Recovery(), middleware.RequestLogger(), middleware.CORS(), middleware.Metrics())

	probe := middleware.RateLimiter(5, 10)
	engine.GET("/healthz", probe, func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", probe, gin.WrapH(promhttp.Handler()))

	engine.POST("/*subpath", dispatcher.Handle)
	return engine
}
