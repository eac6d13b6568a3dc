package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prismai/automod/automod/audit"
	"github.com/prismai/automod/automod/connector/discord"
	"github.com/prismai/automod/automod/connector/logonly"
	"github.com/prismai/automod/automod/consumer"
	"github.com/prismai/automod/automod/cooldown"
	"github.com/prismai/automod/automod/countstore"
	"github.com/prismai/automod/automod/dispatch"
	"github.com/prismai/automod/automod/engine"
	"github.com/prismai/automod/automod/ledger"
	"github.com/prismai/automod/automod/settings"
	"github.com/prismai/automod/util"
	"github.com/prismai/automod/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

// collectors are registered globally, so every server shares one middleware
var httpMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("sentinel")
})

type Server struct {
	echo        *echo.Echo
	httpd       *http.Server
	logger      *slog.Logger
	engine      *engine.Engine
	reloader    *settings.Reloader
	audit       audit.Reader
	auditWorker *audit.AsyncSink
	guildSource *settings.HTTPSource
	gateway     *consumer.GatewayConsumer
	janitor     *engine.Janitor
	rdb         *redis.Client
}

type Config struct {
	Logger             *slog.Logger
	Bind               string
	SettingsFile       string
	SettingsURL        string
	SettingsRefresh    time.Duration
	RedisURL           string
	DatabaseURL        string
	MaxDBConnections   int
	DBTracing          bool
	IngestURL          string
	DiscordToken       string
	DryRun             bool
	SlackWebhookURL    string
	Workers            int
	MaxQueue           int
	ConnectorRateLimit float64
	DispatchTimeout    time.Duration
	ViolationMaxAge    time.Duration
	// test hook: used instead of the discord or dry-run connectors when set
	Connector          dispatch.Connector
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var rdb *redis.Client
	if config.RedisURL != "" {
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		// check redis connection
		_, err = rdb.Ping(context.TODO()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
	}

	var db *gorm.DB
	if config.DatabaseURL != "" {
		var err error
		db, err = cliutil.SetupDatabase(config.DatabaseURL, config.MaxDBConnections, logger)
		if err != nil {
			return nil, fmt.Errorf("setting up database: %w", err)
		}
		if config.DBTracing {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				return nil, err
			}
		}
	}

	// one redis client is shared by all the redis-backed stores
	var viol ledger.Ledger
	var cool cooldown.Tracker
	var memCool *cooldown.MemTracker
	var counters countstore.CountStore
	switch {
	case rdb != nil:
		viol = &ledger.RedisLedger{Client: rdb}
		cool = &cooldown.RedisTracker{Client: rdb}
		counters = &countstore.RedisCountStore{Client: rdb}
	default:
		if db != nil {
			sl, err := ledger.NewSQLLedger(db)
			if err != nil {
				return nil, fmt.Errorf("initializing SQL ledger: %w", err)
			}
			viol = sl
		} else {
			logger.Warn("no redis or database configured, violations will not survive a restart")
			viol = ledger.NewMemLedger()
		}
		memCool = cooldown.NewMemTracker()
		cool = memCool
		counters = countstore.NewMemCountStore()
	}

	sinks := audit.MultiSink{audit.NewLogSink(logger)}
	var reader audit.Reader
	var worker *audit.AsyncSink
	if db != nil {
		ss, err := audit.NewSQLSink(db)
		if err != nil {
			return nil, fmt.Errorf("initializing audit table: %w", err)
		}
		worker = audit.NewAsyncSink(ss, 1000, logger)
		sinks = append(sinks, worker)
		reader = ss
	} else {
		ms := audit.NewMemSink()
		sinks = append(sinks, ms)
		reader = ms
	}

	conn := config.Connector
	switch {
	case conn != nil:
	case config.DryRun:
		logger.Info("dry-run mode: enforcement commands will only be logged")
		conn = logonly.NewConnector(logger)
	case config.DiscordToken != "":
		dc, err := discord.NewConnector(config.DiscordToken, logger)
		if err != nil {
			return nil, err
		}
		conn = dc
	default:
		return nil, fmt.Errorf("no enforcement connector: configure --discord-token, or --dry-run")
	}

	dispatcher := dispatch.NewDispatcher(conn, sinks, dispatch.DispatcherConfig{
		Timeout:   config.DispatchTimeout,
		RateLimit: config.ConnectorRateLimit,
		Logger:    logger,
	})

	reloader := settings.NewReloader(settings.NewStore(), logger)
	if config.SettingsRefresh > 0 {
		reloader.Interval = config.SettingsRefresh
	}
	if config.SettingsFile != "" {
		reloader.Source = settings.NewFileSource(config.SettingsFile)
	}
	var guildSource *settings.HTTPSource
	if config.SettingsURL != "" {
		var cache settings.DocCache
		if rdb != nil {
			cache = settings.NewRedisDocCache(rdb, 5*time.Minute)
		} else {
			cache = settings.NewMemDocCache(10_000, 5*time.Minute)
		}
		guildSource = &settings.HTTPSource{
			URLTemplate: config.SettingsURL,
			Client:      util.RobustHTTPClient(logger),
			Cache:       cache,
			UserAgent:   fmt.Sprintf("prismai-sentinel/%s", versioninfo.Short()),
		}
		reloader.Guilds = guildSource
	}
	if reloader.Source != nil {
		if err := reloader.Reload(context.TODO()); err != nil {
			return nil, fmt.Errorf("loading settings: %w", err)
		}
	}

	eng := &engine.Engine{
		Logger:     logger,
		Settings:   reloader,
		Ledger:     viol,
		Cooldowns:  cool,
		Counters:   counters,
		Dispatcher: dispatcher,
	}
	if config.SlackWebhookURL != "" {
		eng.Notifier = &engine.SlackNotifier{
			SlackWebhookURL: config.SlackWebhookURL,
			Client:          util.RobustHTTPClient(logger),
		}
	}

	var gateway *consumer.GatewayConsumer
	if config.IngestURL != "" {
		gateway = &consumer.GatewayConsumer{
			Host:        config.IngestURL,
			Parallelism: config.Workers,
			MaxQueue:    config.MaxQueue,
			Logger:      logger.With("system", "gateway"),
			RedisClient: rdb,
			Engine:      eng,
		}
	}

	srv := &Server{
		logger:      logger,
		engine:      eng,
		reloader:    reloader,
		audit:       reader,
		auditWorker: worker,
		guildSource: guildSource,
		gateway:     gateway,
		janitor: &engine.Janitor{
			Ledger:    viol,
			MaxAge:    config.ViolationMaxAge,
			Cooldowns: memCool,
			Logger:    logger.With("system", "janitor"),
		},
		rdb: rdb,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(httpMetrics())
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.POST("/v1/events", srv.HandleEvent)
	e.GET("/v1/guilds/:guild/users/:user/violations", srv.HandleListViolations)
	e.DELETE("/v1/violations/:id", srv.HandleRemoveViolation)
	e.GET("/v1/guilds/:guild/settings", srv.HandleGetSettings)
	e.PUT("/v1/guilds/:guild/settings", srv.HandlePutSettings)
	e.GET("/v1/guilds/:guild/rules/:rule/stats", srv.HandleRuleStats)
	e.GET("/v1/guilds/:guild/audit", srv.HandleAuditLog)

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)
	srv.echo = e
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

// Runs the API, gateway consumer, settings reloader and janitor until ctx is cancelled or one of them fails. SIGHUP forces a settings reload.
func (srv *Server) Run(ctx context.Context) error {
	if srv.auditWorker != nil {
		go srv.auditWorker.Run(context.WithoutCancel(ctx))
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.auditWorker.Close(ctx); err != nil {
				srv.logger.Error("audit log did not drain before shutdown", "err", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.logger.Info("starting server", "bind", srv.httpd.Addr)
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.httpd.Shutdown(sctx)
	})
	g.Go(func() error {
		return srv.reloader.Run(ctx)
	})
	g.Go(func() error {
		return srv.runReloadSignals(ctx)
	})
	g.Go(func() error {
		return srv.janitor.Run(ctx)
	})
	if srv.gateway != nil {
		g.Go(func() error {
			return srv.runGateway(ctx)
		})
		g.Go(func() error {
			return srv.gateway.RunPersistCursor(ctx)
		})
	}

	err := g.Wait()
	srv.logger.Info("graceful shutdown complete")
	return err
}

func (srv *Server) runReloadSignals(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			srv.logger.Info("received SIGHUP, reloading settings")
			sighupReloads.Inc()
			if srv.guildSource != nil {
				for _, guildID := range srv.reloader.Store.Guilds() {
					if err := srv.guildSource.Purge(ctx, guildID); err != nil {
						srv.logger.Warn("failed to purge cached settings", "guild", guildID, "err", err)
					}
				}
			}
			srv.reloader.Trigger()
		}
	}
}

// Keeps the gateway subscription up, reconnecting with backoff when the stream drops.
func (srv *Server) runGateway(ctx context.Context) error {
	delay := time.Second
	for {
		start := time.Now()
		err := srv.gateway.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > time.Minute {
			delay = time.Second
		}
		srv.logger.Error("gateway stream ended, reconnecting", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Minute)
	}
}
