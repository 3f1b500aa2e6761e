package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/fedikit/botkit/ap"
	"github.com/fedikit/botkit/apclient"
	"github.com/fedikit/botkit/api"
	"github.com/fedikit/botkit/bot"
	"github.com/fedikit/botkit/kv"
	"github.com/fedikit/botkit/pollstore"
	"github.com/fedikit/botkit/store"
	"github.com/fedikit/botkit/worker"
)

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

func main() {
	e := echo.New()

	configPath := os.Getenv("BOTKIT_CONFIG")
	if configPath == "" {
		configPath = "/etc/botkit/config.yaml"
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load config: ", slog.String("error", err.Error()))
		panic(err)
	}

	slog.Info(fmt.Sprintf("botkit %s starting...", version))
	slog.Info(fmt.Sprintf("Bot loaded! Actor: %s", config.Bot.ActorURL()))

	config.NodeInfo.Version = "2.0"
	config.NodeInfo.Software.Name = "botkit"
	config.NodeInfo.Software.Version = version
	config.NodeInfo.Protocols = []string{"activitypub"}

	e.HidePort = true
	e.HideBanner = true

	if config.Server.EnableTrace {
		cleanup, err := setupTraceProvider(config.Server.TraceEndpoint, config.Bot.FQDN+"/botkit", version)
		if err != nil {
			panic(err)
		}
		defer cleanup()

		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(config.Bot.FQDN, skipper))
	}

	e.Use(echoprometheus.NewMiddleware("botkit"))
	e.Use(middleware.Recover())

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(config.Server.Dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB() // for pinging
	if err != nil {
		panic("failed to connect database")
	}
	defer sqlDB.Close()

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName("postgres"),
	))
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	mc := memcache.New(config.Server.MemcachedAddr)
	defer mc.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Server.RedisAddr,
		Password: "", // no password set
		DB:       config.Server.RedisDB,
	})
	err = redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(
			attribute.KeyValue{
				Key:   "db.name",
				Value: attribute.StringValue("redis"),
			},
		),
	)
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	polls := pollstore.NewStore(db)

	log.Println("start migrate")
	err = polls.Migrate()
	if err != nil {
		panic(err)
	}

	repo := store.NewCachedRepository(
		store.NewKVRepository(kv.NewRedisStore(rdb, "botkit"), nil),
	)

	client := apclient.NewApClient(mc, repo, config.Bot)

	session := bot.NewSession(repo, client, polls, config.Bot, bot.Hooks{})

	apService := ap.NewService(repo, session, config.NodeInfo, config.Bot)
	apHandler := ap.NewHandler(apService)

	apiService := api.NewService(repo, session, polls, config.Bot)
	apiHandler := api.NewHandler(apiService)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.Server.ScheduledPosts != "" && config.Server.PostIntervalM > 0 {
		source, err := scheduledPostSource(config.Server.ScheduledPosts)
		if err != nil {
			slog.Error("Failed to load scheduled posts: ", slog.String("error", err.Error()))
			panic(err)
		}
		interval := time.Duration(config.Server.PostIntervalM) * time.Minute
		go worker.NewWorker(session, interval, source).Run(ctx)
	}

	e.GET("/info", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"name":         "github.com/fedikit/botkit",
			"version":      version,
			"buildMachine": buildMachine,
			"buildTime":    buildTime,
			"goVersion":    goVersion,
		})
	})

	e.GET("/.well-known/webfinger", apHandler.WebFinger)
	e.GET("/.well-known/nodeinfo", apHandler.NodeInfoWellKnown)

	apGroup := e.Group("/ap")
	apGroup.GET("/nodeinfo/2.0", apHandler.NodeInfo)
	apGroup.GET("/actor/:id", apHandler.Actor)
	apGroup.POST("/actor/:id/inbox", apHandler.Inbox)
	apGroup.GET("/actor/:id/outbox", apHandler.Outbox)
	apGroup.GET("/note/:id", apHandler.Note)

	apGroup.POST("/inbox", apHandler.Inbox)

	apGroup.GET("/api/stats", apiHandler.GetStats)
	apGroup.POST("/api/publish", apiHandler.Publish)
	apGroup.DELETE("/api/publish/:id", apiHandler.Unpublish)
	apGroup.POST("/api/follow/:id", apiHandler.Follow)
	apGroup.DELETE("/api/follow/:id", apiHandler.Unfollow)
	apGroup.GET("/api/poll/:id", apiHandler.GetPollResults)

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = sqlDB.Ping()
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		err = rdb.Ping(ctx).Err()
		if err != nil {
			return c.String(http.StatusInternalServerError, "redis error")
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	port := ":8000"
	envport := os.Getenv("BOTKIT_PORT")
	if envport != "" {
		port = ":" + envport
	}

	e.Logger.Fatal(e.Start(port))
}

// scheduledPostSource cycles through the non-empty lines of a file,
// one per tick.
func scheduledPostSource(path string) (worker.SourceFunc, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no scheduled posts in %s", path)
	}

	var next atomic.Int64
	return func(ctx context.Context) (string, error) {
		i := next.Add(1) - 1
		return lines[i%int64(len(lines))], nil
	}, nil
}
