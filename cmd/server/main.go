package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"frutiger-messenger/internal/auth"
	"frutiger-messenger/internal/chat"
	"frutiger-messenger/internal/server"
	"frutiger-messenger/internal/storage"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type config struct {
	Server  server.EnvConfig
	Storage storage.Config
	Tracing tracingConfig

	JWTSecret  string        `env:"JWT_SECRET,required"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	BcryptCost int           `env:"BCRYPT_COST" envDefault:"10"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"frutiger.messages"`

	HistoryLimit   int  `env:"HISTORY_LIMIT" envDefault:"50"`
	LogDevelopment bool `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("godotenv.Load: %v", err)
	}

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Cannot parse env config: %v", err)
	}

	newLogger := zap.NewProduction
	if cfg.LogDevelopment {
		newLogger = zap.NewDevelopment
	}
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("zap.New: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, sugar, cfg.Storage, storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		sugar.Fatalf("Cannot apply schema: %v", err)
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		sugar.Fatalf("Cannot configure tokens: %v", err)
	}

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg.Server),
		server.TimeoutHandler(10*time.Second, `{"success":false,"error":"Request timed out"}`),
	}

	if cfg.Tracing.Endpoint != "" {
		shutdownTracing, err := initTracing(ctx, cfg.Tracing)
		if err != nil {
			sugar.Fatalf("Cannot set up tracing: %v", err)
		}
		serverOpts = append(serverOpts,
			server.WithTracing("http.server"),
			server.RegisterAfterShutdown(func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(shutdownCtx); err != nil {
					sugar.Errorf("Tracer provider shutdown: %v", err)
				}
			}),
		)
		sugar.Infof("Exporting traces to %s", cfg.Tracing.Endpoint)
	}

	authOpts := []auth.Option{auth.HashCost(cfg.BcryptCost)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			sugar.Fatalf("Cannot reach redis at %s: %v", cfg.RedisAddr, err)
		}
		authOpts = append(authOpts, auth.WithRevoker(auth.NewRedisRevoker(rdb)))
		serverOpts = append(serverOpts, server.RegisterAfterShutdown(func() {
			if err := rdb.Close(); err != nil {
				sugar.Errorf("rdb.Close: %v", err)
			}
		}))
		sugar.Infof("Token revocations are kept in redis at %s", cfg.RedisAddr)
	}

	authService, err := auth.NewService(sugar, store, tokens, authOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create auth service: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serverOpts = append(serverOpts, server.WithMetrics(reg))

	hubOpts := []chat.HubOption{chat.WithMetrics(chat.NewMetrics(reg))}
	if len(cfg.KafkaBrokers) > 0 {
		hubOpts = append(hubOpts, chat.WithExporter(chat.NewKafkaExporter(sugar, cfg.KafkaBrokers, cfg.KafkaTopic)))
		sugar.Infof("Exporting messages to kafka topic %q", cfg.KafkaTopic)
	}
	hub := chat.NewHub(sugar, store, hubOpts...)

	serverOpts = append(serverOpts, server.RegisterAfterShutdown(func() {
		sugar.Info("Closing store")
		store.Close()
		sugar.Info("Store is closed")
	}))

	srv, err := server.NewServer(sugar, authService, chat.NewHistory(store, cfg.HistoryLimit, chat.MaxHistoryLimit), hub, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(ctx); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
