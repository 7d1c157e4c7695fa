package main

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/cache"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/notify"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/oplog"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/sem"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/session"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/store"
	"github.com/chandan-droid/fluvio-collab-backend/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers     []string `mapstructure:"brokers"`
		TopicPrefix string   `mapstructure:"topicPrefix"`
	} `mapstructure:"Kafka"`
	Session struct {
		DocKind         string `mapstructure:"docKind"`
		WindowSize      int    `mapstructure:"windowSize"`
		IdleTimeoutSec  int    `mapstructure:"idleTimeoutSec"`
		CheckpointEvery int    `mapstructure:"checkpointEvery"`
	} `mapstructure:"Session"`
	Webhook struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"Webhook"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// Works whether the binary starts from the repo root or from backend/.
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildBridge(cfg *CollabConfig) (oplog.Bridge, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		zap.S().Warn("no kafka brokers configured, using in-process log")
		return oplog.NewMemoryBridge(), nil
	}
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, oplog.ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumer(cfg.Kafka.Brokers, oplog.ConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	admin, err := sarama.NewClusterAdmin(cfg.Kafka.Brokers, sarama.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka admin: %w", err)
	}
	return oplog.NewKafkaBridge(producer, consumer, admin, cfg.Kafka.TopicPrefix), nil
}

func buildCheckpointStore(cfg *CollabConfig) (store.CheckpointStore, error) {
	if cfg.Mysql.DSN == "" {
		zap.S().Warn("no mysql dsn configured, checkpoints held in memory")
		return store.NewMemoryStore(), nil
	}
	db, err := store.OpenMySQL(cfg.Mysql.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: %w", err)
	}
	return store.NewMySQLStore(db), nil
}

func buildPresence(cfg *CollabConfig) (cache.PresenceCache, error) {
	if len(cfg.Redis.Addrs) == 0 {
		zap.S().Warn("no redis configured, presence disabled")
		return cache.NewNoopPresence(), nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return cache.NewRedisPresence(rdb), nil
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := initConfig()
	if err != nil {
		zap.S().Fatalf("init config failed: %v", err)
	}

	bridge, err := buildBridge(cfg)
	if err != nil {
		zap.S().Fatalf("log bridge: %v", err)
	}
	ckpts, err := buildCheckpointStore(cfg)
	if err != nil {
		zap.S().Fatalf("checkpoint store: %v", err)
	}
	presence, err := buildPresence(cfg)
	if err != nil {
		zap.S().Fatalf("presence cache: %v", err)
	}

	dispatcher := store.NewCheckpointDispatcher(ckpts, sem.New(16), store.CheckpointDispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})
	webhook := notify.NewWebhook(cfg.Webhook.URL)

	registry := session.NewRegistry(bridge, ckpts, dispatcher, webhook, session.Config{
		DocKind:         cfg.Session.DocKind,
		WindowSize:      cfg.Session.WindowSize,
		IdleTimeout:     time.Duration(cfg.Session.IdleTimeoutSec) * time.Second,
		CheckpointEvery: cfg.Session.CheckpointEvery,
	})

	hub := ws.NewHub()
	manager := ws.NewManager(hub, registry, presence, sem.New(100))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(zap.L(), true))

	collab := r.Group("/collab")
	collab.GET("/ws", manager.WebSocketConnect)
	collab.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	port := cfg.Running.Port
	zap.S().Infof("collab backend listening on :%d", port)
	if err := r.Run(fmt.Sprintf(":%d", port)); err != nil {
		zap.S().Fatalf("server stopped: %v", err)
	}
}
