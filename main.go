package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ChatRelay/api"
	"ChatRelay/config"
	"ChatRelay/logger"
	"ChatRelay/service/chat"
	"ChatRelay/service/sink"
	"ChatRelay/service/storage"
	"ChatRelay/store"
	"ChatRelay/store/memory"
	storemongo "ChatRelay/store/mongo"
	storepg "ChatRelay/store/pg"
	"ChatRelay/tools/ids"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Configure(cfg.Server.LogLevel)
	ids.SetNodeID(cfg.Server.NodeID)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}

	var mirror *storage.Redis
	if cfg.Redis.Enabled {
		mirror, err = storage.NewRedis(ctx, storage.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Errorf("connect redis: %v", err)
			os.Exit(1)
		}
		defer mirror.Close()
	}

	snk, err := openSink(cfg.Sink)
	if err != nil {
		logger.Errorf("open sink: %v", err)
		os.Exit(1)
	}
	defer snk.Close()

	var m chat.Mirror
	if mirror != nil {
		m = mirror
	}
	srv := chat.NewServer(cfg, st, snk, m)
	defer srv.Close()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.New(srv, mirror).Mount(engine)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}
	go func() {
		logger.Infof("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Infof("using in-memory store")
		return memory.New(), nil
	case "mongo":
		return storemongo.Dial(ctx, storemongo.Config{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
		})
	case "postgres":
		return storepg.Dial(ctx, cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openSink(cfg config.SinkConfig) (sink.Sink, error) {
	switch cfg.Driver {
	case "", "none":
		return sink.Noop{}, nil
	case "kafka":
		return sink.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	case "nats":
		return sink.NewNats(cfg.Nats.URL, cfg.Nats.Subject)
	default:
		return nil, fmt.Errorf("unknown sink driver %q", cfg.Driver)
	}
}
