// 通知サービスのエントリポイント。
// 注文ライフサイクルイベントを取り込んでスタッフ向け通知を保存し、
// 変更をWebSocketの購読者へ無効化シグナルとして配信する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/dealerhub/internal/broadcast"
	"github.com/nao1215/dealerhub/internal/database"
	"github.com/nao1215/dealerhub/internal/ingest"
	"github.com/nao1215/dealerhub/internal/server"
	"github.com/nao1215/dealerhub/pkg/config"
	"github.com/nao1215/dealerhub/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("通知サービスが異常終了しました")
	}
}

func run() error {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenAndMigrate(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("データベースの初期化に失敗: %w", err)
	}
	defer db.Close()

	g, gctx := errgroup.WithContext(ctx)

	hub := broadcast.NewHub()
	var publisher broadcast.Publisher = hub
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()

		relay := broadcast.NewRelay(rdb, hub)
		publisher = relay
		g.Go(func() error { return relay.Run(gctx) })
	} else {
		log.Info("REDIS_ADDRが未設定のため、シグナルはこのインスタンス内でのみ配信します")
	}

	srv := server.NewServer(cfg, db, hub, publisher)

	if cfg.AMQPURI != "" {
		consumer := ingest.NewConsumer(ingest.AMQPSettings{
			URI:          cfg.AMQPURI,
			ExchangeName: cfg.AMQPExchange,
			QueueName:    cfg.AMQPQueue,
		}, srv.Processor())
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		log.Info("AMQP_URIが未設定のため、イベントはHTTP経由でのみ受け付けます")
	}

	g.Go(func() error { return srv.Run(gctx) })

	return g.Wait()
}
