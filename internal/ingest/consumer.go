package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/nao1215/dealerhub/pkg/event"
	"github.com/nao1215/dealerhub/pkg/logging"
)

// RoutingKey は注文ライフサイクルイベントを受信するルーティングキー。
const RoutingKey = "orders.#"

// AMQPSettings はAMQPブローカーへの接続設定。
type AMQPSettings struct {
	// URI はブローカーのURI。
	URI string
	// ExchangeName は注文イベントが発行されるトピックエクスチェンジ名。
	ExchangeName string
	// QueueName は通知サービスが使用する永続キュー名。
	QueueName string
	// Prefetch は未確認で受け取るメッセージ数の上限。
	Prefetch int
}

// Consumer はAMQPから注文イベントを受信してProcessorに渡す。
// 接続が切れた場合は指数バックオフで再接続する。
type Consumer struct {
	settings  AMQPSettings
	processor *Processor
	log       *log.Entry

	// initialInterval とmaxInterval は再接続の待機間隔。
	initialInterval time.Duration
	maxInterval     time.Duration
	// consumeFn は1回の接続での受信。受信を開始できたらonReadyを呼ぶ。
	consumeFn func(ctx context.Context, onReady func()) error
	// onRetry は再接続の待機前に呼ばれる。
	onRetry func(err error, next time.Duration)
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(settings AMQPSettings, processor *Processor) *Consumer {
	if settings.Prefetch <= 0 {
		settings.Prefetch = 16
	}
	c := &Consumer{
		settings:        settings,
		processor:       processor,
		log:             logging.Component("ingest.amqp"),
		initialInterval: backoff.DefaultInitialInterval,
		maxInterval:     30 * time.Second,
	}
	c.consumeFn = c.consume
	c.onRetry = func(err error, next time.Duration) {
		c.log.WithError(err).Warnf("AMQP接続が切断されました。%s後に再接続します", next)
	}
	return c
}

// Run はctxがキャンセルされるまでイベントを受信し続ける。
// 受信を開始できた接続が後で切れた場合、待機間隔は初期値からやり直す。
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(c.initialInterval, c.maxInterval)
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := c.consumeFn(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), c.onRetry)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume は1回の接続でメッセージを受信する。接続が切れるとエラーを返す。
// キューの準備ができて受信を開始したらonReadyを呼ぶ。
func (c *Consumer) consume(ctx context.Context, onReady func()) error {
	conn, err := amqp.Dial(c.settings.URI)
	if err != nil {
		return fmt.Errorf("AMQP接続に失敗: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("AMQPチャネルの作成に失敗: %w", err)
	}
	defer ch.Close()

	deliveries, err := c.setup(ch)
	if err != nil {
		return err
	}
	onReady()
	c.log.WithFields(log.Fields{
		"exchange": c.settings.ExchangeName,
		"queue":    c.settings.QueueName,
	}).Info("注文イベントの受信を開始しました")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("AMQP接続が閉じられました")
			}
			return fmt.Errorf("AMQP接続が閉じられました: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("AMQPの配信チャネルが閉じられました")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// setup はエクスチェンジとキューを宣言してバインドし、配信の受信を開始する。
func (c *Consumer) setup(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(c.settings.ExchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("エクスチェンジの宣言に失敗: %w", err)
	}
	q, err := ch.QueueDeclare(c.settings.QueueName, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("キューの宣言に失敗: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey, c.settings.ExchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("キューのバインドに失敗: %w", err)
	}
	if err := ch.Qos(c.settings.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("プリフェッチの設定に失敗: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("受信の開始に失敗: %w", err)
	}
	return deliveries, nil
}

// handleDelivery は1件の配信を処理して確認応答する。
// 回復可能なエラーは再キューし、回復不能なエラーは破棄する。
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	entry := c.log.WithFields(log.Fields{
		"routing_key":  d.RoutingKey,
		"delivery_tag": d.DeliveryTag,
	})

	err := c.process(ctx, d)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			entry.WithError(ackErr).Error("確認応答に失敗しました")
		}
	case IsRecoverable(err):
		entry.WithError(err).Warn("イベントの処理に失敗したため再キューします")
		if nackErr := d.Nack(false, true); nackErr != nil {
			entry.WithError(nackErr).Error("否定応答に失敗しました")
		}
	default:
		entry.WithError(err).Error("処理できないイベントを破棄します")
		if nackErr := d.Nack(false, false); nackErr != nil {
			entry.WithError(nackErr).Error("否定応答に失敗しました")
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) error {
	e, err := event.Parse(d.Body)
	if err != nil {
		return NewUnrecoverableError(err, "メッセージ本文を解析できません: %v", err)
	}
	_, err = c.processor.Process(ctx, e)
	return err
}
