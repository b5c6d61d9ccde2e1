package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/pkg/logging"
)

// channelPrefix はシグナルを中継するRedisチャネル名の接頭辞。
// チャネル名は "notifications:<scope>" になる。
const channelPrefix = "notifications:"

// Relay はRedis Pub/Subを介して複数インスタンスのHubにシグナルを中継する。
// Publishしたシグナルは自インスタンスも含め、購読中の全インスタンスのHubに届く。
// 購読できていない間は自インスタンスのHubに直接配る。
type Relay struct {
	rdb        *redis.Client
	hub        *Hub
	ready      chan struct{}
	readyOnce  sync.Once
	subscribed atomic.Bool
	log        *log.Entry

	// initialInterval とmaxInterval は再購読の待機間隔。
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewRelay はRedis中継を生成する。
func NewRelay(rdb *redis.Client, hub *Hub) *Relay {
	return &Relay{
		rdb:             rdb,
		hub:             hub,
		ready:           make(chan struct{}),
		log:             logging.Component("broadcast-relay"),
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
	}
}

// ChannelFor はスコープに対応するRedisチャネル名を返す。
func ChannelFor(scope string) string {
	return channelPrefix + scope
}

// Publish はシグナルをRedisに発行する。
// 購読できていない間は自インスタンスへ戻ってこないため、先に自インスタンスのHubに配る。
// Redisへの発行に失敗した場合も自インスタンスのHubにだけ配る。
func (r *Relay) Publish(ctx context.Context, sig Signal) {
	payload, err := json.Marshal(sig)
	if err != nil {
		r.log.WithError(err).Error("シグナルのシリアライズに失敗しました")
		return
	}

	local := !r.subscribed.Load()
	if local {
		r.hub.deliver(sig.Scope, sig.Reason, payload)
	}
	if err := r.rdb.Publish(ctx, ChannelFor(sig.Scope), payload).Err(); err != nil {
		relayErrors.Inc()
		r.log.WithError(err).WithField("scope", sig.Scope).Warn("Redisへの発行に失敗したためローカルにのみ配信します")
		if !local {
			r.hub.deliver(sig.Scope, sig.Reason, payload)
		}
	}
}

// Ready は最初の購読の確立後にクローズされるチャネルを返す。
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run は全スコープのチャネルを購読し、受信したシグナルをHubに配る。
// Redisに接続できない場合は指数バックオフで購読をやり直し、その間はPublishがローカルに配る。
// ctxがキャンセルされるまでブロックする。
func (r *Relay) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(r.initialInterval, r.maxInterval)
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := r.subscribe(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		r.log.WithError(err).Warnf("Redisチャネルを購読できません。%s後に再試行し、それまではローカルにのみ配信します", next)
	})
	if ctx.Err() != nil {
		r.log.Info("Redis中継を停止します")
		return nil
	}
	return err
}

// subscribe は1回の購読で受信したシグナルをHubに配る。購読が確立したらonReadyを呼ぶ。
func (r *Relay) subscribe(ctx context.Context, onReady func()) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("Redisチャネルの購読に失敗: %w", err)
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	onReady()
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.WithField("pattern", channelPrefix+"*").Info("Redisチャネルを購読しました")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("Redisの購読チャネルがクローズされました")
			}
			r.handleMessage(msg)
		}
	}
}

// handleMessage はRedisから受信したメッセージをHubに配る。
func (r *Relay) handleMessage(msg *redis.Message) {
	sig, err := decodeSignal([]byte(msg.Payload))
	if err != nil {
		relayErrors.Inc()
		r.log.WithError(err).Warn("中継シグナルのデコードに失敗しました")
		return
	}
	if sig.Scope == "" {
		sig.Scope = strings.TrimPrefix(msg.Channel, channelPrefix)
	}
	r.hub.Publish(context.Background(), sig)
}
