package client

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/logging"
)

// fetchTimeout は1回の取得に許す時間。
const fetchTimeout = 15 * time.Second

// DefaultPollInterval は未読件数を定期取得する既定の間隔。
const DefaultPollInterval = time.Minute

// Poller はEngineの再取得を駆動する。
// 無効化されたときの再取得に加えて、プッシュとは独立に未読件数を定期的に取得する。
type Poller struct {
	engine   *Engine
	interval time.Duration
	focusCh  chan struct{}
	log      *log.Entry
}

// NewPoller は新しいPollerを生成する。intervalが0以下の場合はDefaultPollIntervalを使う。
func NewPoller(engine *Engine, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		engine:   engine,
		interval: interval,
		focusCh:  make(chan struct{}, 1),
		log:      logging.Component("client.poller").WithField("scope", engine.Scope()),
	}
}

// Focus は画面が前面に戻ったことを通知し、すぐに再取得させる。
func (p *Poller) Focus() {
	select {
	case p.focusCh <- struct{}{}:
	default:
		// 再取得待ちが既にある
	}
}

// Run はctxがキャンセルされるまで再取得を続ける。
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.engine.Invalidated():
			p.refresh(ctx)
		case <-p.focusCh:
			p.refresh(ctx)
		case <-ticker.C:
			p.refreshUnread(ctx)
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	p.report(p.engine.Refresh(ctx), "通知の再取得に失敗しました")
}

func (p *Poller) refreshUnread(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	p.report(p.engine.RefreshUnread(ctx), "未読件数の取得に失敗しました")
}

// report は取得エラーを記録する。追い越された取得とキャンセルは記録しない。
func (p *Poller) report(err error, msg string) {
	switch {
	case err == nil, errors.Is(err, apperr.ErrStaleResponse), errors.Is(err, context.Canceled):
		return
	default:
		p.log.WithError(err).Warn(msg)
	}
}
