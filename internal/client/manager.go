package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/logging"
)

// Options はManagerの設定。
type Options struct {
	// ServerURL は通知サービスのベースURL（例: "http://localhost:8086"）。
	ServerURL string
	// Token はスタッフ用JWT。
	Token string
	// PollInterval は未読件数を定期取得する間隔。
	PollInterval time.Duration
	// MaxBackoff は再接続の待機時間の上限。
	MaxBackoff time.Duration
	// DegradeAfter は切断がこの時間を超えて続いた場合にDegradedを立てる。
	DegradeAfter time.Duration
	// ReadTimeout はサーバーからのフレーム（pingを含む）を待つ時間。
	ReadTimeout time.Duration
	// Dialer はWebSocket接続に使うDialer。nilの場合はwebsocket.DefaultDialer。
	Dialer *websocket.Dialer
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DegradeAfter <= 0 {
		o.DegradeAfter = 2 * time.Minute
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Manager はプッシュ接続のライフサイクルを管理する。
// 接続が切れると指数バックオフで再接続し、その間もPollerによるポーリングを続ける。
type Manager struct {
	engine *Engine
	poller *Poller
	opts   Options
	wsURL  string
	header http.Header
	log    *log.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager は新しいManagerを生成する。
func NewManager(engine *Engine, opts Options) (*Manager, error) {
	opts.applyDefaults()

	wsURL, err := websocketURL(opts.ServerURL, engine.Scope())
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	return &Manager{
		engine: engine,
		poller: NewPoller(engine, opts.PollInterval),
		opts:   opts,
		wsURL:  wsURL,
		header: header,
		log:    logging.Component("client.conn").WithField("scope", engine.Scope()),
	}, nil
}

// Start は接続と再取得のゴルーチンを開始する。既に開始している場合はエラーを返す。
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return errors.New("接続マネージャーは既に開始しています")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.poller.Run(gctx) })
	g.Go(func() error { return m.connectLoop(gctx) })

	done := m.done
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			m.log.WithError(err).Error("接続マネージャーが停止しました")
		}
	}()
	return nil
}

// Stop は接続を閉じてゴルーチンの終了を待つ。開始していない場合は何もしない。
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.engine.OnDisconnect()
}

// Focus は画面が前面に戻ったことを通知する。
func (m *Manager) Focus() {
	m.poller.Focus()
}

// connectLoop はctxがキャンセルされるまで接続と再接続を繰り返す。
func (m *Manager) connectLoop(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(500*time.Millisecond, m.opts.MaxBackoff)
	b.MaxInterval = m.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var downSince time.Time
	for {
		err := m.session(ctx, func() {
			b.Reset()
			downSince = time.Time{}
			m.engine.SetDegraded(false)
		})
		if ctx.Err() != nil {
			return nil
		}
		m.engine.OnDisconnect()

		if downSince.IsZero() {
			downSince = time.Now()
		}
		if time.Since(downSince) >= m.opts.DegradeAfter {
			m.engine.SetDegraded(true)
		}

		wait := b.NextBackOff()
		m.log.WithError(err).Warnf("通知の受信が切断されました。%s後に再接続します", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session は1回の接続でシグナルを受信する。接続が切れるとapperr.ErrTransportLostを返す。
func (m *Manager) session(ctx context.Context, onConnected func()) error {
	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.wsURL, m.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: 接続に失敗 (status=%d): %v", apperr.ErrTransportLost, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: 接続に失敗: %v", apperr.ErrTransportLost, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	onConnected()
	m.engine.OnConnect()
	m.log.Info("通知の受信を開始しました")

	readTimeout := m.opts.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return fmt.Errorf("%w: %v", apperr.ErrTransportLost, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		m.engine.OnSignal()
	}
}

// websocketURL はサーバーのベースURLからスコープの購読URLを組み立てる。
func websocketURL(serverURL, scope string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("サーバーURLが不正です: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("サポートされていないスキームです: %q", u.Scheme)
	}
	base := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/ws/" + scope
	u.RawPath = base + "/api/v1/ws/" + url.PathEscape(scope)
	u.RawQuery = ""
	return u.String(), nil
}
