// notifywatch はスタッフ画面と同じ同期エンジンで通知フィードを監視するCLI。
// 接続状態、未読件数、先頭の通知を変化のたびに出力する。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DavidGamba/go-getoptions"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/internal/client"
	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/httpclient"
	"github.com/nao1215/dealerhub/pkg/logging"
)

// commandLineOptionValues はコマンドラインオプションの値。
type commandLineOptionValues struct {
	Server       string
	Scope        string
	Token        string
	PageSize     int
	Pages        int
	PollInterval int
	MaxBackoff   int
	DegradeAfter int
	LogLevel     string
}

func parseCommandLine() *commandLineOptionValues {
	values := &commandLineOptionValues{}
	opt := getoptions.New()

	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&values.Server, "server", "http://localhost:8086",
		opt.Alias("s"),
		opt.Description("通知サービスのベースURL"))
	opt.StringVar(&values.Scope, "scope", "staff",
		opt.Description("購読するスコープ"))
	opt.StringVar(&values.Token, "token", os.Getenv("NOTIFY_TOKEN"),
		opt.Alias("t"),
		opt.Description("スタッフ用JWT（既定は環境変数NOTIFY_TOKEN）"))
	opt.IntVar(&values.PageSize, "size", 20,
		opt.Description("1ページの件数"))
	opt.IntVar(&values.Pages, "pages", 1,
		opt.Description("読み込んでおくページ数"))
	opt.IntVar(&values.PollInterval, "poll-interval", 60,
		opt.Description("未読件数を定期取得する間隔（秒）"))
	opt.IntVar(&values.MaxBackoff, "max-backoff", 30,
		opt.Description("再接続の待機時間の上限（秒）"))
	opt.IntVar(&values.DegradeAfter, "degrade-after", 120,
		opt.Description("切断がこの秒数続いたら表示が古い可能性を警告する"))
	opt.StringVar(&values.LogLevel, "log-level", "info",
		opt.Description("ログレベル（debug, info, warn, error）"))

	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprint(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprint(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(1)
	}
	return values
}

func main() {
	values := parseCommandLine()
	logging.Setup(values.LogLevel, "text")

	if values.Token == "" {
		log.Fatal("--tokenまたは環境変数NOTIFY_TOKENでトークンを指定してください")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.NewHTTPAPI(httpclient.New(values.Server, httpclient.WithToken(values.Token)))
	engine := client.NewEngine(api, values.Scope, values.PageSize)
	manager, err := client.NewManager(engine, client.Options{
		ServerURL:    values.Server,
		Token:        values.Token,
		PollInterval: time.Duration(values.PollInterval) * time.Second,
		MaxBackoff:   time.Duration(values.MaxBackoff) * time.Second,
		DegradeAfter: time.Duration(values.DegradeAfter) * time.Second,
	})
	if err != nil {
		log.WithError(err).Fatal("接続マネージャーの初期化に失敗しました")
	}

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Fatal("接続マネージャーの開始に失敗しました")
	}
	defer manager.Stop()

	watch(ctx, engine, values.Pages*values.PageSize)
}

// watch はctxがキャンセルされるまでEngineの状態を監視し、変化があれば出力する。
// 読み込み済みの通知がwant件に満たなければ続きのページを読み込む。
func watch(ctx context.Context, engine *client.Engine, want int) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		v := engine.View()
		if v.HasMore && len(v.Items) < want {
			if err := engine.LoadMore(ctx); err != nil && !errors.Is(err, apperr.ErrStaleResponse) {
				log.WithError(err).Warn("続きのページを読み込めませんでした")
			}
		}

		latest := ""
		if len(v.Items) > 0 {
			latest = v.Items[0].Message
		}
		key := fmt.Sprintf("%s|%d|%d|%t|%s", v.State, v.Unread, len(v.Items), v.Degraded, latest)
		if key == last {
			continue
		}
		last = key

		entry := log.WithFields(log.Fields{
			"state":  v.State.String(),
			"unread": v.Unread,
			"items":  len(v.Items),
			"latest": latest,
		})
		if v.Degraded {
			entry.Warn("通知サービスに接続できていません。表示が古い可能性があります")
			continue
		}
		entry.Info("通知フィード")
	}
}
