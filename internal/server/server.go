// Package server は通知サービスのHTTPサーバーを組み立てる。
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/internal/broadcast"
	"github.com/nao1215/dealerhub/internal/dispute"
	"github.com/nao1215/dealerhub/internal/ingest"
	"github.com/nao1215/dealerhub/internal/notification"
	"github.com/nao1215/dealerhub/pkg/config"
	"github.com/nao1215/dealerhub/pkg/logging"
	"github.com/nao1215/dealerhub/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンで処理中のリクエストを待つ時間。
const shutdownTimeout = 10 * time.Second

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス設定。
	cfg config.Config
	// db は通知と紛争ビューを保存するデータベース。
	db *sqlx.DB
	// processor はHTTP経由のイベント取り込みに使う。
	processor *ingest.Processor
	log       *log.Entry
}

// NewServer は新しい通知サーバーを生成する。
// 変更系の操作はpublisherに無効化シグナルを発行し、WebSocketの購読はhubから配信する。
func NewServer(cfg config.Config, db *sqlx.DB, hub *broadcast.Hub, publisher broadcast.Publisher) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))

	store := notification.NewStore(db)
	disputes := dispute.NewService(db, store, publisher, cfg.DefaultScope)
	processor := ingest.NewProcessor(db, store, publisher, cfg.DefaultScope)

	s := &Server{
		router:    router,
		cfg:       cfg,
		db:        db,
		processor: processor,
		log:       logging.Component("server"),
	}
	s.setupRoutes(
		notification.NewHandler(store, publisher),
		dispute.NewHandler(disputes),
		broadcast.NewHandler(hub, cfg.HeartbeatInterval, []string{cfg.FrontendURL}),
		ingest.NewHandler(processor),
	)
	return s
}

// Processor はAMQP購読と共有するイベント取り込み処理を返す。
func (s *Server) Processor() *ingest.Processor {
	return s.processor
}

// Handler はルーティング済みのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// routeRegistrar はAPIグループにルートを登録するハンドラ。
type routeRegistrar interface {
	Register(rg *gin.RouterGroup)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(handlers ...routeRegistrar) {
	// 開発用の認証エンドポイント
	if s.cfg.IsDevelopment() {
		auth := s.router.Group("/auth")
		{
			auth.POST("/dev-token", s.handleDevToken())
		}
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	for _, h := range handlers {
		h.Register(api)
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	// Prometheusメトリクス
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// handleHealth はデータベースへの疎通を含めたヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := s.db.PingContext(ctx); err != nil {
			s.log.WithError(err).Error("データベースに接続できません")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "notification"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	}
}

// devTokenRequest は開発用トークン発行のリクエストボディ。
type devTokenRequest struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// 開発環境でのみ登録される。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
				return
			}
		}
		if req.UserID == "" {
			req.UserID = "dev-" + uuid.New().String()
		}
		if req.Scope == "" {
			req.Scope = s.cfg.DefaultScope
		}

		token, err := middleware.GenerateJWT(s.cfg.JWTSecret, req.UserID, req.Scope)
		if err != nil {
			s.log.WithError(err).Error("JWT生成に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": req.UserID,
			"scope":   req.Scope,
		})
	}
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("通知サービスを起動します: %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("通知サービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}
