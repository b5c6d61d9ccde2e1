package broadcast

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/pkg/logging"
	"github.com/nao1215/dealerhub/pkg/middleware"
)

// writeWait はWebSocketへの1回の書き込みに許す時間。
const writeWait = 10 * time.Second

// Handler はスコープのトピックをWebSocketで購読させるHTTPハンドラ。
type Handler struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	queueSize int
	log       *log.Entry
}

// NewHandler はWebSocket購読ハンドラを生成する。
// heartbeatごとにpingを送り、2倍の時間pongが無い接続は切断する。
// allowedOriginsが空の場合はOriginを検査しない。
func NewHandler(hub *Hub, heartbeat time.Duration, allowedOrigins []string) *Handler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}

	return &Handler{
		hub:       hub,
		heartbeat: heartbeat,
		queueSize: DefaultQueueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if len(origins) == 0 || origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		log: logging.Component("broadcast"),
	}
}

// Register はWebSocket購読のルートを登録する。
// rgには認証ミドルウェアが適用済みであること。
func (h *Handler) Register(rg *gin.RouterGroup) {
	// スコープのトピックを購読する
	rg.GET("/ws/:scope", middleware.RequireScope("scope"), h.handleSubscribe())
}

// handleSubscribe はWebSocketへアップグレードし、スコープのシグナルを転送するハンドラ。
func (h *Handler) handleSubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.Param("scope")

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgraderがエラーレスポンスを書き込み済み
			h.log.WithError(err).Warn("WebSocketへのアップグレードに失敗しました")
			return
		}

		sub := h.hub.Subscribe(scope, h.queueSize)
		entry := h.log.WithFields(log.Fields{"scope": scope, "user_id": middleware.GetUserID(c)})
		entry.Info("WebSocket接続を開始しました")

		done := make(chan struct{})
		go h.readPump(conn, sub, done)
		h.writePump(conn, sub, done)
		entry.Info("WebSocket接続を終了しました")
	}
}

// readPump はクライアントからのフレームを読み捨て、pongで読み取り期限を延長する。
// 読み取りに失敗したら購読を解除する。
func (h *Handler) readPump(conn *websocket.Conn, sub *Subscription, done chan<- struct{}) {
	defer func() {
		sub.Close()
		close(done)
	}()

	pongWait := 2 * h.heartbeat
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("WebSocketの読み取りを終了しました")
			}
			return
		}
	}
}

// writePump は購読チャネルのシグナルを書き込み、定期的にpingを送る。
func (h *Handler) writePump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
