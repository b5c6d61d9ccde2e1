package notification

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/internal/broadcast"
	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/logging"
	"github.com/nao1215/dealerhub/pkg/middleware"
)

// keyParam はスコープまたは通知IDを受け取るパスパラメータ名。
// /notifications/:key と /notifications/:key/read が同じ位置のワイルドカードを共有するため1つの名前にする。
const keyParam = "key"

// Handler は通知フィードと既読管理のHTTPハンドラ。
type Handler struct {
	store     *Store
	publisher broadcast.Publisher
	log       *log.Entry
}

// NewHandler は新しいHandlerを生成する。
// 変更を伴う操作が成功するとpublisherに無効化シグナルを発行する。
func NewHandler(store *Store, publisher broadcast.Publisher) *Handler {
	return &Handler{
		store:     store,
		publisher: publisher,
		log:       logging.Component("notification"),
	}
}

// Register は通知APIのルートを登録する。
// rgには認証ミドルウェアが適用済みであること。
func (h *Handler) Register(rg *gin.RouterGroup) {
	notifications := rg.Group("/notifications")
	{
		// スコープのフィード取得
		notifications.GET("/:"+keyParam, middleware.RequireScope(keyParam), h.handleFeed())
		// スコープの未読件数取得
		notifications.GET("/:"+keyParam+"/unread-count", middleware.RequireScope(keyParam), h.handleUnreadCount())
		// スコープの全通知を既読にする
		notifications.PUT("/:"+keyParam+"/read-all", middleware.RequireScope(keyParam), h.handleMarkAllRead())
		// 通知を既読にする
		notifications.PUT("/:"+keyParam+"/read", h.handleMarkRead())
		// 通知を削除する
		notifications.DELETE("/:"+keyParam, h.handleDelete())
	}
}

// feedQuery はフィード取得のクエリパラメータ。
type feedQuery struct {
	// Page は1始まりのページ番号。Cursorが指定された場合は無視する。
	Page int `form:"page" binding:"omitempty,min=1"`
	// Size はページサイズ。
	Size int `form:"size" binding:"omitempty,min=1,max=100"`
	// Cursor は前ページのnext_cursor。
	Cursor string `form:"cursor"`
}

// feedResponse はフィードのJSONレスポンス構造。
type feedResponse struct {
	// Items はページ内の通知。新しい順。
	Items []Record `json:"items"`
	// HasMore は次のページが存在するかどうか。
	HasMore bool `json:"has_more"`
	// NextCursor は次のページを取得するカーソル。
	NextCursor string `json:"next_cursor,omitempty"`
	// Page はページ番号指定で取得した場合のページ番号。
	Page int `json:"page,omitempty"`
	// Size はページサイズ。
	Size int `json:"size"`
}

// handleFeed はスコープの通知を新しい順に返すハンドラ。
func (h *Handler) handleFeed() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.Param(keyParam)

		var q feedQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page/sizeの指定が不正です"})
			return
		}
		size := normalizeSize(q.Size)

		var (
			page Page
			err  error
		)
		resp := feedResponse{Size: size}
		if q.Cursor != "" {
			cursor, perr := ParseCursor(q.Cursor)
			if perr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "cursorの形式が不正です"})
				return
			}
			page, err = h.store.Page(c.Request.Context(), scope, cursor, size)
		} else {
			resp.Page = max(q.Page, 1)
			page, err = h.store.PageAt(c.Request.Context(), scope, resp.Page, size)
		}
		if err != nil {
			apperr.Respond(c, err, "通知一覧の取得に失敗しました")
			return
		}

		resp.Items = page.Items
		resp.HasMore = page.HasMore
		resp.NextCursor = page.Next.Encode()
		c.JSON(http.StatusOK, resp)
	}
}

// handleUnreadCount はスコープの未読件数を返すハンドラ。
func (h *Handler) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.Param(keyParam)

		n, err := h.store.UnreadCount(c.Request.Context(), scope)
		if err != nil {
			apperr.Respond(c, err, "未読件数の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, gin.H{"scope": scope, "unread_count": n})
	}
}

// handleMarkRead は通知を既読にするハンドラ。既読済みでも成功を返す。
func (h *Handler) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(keyParam)
		if !h.authorize(c, id) {
			return
		}

		rec, changed, err := h.store.MarkRead(c.Request.Context(), id)
		if err != nil {
			apperr.Respond(c, err, notFoundOr(err, "通知の既読処理に失敗しました"))
			return
		}

		if changed {
			h.publisher.Publish(c.Request.Context(), broadcast.Invalidate(rec.Scope, broadcast.ReasonRead, nil))
		}
		c.JSON(http.StatusOK, gin.H{
			"message":      "通知を既読にしました",
			"notification": rec,
		})
	}
}

// handleMarkAllRead はスコープの全通知を既読にするハンドラ。
func (h *Handler) handleMarkAllRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.Param(keyParam)

		n, err := h.store.MarkAllRead(c.Request.Context(), scope)
		if err != nil {
			apperr.Respond(c, err, "全通知の既読処理に失敗しました")
			return
		}

		if n > 0 {
			h.publisher.Publish(c.Request.Context(), broadcast.Invalidate(scope, broadcast.ReasonReadAll, nil))
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": n})
	}
}

// handleDelete は通知を削除するハンドラ。
func (h *Handler) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(keyParam)
		if !h.authorize(c, id) {
			return
		}

		rec, err := h.store.Delete(c.Request.Context(), id)
		if err != nil {
			apperr.Respond(c, err, notFoundOr(err, "通知の削除に失敗しました"))
			return
		}

		h.publisher.Publish(c.Request.Context(), broadcast.Invalidate(rec.Scope, broadcast.ReasonDeleted, nil))
		c.JSON(http.StatusOK, gin.H{"message": "通知を削除しました", "id": rec.ID})
	}
}

// authorize は通知のスコープがトークンのスコープと一致するかを確認する。
// 一致しない場合や通知が存在しない場合はレスポンスを書き込みfalseを返す。
func (h *Handler) authorize(c *gin.Context, id string) bool {
	tokenScope := middleware.GetScope(c)
	if tokenScope == "" {
		return true
	}

	rec, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, err, notFoundOr(err, "通知の取得に失敗しました"))
		return false
	}
	if rec.Scope != tokenScope {
		c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
		return false
	}
	return true
}

// notFoundOr はNotFoundの場合に利用者向けのメッセージを返す。
func notFoundOr(err error, fallback string) string {
	if errors.Is(err, apperr.ErrNotFound) {
		return "通知が見つかりません"
	}
	return fallback
}
