package ingest

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/dealerhub/pkg/event"
)

// Handler はHTTP経由のイベント受信ハンドラ。AMQPを使わない構成や動作確認で使う。
type Handler struct {
	processor *Processor
}

// NewHandler は新しいHandlerを生成する。
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// Register はイベント受信のルートを登録する。
func (h *Handler) Register(rg *gin.RouterGroup) {
	// イベント受信（内部API - 商取引サブシステムからのイベント通知）
	rg.POST("/internal/events", h.handleEvent())
}

// handleEvent はイベントを取り込むハンドラ。
// 新規の場合は201、取り込み済みの場合は200を返す。
func (h *Handler) handleEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディを読み取れません"})
			return
		}

		e, err := event.Parse(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "イベントの形式が不正です: " + err.Error()})
			return
		}

		out, err := h.processor.Process(c.Request.Context(), e)
		if err != nil {
			if IsRecoverable(err) {
				h.processor.log.WithError(err).Error("イベントの取り込みに失敗しました")
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "イベントの取り込みに失敗しました。再送してください"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if out.Duplicate {
			c.JSON(http.StatusOK, gin.H{"message": "取り込み済みのイベントです", "id": out.Record.ID})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": "イベントを取り込みました", "notification": out.Record})
	}
}
