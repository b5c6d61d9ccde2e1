package dispute

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/middleware"
)

// statusTag は紛争解決の遷移先を検証するバリデーションタグ。
const statusTag = "dispute_status"

var registerOnce sync.Once

// RegisterValidators はginのバインディングエンジンにdispute_statusタグを登録する。
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation(statusTag, func(fl validator.FieldLevel) bool {
			return IsResolutionTarget(Status(fl.Field().String()))
		})
	})
}

// Handler は紛争解決のHTTPハンドラ。
type Handler struct {
	service *Service
}

// NewHandler は新しいHandlerを生成する。
func NewHandler(service *Service) *Handler {
	RegisterValidators()
	return &Handler{service: service}
}

// Register は紛争解決APIのルートを登録する。
func (h *Handler) Register(rg *gin.RouterGroup) {
	orders := rg.Group("/orders")
	{
		// 紛争解決
		orders.PUT("/:orderId/resolve-dispute", h.handleResolve())
		// 紛争ビュー取得
		orders.GET("/:orderId/dispute", h.handleGet())
	}
}

// resolveRequest は紛争解決のリクエストボディ。
type resolveRequest struct {
	NewStatus string `json:"new_status" binding:"required,dispute_status"`
	Notes     string `json:"notes" binding:"max=2000"`
}

// handleResolve は紛争中の注文を解決するハンドラ。
func (h *Handler) handleResolve() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "new_statusはInTransit, Delivered, ReturnedToCentralのいずれかを指定してください",
			})
			return
		}

		result, err := h.service.Resolve(c.Request.Context(), ResolveRequest{
			OrderID:    c.Param("orderId"),
			NewStatus:  Status(req.NewStatus),
			Notes:      req.Notes,
			ResolvedBy: middleware.GetUserID(c),
		})
		if err != nil {
			apperr.Respond(c, err, resolveErrorMessage(err))
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// handleGet は注文の紛争ビューを返すハンドラ。
func (h *Handler) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		dc, err := h.service.Repository().Get(c.Request.Context(), c.Param("orderId"))
		if err != nil {
			apperr.Respond(c, err, resolveErrorMessage(err))
			return
		}
		c.JSON(http.StatusOK, dc)
	}
}

func resolveErrorMessage(err error) string {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return "注文が見つかりません"
	case errors.Is(err, apperr.ErrNotDisputed):
		return "注文は紛争中ではありません"
	case errors.Is(err, apperr.ErrInvalidTransition):
		return "指定された遷移先には変更できません"
	default:
		return "紛争の解決に失敗しました"
	}
}
