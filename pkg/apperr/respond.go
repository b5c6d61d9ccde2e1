package apperr

import (
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Respond はエラーを分類に応じたステータスコードで {"error": message} として返す。
// 5xxになるエラーのみ原因をログに出力する。
func Respond(c *gin.Context, err error, message string) {
	status := HTTPStatus(err)
	if status >= 500 {
		log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).WithError(err).Error(message)
	}
	c.JSON(status, gin.H{"error": message})
}
