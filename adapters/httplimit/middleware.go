package httplimit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BodyLimit 限制請求內容的大小
// Content-Length 已知且超過限制時直接回應 413，否則在讀取時回傳 ReachLimitError
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    "BODY_TOO_LARGE",
				"message": (&ReachLimitError{MaxBytes: maxBytes}).Error(),
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = NewMaxSizeReadCloser(c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
