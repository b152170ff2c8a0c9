package gateway

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/cloud-codex/cloud-codex/internal/common/errors"
	"github.com/cloud-codex/cloud-codex/internal/common/logger"
)

const ctxUserID = "gateway.user_id"

// clientUserID returns the user identity asserted by the boundary layer.
// Identity arrives as the X-User-ID header, or as the user query parameter
// for WebSocket clients that cannot set headers.
func clientUserID(c *gin.Context) string {
	if userID := c.GetHeader("X-User-ID"); userID != "" {
		return userID
	}
	return c.Query("user")
}

// Observe tags every request with a request id and the asserted user
// identity, and logs its outcome. WebSocket upgrades hold the connection
// for the life of the client, so their completion line is logged at debug
// to keep disconnects out of the access log's signal.
func Observe(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		reqLog := log.With(zap.String("request_id", requestID))
		if userID := clientUserID(c); userID != "" {
			c.Set(ctxUserID, userID)
			reqLog = reqLog.With(zap.String("user_id", userID))
		}

		c.Next()

		fields := []zap.Field{
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if isUpgrade(c.Request) {
			reqLog.Debug("websocket connection closed", fields...)
		} else {
			reqLog.Info("request completed", fields...)
		}
	}
}

// Recover converts handler panics into internal-error responses. The
// process must survive: agent subprocesses and their pending approvals
// belong to sessions, not to the request that panicked.
func Recover(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("user_id", c.GetString(ctxUserID)),
				)
				renderError(c, apperrors.New(apperrors.CodeInternal, "internal error"))
				c.Abort()
			}
		}()

		c.Next()
	}
}

// renderError writes a coded error onto the REST surface.
func renderError(c *gin.Context, err error) {
	c.JSON(apperrors.HTTPStatus(err), gin.H{
		"error": gin.H{
			"code":    string(apperrors.CodeOf(err)),
			"message": errMessage(err),
		},
	})
}

func errMessage(err error) string {
	var gwErr *apperrors.Error
	if stderrors.As(err, &gwErr) {
		return gwErr.Message
	}
	return "internal error"
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
