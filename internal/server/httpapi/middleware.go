package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/remotesettings/internal/server/permissions"
)

const (
	keyUserID     = "userID"
	keyPrincipals = "principals"
	keyRequestID  = "requestID"

	headerRequestID = "X-Request-Id"
)

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(keyRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// sentryHub attaches a per-request hub when error reporting is enabled and
// reports panics.
func (s *Server) sentryHub() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sentry.CurrentHub().Client() == nil {
			c.Next()
			return
		}
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetRequest(c.Request)
		hub.Scope().SetTag("request_id", c.GetString(keyRequestID))
		c.Request = c.Request.WithContext(sentry.SetHubOnContext(c.Request.Context(), hub))
		defer func() {
			if r := recover(); r != nil {
				hub.RecoverWithContext(c.Request.Context(), r)
				panic(r)
			}
		}()
		c.Next()
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error(c.Request.Context(), "panic while serving request", "path", c.Request.URL.Path, "panic", fmt.Sprint(r))
				abortWith(c, http.StatusInternalServerError, ErrnoUndefined, "A programmatic error occurred, developers have been informed.")
			}
		}()
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString(keyRequestID),
		}
		if uid := c.GetString(keyUserID); uid != "" {
			args = append(args, "user_id", uid)
		}
		if len(c.Errors) > 0 {
			args = append(args, "error", c.Errors.Last().Error())
		}
		s.log.Info(c.Request.Context(), "request", args...)
	}
}

// authenticate resolves the caller and its principals. Anonymous callers
// only get system.Everyone.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := s.auth.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="remotesettings"`)
			abort(c, err)
			return
		}
		principals, err := permissions.Principals(c.Request.Context(), s.backend, userID)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(keyUserID, userID)
		c.Set(keyPrincipals, principals)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(keyUserID)
}

func principals(c *gin.Context) []string {
	return c.GetStringSlice(keyPrincipals)
}
