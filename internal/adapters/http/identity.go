package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/dkeye/liveclass/internal/domain"
)

const (
	userHeader = "X-User-ID"
	sessionKey = "user_id"
	ctxUserKey = "user_id"
)

// IdentityMiddleware resolves the caller from the session cookie. With
// trustHeader set, an X-User-ID header from an upstream gateway wins.
func IdentityMiddleware(trustHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uid string
		if trustHeader {
			uid = c.GetHeader(userHeader)
		}
		if uid == "" {
			if v, ok := sessions.Default(c).Get(sessionKey).(string); ok {
				uid = v
			}
		}
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
			return
		}
		c.Set(ctxUserKey, uid)
		c.Next()
	}
}

func caller(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(ctxUserKey))
}

type loginRequest struct {
	UserID string `json:"userId"`
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if !bind(c, &req) {
		return
	}
	u, err := domain.NewUser(req.UserID, "")
	if err != nil {
		writeError(c, domain.Invalid("login", err))
		return
	}
	s := sessions.Default(c)
	s.Set(sessionKey, string(u.ID))
	if err := s.Save(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": u.ID})
}

func (h *handlers) logout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	if err := s.Save(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
