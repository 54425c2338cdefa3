package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mdekabs/diagnosy/internal/ai"
	"github.com/mdekabs/diagnosy/internal/common"
	"github.com/mdekabs/diagnosy/internal/config"
	"github.com/mdekabs/diagnosy/internal/cryptobox"
	"github.com/mdekabs/diagnosy/internal/httpapi/handlers"
	"github.com/mdekabs/diagnosy/internal/httpapi/middleware"
	"github.com/mdekabs/diagnosy/internal/store/redisstore"
	"gorm.io/gorm"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, box *cryptobox.Box, provider ai.Provider, mail handlers.MailPublisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, rds, box, provider, mail)

	r.GET("/ping", h.Ping)

	// auth, public
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	r.POST("/auth/guest", h.Guest)
	r.POST("/auth/password-reset/request", h.PasswordResetRequest)
	r.POST("/auth/password-reset/confirm", h.PasswordResetConfirm)

	// websocket carries its credential in the query string and verifies it
	// itself so it can answer with a close frame
	r.GET("/ws/chat", h.ChatWebSocket)

	authed := r.Group("/")
	authed.Use(middleware.AuthRequired(h.Verifier))
	authed.GET("/me", h.Me)
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/chat/history", h.ChatHistory)
	authed.DELETE("/chat/messages", h.ClearChatMessages)
	authed.DELETE("/chat", h.EndChat)

	admin := authed.Group("/admin")
	admin.Use(middleware.AdminRequired())
	admin.GET("/users", h.AdminListUsers)

	return r
}
