package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/mdekabs/diagnosy/internal/ai"
	"github.com/mdekabs/diagnosy/internal/auth"
	"github.com/mdekabs/diagnosy/internal/chat"
	"github.com/mdekabs/diagnosy/internal/common"
	"github.com/mdekabs/diagnosy/internal/config"
	"github.com/mdekabs/diagnosy/internal/cryptobox"
	"github.com/mdekabs/diagnosy/internal/httpapi/middleware"
	"github.com/mdekabs/diagnosy/internal/models"
	"github.com/mdekabs/diagnosy/internal/store/rabbitmq"
	"github.com/mdekabs/diagnosy/internal/store/redisstore"
	"gorm.io/gorm"
)

// MailPublisher enqueues outbound mail. Nil means mail is disabled and
// callers skip publishing.
type MailPublisher interface {
	PublishMail(ctx context.Context, job rabbitmq.MailJob) error
}

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Redis    *redisstore.Store
	Verifier *auth.Verifier
	ChatSvc  *chat.Service
	Provider ai.Provider
	Mail     MailPublisher
}

// dbEpochSource reads the current session epoch off the users table so the
// verifier can reject tokens from superseded logins.
type dbEpochSource struct {
	db *gorm.DB
}

func (s dbEpochSource) SessionEpoch(ctx context.Context, userID uint64) (int64, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Select("session_epoch").First(&u, userID).Error; err != nil {
		return 0, err
	}
	return u.SessionEpoch, nil
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, box *cryptobox.Box, provider ai.Provider, mail MailPublisher) *Handler {
	repo := chat.NewRepo(db, box)
	chatSvc := chat.NewService(repo, cfg.ChatContextWindowSize)

	// the nil check keeps a nil *Store from becoming a non-nil interface
	var blacklist auth.TokenBlacklist
	if rds != nil {
		blacklist = rds
	}
	verifier := auth.NewVerifier(cfg.JWTSecret, blacklist, dbEpochSource{db: db})

	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Redis:    rds,
		Verifier: verifier,
		ChatSvc:  chatSvc,
		Provider: provider,
		Mail:     mail,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"status": "up"})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
