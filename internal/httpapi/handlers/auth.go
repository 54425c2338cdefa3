package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mdekabs/diagnosy/internal/auth"
	"github.com/mdekabs/diagnosy/internal/common"
	"github.com/mdekabs/diagnosy/internal/httpapi/middleware"
	"github.com/mdekabs/diagnosy/internal/models"
	"github.com/mdekabs/diagnosy/internal/store/rabbitmq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	tokenTTL = 24 * time.Hour

	loginFailureLimit  = 5
	loginFailureWindow = 15 * time.Minute

	resetTokenTTL = 15 * time.Minute
)

type registerReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		return
	}
	if !strings.Contains(req.Email, "@") {
		common.Fail(c, http.StatusBadRequest, 10002, "valid email required")
		return
	}

	var cnt int64
	if err := h.DB.Model(&models.User{}).Where("email = ?", req.Email).Count(&cnt).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if cnt > 0 {
		common.Fail(c, http.StatusBadRequest, 10003, "email already registered")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		u, err := common.NewULID()
		if err != nil {
			common.Fail(c, http.StatusInternalServerError, 20004, "failed to generate username")
			return
		}
		username = "user-" + strings.ToLower(u)
	}
	if err := h.DB.Model(&models.User{}).Where("username = ?", username).Count(&cnt).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if cnt > 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "username already taken")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	user := models.User{
		Username:     username,
		Email:        req.Email,
		PasswordHash: hash,
		SessionEpoch: time.Now().UnixMilli(),
	}
	if err := h.DB.Create(&user).Error; err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe email already exists)")
		return
	}

	token, err := auth.SignJWT(user.ID, user.SessionEpoch, user.IsAdmin, false, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	h.publishMail(c.Request.Context(), user.Email,
		"Welcome to Diagnosy",
		"Hello "+user.Username+",\n\n"+
			"Your Diagnosy account is ready. You can now describe your symptoms and "+
			"get preliminary guidance any time.\n\n"+
			"This service does not replace a doctor. In an emergency, call your local "+
			"emergency number.\n\n"+
			"Best regards,\nDiagnosy\n")

	common.OK(c, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"token":    token,
	})
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		return
	}

	ctx := c.Request.Context()
	if h.Redis != nil {
		if n, err := h.Redis.LoginFailures(ctx, req.Email); err == nil && n >= loginFailureLimit {
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many failed logins, try again later")
			return
		}
	}

	var user models.User
	err := h.DB.Where("email = ? AND is_guest = ?", req.Email, false).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.recordLoginFailure(ctx, req.Email)
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid credentials")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		h.recordLoginFailure(ctx, req.Email)
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid credentials")
		return
	}

	if h.Redis != nil {
		_ = h.Redis.ClearLoginFailures(ctx, req.Email)
	}

	// a new epoch invalidates every previously issued token for this user
	epoch := time.Now().UnixMilli()
	if err := h.DB.Model(&user).Update("session_epoch", epoch).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	token, err := auth.SignJWT(user.ID, epoch, user.IsAdmin, user.IsGuest, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"token": token,
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
			"isAdmin":  user.IsAdmin,
		},
	})
}

// Guest creates a throwaway account so someone in distress can talk without
// registering first.
func (h *Handler) Guest(c *gin.Context) {
	u, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20004, "failed to generate username")
		return
	}

	user := models.User{
		Username:     "guest-" + strings.ToLower(u),
		IsGuest:      true,
		SessionEpoch: time.Now().UnixMilli(),
	}
	if err := h.DB.Create(&user).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	token, err := auth.SignJWT(user.ID, user.SessionEpoch, false, true, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"isGuest":  true,
		"token":    token,
	})
}

// Logout blacklists the presented token for the remainder of its lifetime.
func (h *Handler) Logout(c *gin.Context) {
	token := middleware.BearerToken(c)
	if token == "" {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	claims, err := auth.ParseJWT(token, h.Cfg.JWTSecret)
	if err != nil {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	if h.Redis != nil && claims.ExpiresAt != nil {
		if err := h.Redis.BlacklistToken(c.Request.Context(), token, time.Until(claims.ExpiresAt.Time)); err != nil {
			common.Fail(c, http.StatusInternalServerError, 20001, "redis error")
			return
		}
	}

	common.OK(c, gin.H{"message": "logged out"})
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var user models.User
	if err := h.DB.First(&user, uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	common.OK(c, gin.H{
		"id":        user.ID,
		"username":  user.Username,
		"email":     user.Email,
		"isAdmin":   user.IsAdmin,
		"isGuest":   user.IsGuest,
		"createdAt": user.CreatedAt,
	})
}

type passwordResetRequestReq struct {
	Email string `json:"email"`
}

// PasswordResetRequest always answers OK so the endpoint cannot be used to
// probe which addresses exist.
func (h *Handler) PasswordResetRequest(c *gin.Context) {
	var req passwordResetRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email required")
		return
	}

	ctx := c.Request.Context()
	var user models.User
	err := h.DB.Where("email = ? AND is_guest = ?", req.Email, false).First(&user).Error
	if err == nil && h.Redis != nil {
		buf := make([]byte, 16)
		if _, rerr := rand.Read(buf); rerr == nil {
			token := hex.EncodeToString(buf)
			if serr := h.Redis.SaveResetToken(ctx, token, user.ID, resetTokenTTL); serr == nil {
				h.publishMail(ctx, user.Email,
					"Diagnosy password reset",
					"Hello "+user.Username+",\n\n"+
						"We received a request to reset your password. Use the code below "+
						"within 15 minutes:\n\n"+
						"    "+token+"\n\n"+
						"If you did not request this, you can ignore this message.\n\n"+
						"Best regards,\nDiagnosy\n")
			} else {
				log.Printf("reset token save failed user=%d err=%v", user.ID, serr)
			}
		}
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("reset lookup failed email=%s err=%v", req.Email, err)
	}

	common.OK(c, gin.H{"message": "if the address exists, a reset code has been sent"})
}

type passwordResetConfirmReq struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (h *Handler) PasswordResetConfirm(c *gin.Context) {
	var req passwordResetConfirmReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "token and newPassword required")
		return
	}
	if h.Redis == nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "redis error")
		return
	}

	ctx := c.Request.Context()
	userID, err := h.Redis.ConsumeResetToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			common.Fail(c, http.StatusBadRequest, 10005, "invalid or expired reset token")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "redis error")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	// bumping the epoch revokes every session issued before the reset
	err = h.DB.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
		"password_hash": hash,
		"session_epoch": time.Now().UnixMilli(),
	}).Error
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	common.OK(c, gin.H{"message": "password updated, please log in again"})
}

func (h *Handler) AdminListUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var total int64
	if err := h.DB.Model(&models.User{}).Count(&total).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	var users []models.User
	if err := h.DB.Order("id ASC").Limit(limit).Offset((page - 1) * limit).Find(&users).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	items := make([]gin.H, 0, len(users))
	for _, u := range users {
		items = append(items, gin.H{
			"id":        u.ID,
			"username":  u.Username,
			"email":     u.Email,
			"isAdmin":   u.IsAdmin,
			"isGuest":   u.IsGuest,
			"createdAt": u.CreatedAt,
		})
	}

	common.OK(c, gin.H{
		"items": items,
		"pagination": gin.H{
			"totalItems":  total,
			"currentPage": page,
			"limit":       limit,
		},
	})
}

func (h *Handler) recordLoginFailure(ctx context.Context, email string) {
	if h.Redis == nil {
		return
	}
	if _, err := h.Redis.RecordLoginFailure(ctx, email, loginFailureWindow); err != nil {
		log.Printf("login failure record failed email=%s err=%v", email, err)
	}
}

// publishMail enqueues a mail job best-effort. Mail being down never fails
// the request that triggered it.
func (h *Handler) publishMail(ctx context.Context, to, subject, body string) {
	if h.Mail == nil || to == "" {
		return
	}
	job := rabbitmq.MailJob{To: to, Subject: subject, Body: body}
	if err := h.Mail.PublishMail(ctx, job); err != nil {
		log.Printf("mail enqueue failed to=%s err=%v", to, err)
	}
}
