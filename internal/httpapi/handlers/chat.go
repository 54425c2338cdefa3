package handlers

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mdekabs/diagnosy/internal/common"
	"gorm.io/gorm"
)

// ChatHistory returns one page of the caller's conversation, newest first.
// Out-of-range paging parameters are clamped rather than rejected.
func (h *Handler) ChatHistory(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	msgs, total, err := h.ChatSvc.History(c.Request.Context(), uid, page, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load history")
		return
	}

	items := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, gin.H{
			"role":      m.Role,
			"content":   m.Content,
			"timestamp": m.CreatedAt,
		})
	}

	totalPages := int(math.Ceil(float64(total) / float64(limit)))

	common.OK(c, gin.H{
		"items": items,
		"pagination": gin.H{
			"totalItems":  total,
			"totalPages":  totalPages,
			"currentPage": page,
			"limit":       limit,
		},
		"links": historyLinks("/chat/history", page, limit, totalPages),
	})
}

// historyLinks builds the navigation block. last never points below page 1
// so an empty history still links somewhere sane.
func historyLinks(base string, page, limit, totalPages int) gin.H {
	link := func(p int) string {
		return fmt.Sprintf("%s?page=%d&limit=%d", base, p, limit)
	}
	lastPage := totalPages
	if lastPage < 1 {
		lastPage = 1
	}
	links := gin.H{
		"first": link(1),
		"self":  link(page),
		"last":  link(lastPage),
	}
	if page > 1 {
		links["prev"] = link(page - 1)
	}
	if page < totalPages {
		links["next"] = link(page + 1)
	}
	return links
}

// ClearChatMessages empties the conversation but keeps the chat. Clearing a
// user who never chatted succeeds.
func (h *Handler) ClearChatMessages(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	if err := h.ChatSvc.ClearMessages(c.Request.Context(), uid); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to clear messages")
		return
	}
	common.OK(c, gin.H{"message": "messages cleared"})
}

// EndChat removes the chat and every message in it.
func (h *Handler) EndChat(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	if err := h.ChatSvc.EndChat(c.Request.Context(), uid); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to end chat")
		return
	}
	common.OK(c, gin.H{"message": "chat ended"})
}
