package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mdekabs/diagnosy/internal/ai"
	"github.com/mdekabs/diagnosy/internal/auth"
	"github.com/mdekabs/diagnosy/internal/safety"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsInbound is the only accepted client frame shape.
type wsInbound struct {
	Message string `json:"message"`
}

// wsSession is the per-connection state. One instance per live socket,
// gone when the connection closes.
type wsSession struct {
	id        string
	conn      *websocket.Conn
	principal auth.Principal

	writeMu   sync.Mutex  // gorilla allows one concurrent writer
	inFlight  atomic.Bool // at most one generation per connection
	continued atomic.Bool // set after the first finalized exchange
}

func (s *wsSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSession) writeError(msg string) {
	if err := s.writeJSON(gin.H{"type": "error", "message": msg}); err != nil {
		log.Printf("ws error frame write failed session=%s err=%v", s.id, err)
	}
}

// closeReason picks the handshake close reason for a failed credential.
func closeReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing token"
	case errors.Is(err, auth.ErrRevokedToken):
		return "token revoked"
	case errors.Is(err, auth.ErrStaleSession):
		return "session superseded by a newer login"
	case errors.Is(err, auth.ErrBadToken), errors.Is(err, auth.ErrNoSubject):
		return "invalid token"
	default:
		return "authentication failed"
	}
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, safety.ErrEmptyMessage):
		return "message is required"
	case errors.Is(err, safety.ErrBlockedTopic):
		return "I can only help with symptoms and health concerns. Please describe how you are feeling."
	default:
		return "unable to process this message"
	}
}

// ChatWebSocket runs one conversation connection. The credential rides the
// query string because browsers cannot set headers on a websocket dial. The
// upgrade happens first so a rejected credential can be answered with a
// proper close frame instead of a plain HTTP error.
func (h *Handler) ChatWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	principal, err := h.Verifier.Verify(c.Request.Context(), c.Query("token"))
	if err != nil {
		log.Printf("ws auth failed: %v", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(err))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		return
	}

	sess := &wsSession{
		id:        uuid.NewString(),
		conn:      conn,
		principal: principal,
	}
	log.Printf("ws connected session=%s user=%d guest=%v", sess.id, principal.UserID, principal.Guest)

	connCtx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws closed session=%s err=%v", sess.id, err)
			}
			return
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			sess.writeError(`invalid request: expected {"message": string}`)
			continue
		}

		// requests are strictly serial per connection, never queued
		if !sess.inFlight.CompareAndSwap(false, true) {
			sess.writeError("already processing a request")
			continue
		}

		go func(input string) {
			defer sess.inFlight.Store(false)
			// this goroutine runs outside the gin middleware chain, so it
			// needs its own panic barrier to keep the process alive
			defer func() {
				if r := recover(); r != nil {
					log.Printf("ws request panic session=%s err=%v\n%s", sess.id, r, debug.Stack())
					sess.writeError("internal server error")
				}
			}()
			reqCtx, cancelReq := context.WithTimeout(connCtx, h.Cfg.RequestTimeout)
			defer cancelReq()
			h.handleChatRequest(reqCtx, sess, input)
		}(in.Message)
	}
}

func (h *Handler) handleChatRequest(ctx context.Context, sess *wsSession, input string) {
	res, err := safety.Precheck(input)
	if err != nil {
		sess.writeError(rejectionMessage(err))
		return
	}

	continued := sess.continued.Load()

	crisis := res.Crisis
	if !crisis && !continued {
		// opening message gets one extra screening call, failing open
		verdict, err := safety.Classify(ctx, h.Provider, input)
		if err != nil {
			sess.writeError(rejectionMessage(err))
			return
		}
		crisis = verdict.Crisis
	}

	if crisis {
		h.completeCrisis(ctx, sess, input)
		return
	}

	turns, _, err := h.ChatSvc.BuildTurns(ctx, sess.principal.UserID, input, continued)
	if err != nil {
		log.Printf("ws context build failed session=%s err=%v", sess.id, err)
		sess.writeError("failed to load conversation context")
		return
	}

	sp, ok := h.Provider.(ai.StreamProvider)
	if !ok {
		h.completeDirect(ctx, sess, input, turns)
		return
	}

	if err := sess.writeJSON(gin.H{"type": "chat_response", "isStreaming": true}); err != nil {
		return
	}

	chunks, errs := sp.StreamChat(ctx, turns)

	var b strings.Builder
	delivered := true
	for chunk := range chunks {
		b.WriteString(chunk)
		if err := sess.writeJSON(gin.H{"type": "chat_token", "token": chunk}); err != nil {
			log.Printf("ws token write failed session=%s err=%v", sess.id, err)
			delivered = false
			break
		}
	}
	if !delivered {
		// the client is gone; the context cancels on return, the drain lets
		// the producer exit, and the partial answer is discarded unsaved
		go func() {
			for range chunks {
			}
		}()
		return
	}

	if err := <-errs; err != nil {
		log.Printf("ws stream failed session=%s err=%v", sess.id, err)
		sess.writeError("generation failed, please try again")
		return
	}

	answer := b.String()
	if strings.TrimSpace(answer) == "" {
		sess.writeError("generation failed, please try again")
		return
	}

	h.finalize(ctx, sess, input, answer, false)
}

// completeCrisis skips generation entirely and answers with the fixed
// crisis response.
func (h *Handler) completeCrisis(ctx context.Context, sess *wsSession, input string) {
	f, err := h.ChatSvc.Finalize(ctx, sess.principal.UserID, input, "", true)
	if err != nil {
		log.Printf("ws crisis finalize failed session=%s err=%v", sess.id, err)
		// the caller still gets the crisis resources even when saving failed
		_ = sess.writeJSON(gin.H{"type": "chat_response", "advice": safety.CrisisResponse})
		sess.writeError("failed to save the exchange")
		return
	}
	sess.continued.Store(true)

	if err := sess.writeJSON(gin.H{"type": "chat_response", "advice": f.Advice}); err != nil {
		return
	}
	_ = sess.writeJSON(gin.H{
		"type":         "session_complete",
		"chatId":       f.ChatID,
		"isCrisis":     f.IsCrisis,
		"isDisclaimer": f.IsDisclaimer,
	})
}

// completeDirect handles providers without streaming support with a single
// chat_response frame.
func (h *Handler) completeDirect(ctx context.Context, sess *wsSession, input string, turns []ai.Message) {
	answer, err := h.Provider.Chat(ctx, turns)
	if err != nil {
		log.Printf("ws chat failed session=%s err=%v", sess.id, err)
		sess.writeError("generation failed, please try again")
		return
	}

	f, err := h.ChatSvc.Finalize(ctx, sess.principal.UserID, input, answer, false)
	if err != nil {
		log.Printf("ws finalize failed session=%s err=%v", sess.id, err)
		sess.writeError("failed to save the exchange")
		return
	}
	sess.continued.Store(true)

	if err := sess.writeJSON(gin.H{"type": "chat_response", "advice": f.Advice}); err != nil {
		return
	}
	_ = sess.writeJSON(gin.H{
		"type":         "session_complete",
		"chatId":       f.ChatID,
		"isCrisis":     f.IsCrisis,
		"isDisclaimer": f.IsDisclaimer,
	})
}

// finalize persists a fully streamed exchange and reports completion.
func (h *Handler) finalize(ctx context.Context, sess *wsSession, input, answer string, crisis bool) {
	f, err := h.ChatSvc.Finalize(ctx, sess.principal.UserID, input, answer, crisis)
	if err != nil {
		log.Printf("ws finalize failed session=%s err=%v", sess.id, err)
		// the streamed tokens were already delivered; they just were not saved
		sess.writeError("failed to save the exchange")
		return
	}
	sess.continued.Store(true)

	_ = sess.writeJSON(gin.H{
		"type":         "session_complete",
		"chatId":       f.ChatID,
		"isCrisis":     f.IsCrisis,
		"isDisclaimer": f.IsDisclaimer,
	})
}
