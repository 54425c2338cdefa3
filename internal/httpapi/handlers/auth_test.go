package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mdekabs/diagnosy/internal/auth"
	"github.com/mdekabs/diagnosy/internal/models"
	"github.com/mdekabs/diagnosy/internal/store/rabbitmq"
)

type recordingMail struct {
	jobs []rabbitmq.MailJob
}

func (m *recordingMail) PublishMail(ctx context.Context, job rabbitmq.MailJob) error {
	_ = ctx
	m.jobs = append(m.jobs, job)
	return nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func performJSON(t *testing.T, method, target, body string, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	handler(c)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var resp envelope
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestRegister_CreatesUserAndQueuesWelcomeMail(t *testing.T) {
	h, db, _ := newTestHandler(t)
	mail := &recordingMail{}
	h.Mail = mail

	w := performJSON(t, http.MethodPost, "/auth/register",
		`{"email":"ada@example.com","password":"hunter22"}`, h.Register)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	resp := decodeEnvelope(t, w)
	if resp.Code != 0 {
		t.Fatalf("expected code 0, got %d", resp.Code)
	}
	var data struct {
		ID       uint64 `json:"id"`
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Token == "" {
		t.Fatalf("expected a token")
	}
	if !strings.HasPrefix(data.Username, "user-") {
		t.Fatalf("expected generated username, got %q", data.Username)
	}

	// the minted token passes the same verifier that gates requests
	p, err := h.Verifier.Verify(context.Background(), data.Token)
	if err != nil {
		t.Fatalf("verify fresh token: %v", err)
	}
	if p.UserID != data.ID || p.Guest || p.Admin {
		t.Fatalf("unexpected principal %+v", p)
	}

	// the stored hash is not the plaintext
	var u models.User
	if err := db.First(&u, data.ID).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if u.PasswordHash == "hunter22" || u.PasswordHash == "" {
		t.Fatalf("password stored badly: %q", u.PasswordHash)
	}
	if !auth.CheckPassword(u.PasswordHash, "hunter22") {
		t.Fatalf("stored hash does not verify")
	}

	if len(mail.jobs) != 1 || mail.jobs[0].To != "ada@example.com" {
		t.Fatalf("expected one welcome mail, got %+v", mail.jobs)
	}
	if !strings.Contains(mail.jobs[0].Subject, "Welcome") {
		t.Fatalf("unexpected mail subject %q", mail.jobs[0].Subject)
	}

	// the same address cannot register twice
	w = performJSON(t, http.MethodPost, "/auth/register",
		`{"email":"ada@example.com","password":"other-pw"}`, h.Register)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected duplicate email rejection, got %d", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Code != 10003 {
		t.Fatalf("expected code 10003, got %d", resp.Code)
	}
}

func TestRegister_RequiresEmailAndPassword(t *testing.T) {
	h, _, _ := newTestHandler(t)

	for _, body := range []string{
		`{}`,
		`{"email":"no-pass@example.com"}`,
		`{"password":"no-email"}`,
		`{"email":"not-an-address","password":"pw123456"}`,
	} {
		w := performJSON(t, http.MethodPost, "/auth/register", body, h.Register)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestLogin_BumpsEpochAndStalesOldTokens(t *testing.T) {
	h, _, _ := newTestHandler(t)

	w := performJSON(t, http.MethodPost, "/auth/register",
		`{"email":"bo@example.com","password":"pw123456"}`, h.Register)
	if w.Code != http.StatusOK {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}
	var first struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &first); err != nil {
		t.Fatalf("decode register data: %v", err)
	}

	// make sure the login lands on a later epoch millisecond
	time.Sleep(5 * time.Millisecond)

	w = performJSON(t, http.MethodPost, "/auth/login",
		`{"email":"bo@example.com","password":"pw123456"}`, h.Login)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}
	var second struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &second); err != nil {
		t.Fatalf("decode login data: %v", err)
	}

	ctx := context.Background()
	if _, err := h.Verifier.Verify(ctx, second.Token); err != nil {
		t.Fatalf("new token rejected: %v", err)
	}
	// the register-time token was superseded by the login
	if _, err := h.Verifier.Verify(ctx, first.Token); !errors.Is(err, auth.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession for the old token, got %v", err)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	h, _, _ := newTestHandler(t)

	w := performJSON(t, http.MethodPost, "/auth/register",
		`{"email":"cleo@example.com","password":"right-pw"}`, h.Register)
	if w.Code != http.StatusOK {
		t.Fatalf("register: status %d", w.Code)
	}

	w = performJSON(t, http.MethodPost, "/auth/login",
		`{"email":"cleo@example.com","password":"wrong-pw"}`, h.Login)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body %s", w.Code, w.Body.String())
	}
	if resp := decodeEnvelope(t, w); resp.Code != 40102 {
		t.Fatalf("expected code 40102, got %d", resp.Code)
	}

	// unknown address gets the same answer as a wrong password
	w = performJSON(t, http.MethodPost, "/auth/login",
		`{"email":"nobody@example.com","password":"whatever"}`, h.Login)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown email, got %d", w.Code)
	}
}

func TestGuest_MintsUsableIdentity(t *testing.T) {
	h, db, _ := newTestHandler(t)

	w := performJSON(t, http.MethodPost, "/auth/guest", ``, h.Guest)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	var data struct {
		ID       uint64 `json:"id"`
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !strings.HasPrefix(data.Username, "guest-") {
		t.Fatalf("expected guest username, got %q", data.Username)
	}

	p, err := h.Verifier.Verify(context.Background(), data.Token)
	if err != nil {
		t.Fatalf("verify guest token: %v", err)
	}
	if p.UserID != data.ID || !p.Guest || p.Admin {
		t.Fatalf("unexpected principal %+v", p)
	}

	var u models.User
	if err := db.First(&u, data.ID).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if !u.IsGuest || u.PasswordHash != "" {
		t.Fatalf("unexpected guest row: guest=%v hash=%q", u.IsGuest, u.PasswordHash)
	}
}

func TestMe_ReturnsProfile(t *testing.T) {
	h, db, _ := newTestHandler(t)
	user := seedGuest(t, db)

	w := performAuthed(t, user.ID, http.MethodGet, "/me", h.Me)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	var data struct {
		ID       uint64 `json:"id"`
		Username string `json:"username"`
		IsGuest  bool   `json:"isGuest"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, w).Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.ID != user.ID || data.Username != user.Username || !data.IsGuest {
		t.Fatalf("unexpected profile %+v", data)
	}
}
