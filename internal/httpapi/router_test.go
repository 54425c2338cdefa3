package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/mdekabs/diagnosy/internal/ai"
	"github.com/mdekabs/diagnosy/internal/auth"
	"github.com/mdekabs/diagnosy/internal/chat"
	"github.com/mdekabs/diagnosy/internal/common"
	"github.com/mdekabs/diagnosy/internal/config"
	"github.com/mdekabs/diagnosy/internal/cryptobox"
	"github.com/mdekabs/diagnosy/internal/models"
	"gorm.io/gorm"
)

type stubProvider struct{}

func (stubProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	_ = messages
	return "SAFE", nil
}

const routerTestSecret = "router-test-secret"

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &chat.Chat{}, &chat.Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	specs, err := cryptobox.ParseKeys("v1:router-test-enc:router-test-salt")
	if err != nil {
		t.Fatalf("parse keys: %v", err)
	}
	box, err := cryptobox.New("v1", specs)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	cfg := config.Config{
		JWTSecret:             routerTestSecret,
		ChatContextWindowSize: 20,
		RequestTimeout:        30 * time.Second,
	}
	return NewRouter(db, cfg, nil, box, stubProvider{}, nil), db
}

func seedUser(t *testing.T, db *gorm.DB, admin bool) (models.User, string) {
	t.Helper()
	suffix, err := common.NewULID()
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	u := models.User{
		Username:     "router-" + strings.ToLower(suffix),
		SessionEpoch: time.Now().UnixMilli(),
		IsAdmin:      admin,
	}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, err := auth.SignJWT(u.ID, u.SessionEpoch, u.IsAdmin, false, routerTestSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return u, token
}

func doRequest(t *testing.T, r *gin.Engine, method, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	r.ServeHTTP(w, req)
	return w
}

func decodeCode(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	var resp struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp.Code
}

func TestRouter_Ping(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(t, r, http.MethodGet, "/ping", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if code := decodeCode(t, w); code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
}

func TestRouter_UnknownRouteUsesEnvelope(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(t, r, http.MethodGet, "/definitely/not/here", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d", w.Code)
	}
	if code := decodeCode(t, w); code != 40400 {
		t.Fatalf("expected code 40400, got %d", code)
	}
}

func TestRouter_MethodNotAllowedUsesEnvelope(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(t, r, http.MethodPut, "/ping", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", w.Code)
	}
	if code := decodeCode(t, w); code != 40500 {
		t.Fatalf("expected code 40500, got %d", code)
	}
}

func TestRouter_AuthedRoutesRejectAnonymous(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, target := range []string{"/me", "/chat/history"} {
		w := doRequest(t, r, http.MethodGet, target, "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status %d", target, w.Code)
		}
		if code := decodeCode(t, w); code != 40101 {
			t.Fatalf("%s: expected code 40101, got %d", target, code)
		}
	}
}

func TestRouter_StaleTokenRejected(t *testing.T) {
	r, db := newTestRouter(t)
	user, _ := seedUser(t, db, false)

	// minted under an epoch that a later login has replaced
	stale, err := auth.SignJWT(user.ID, user.SessionEpoch-1000, false, false, routerTestSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	w := doRequest(t, r, http.MethodGet, "/me", stale)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestRouter_AdminGroup(t *testing.T) {
	r, db := newTestRouter(t)

	_, plainToken := seedUser(t, db, false)
	w := doRequest(t, r, http.MethodGet, "/admin/users", plainToken)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", w.Code)
	}
	if code := decodeCode(t, w); code != 40301 {
		t.Fatalf("expected code 40301, got %d", code)
	}

	_, adminToken := seedUser(t, db, true)
	w = doRequest(t, r, http.MethodGet, "/admin/users", adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d body %s", w.Code, w.Body.String())
	}
}
