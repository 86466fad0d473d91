package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bskqd/bgram/internal/bus"
	"github.com/bskqd/bgram/internal/chat"
	"github.com/bskqd/bgram/internal/config"
	"github.com/bskqd/bgram/internal/db"
	"github.com/bskqd/bgram/internal/repo"
	"github.com/bskqd/bgram/internal/service"
	"github.com/bskqd/bgram/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type apiFixture struct {
	engine *gin.Engine
	repo   repo.Repository
	bus    *bus.MemoryBus
	sched  *stubScheduler
}

type stubScheduler struct {
	n int
}

func (s *stubScheduler) ScheduleSend(_ context.Context, _ uint, _ time.Time) (string, error) {
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

func (s *stubScheduler) Reschedule(_ context.Context, jobID string, _ uint, _ time.Time) (string, error) {
	return jobID, nil
}

func (s *stubScheduler) CancelSend(_ context.Context, _ string) {}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.NewGorm(gdb)
	b := bus.NewMemoryBus()
	sched := &stubScheduler{}
	cfg := config.Config{
		Port: "0", JWTSecret: "router-test-secret", Env: "dev",
		AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7,
	}
	h := NewHandler(
		service.NewUserService(r, cfg),
		service.NewRoomService(r),
		chat.NewMessageService(r, b, sched),
		chat.NewPermissionGuard(r),
	)
	engine := SetupRouter(cfg, r, b, ws.NewRegistry(), h)
	return &apiFixture{engine: engine, repo: r, bus: b, sched: sched}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// registerAndLogin creates an account and returns its access token.
func (f *apiFixture) registerAndLogin(t *testing.T, nickname string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"nickname": nickname, "email": nickname + "@example.com", "password": "secret1234",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register %s: status %d body %s", nickname, w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email": nickname + "@example.com", "password": "secret1234",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", nickname, w.Code, w.Body.String())
	}
	return decodeJSON(t, w)["access_token"].(string)
}

func (f *apiFixture) createRoom(t *testing.T, token, name string) uint {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/chat_rooms", token, gin.H{"name": name})
	if w.Code != http.StatusOK {
		t.Fatalf("create room: status %d body %s", w.Code, w.Body.String())
	}
	room := decodeJSON(t, w)["room"].(map[string]any)
	return uint(room["id"].(float64))
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"nickname": "alice", "email": "alice@example.com", "password": "secret1234",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}

	// Duplicate nickname conflicts.
	w = f.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"nickname": "alice", "email": "other@example.com", "password": "secret1234",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate nickname: status %d, want 409", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email": "alice@example.com", "password": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d, want 401", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email": "alice@example.com", "password": "secret1234",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}
	tokens := decodeJSON(t, w)

	// Refresh rotates the pair; the old refresh token dies.
	w = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": tokens["refresh_token"]})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": tokens["refresh_token"]})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("reused refresh token: status %d, want 401", w.Code)
	}

	// Protected routes demand a bearer token.
	w = f.do(t, http.MethodGet, "/api/v1/chat_rooms", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status %d, want 401", w.Code)
	}
}

func TestRoomLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.registerAndLogin(t, "alice")
	bob := f.registerAndLogin(t, "bob")

	roomID := f.createRoom(t, alice, "general")

	// Creator is already a member.
	w := f.do(t, http.MethodGet, "/api/v1/chat_rooms", alice, nil)
	rooms := decodeJSON(t, w)["rooms"].([]any)
	if len(rooms) != 1 {
		t.Fatalf("alice rooms = %d, want 1", len(rooms))
	}

	// Bob sees nothing until he joins.
	w = f.do(t, http.MethodGet, "/api/v1/chat_rooms", bob, nil)
	if got := decodeJSON(t, w)["rooms"].([]any); len(got) != 0 {
		t.Errorf("bob rooms before join = %d, want 0", len(got))
	}

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/chat_rooms/%d/members", roomID), bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("join: status %d body %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/chat_rooms/%d/members", roomID), bob, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("repeat join: status %d, want 409", w.Code)
	}
	w = f.do(t, http.MethodPost, "/api/v1/chat_rooms/424242/members", bob, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("join missing room: status %d, want 404", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/v1/chat_rooms", bob, nil)
	got := decodeJSON(t, w)["rooms"].([]any)
	if len(got) != 1 {
		t.Fatalf("bob rooms after join = %d, want 1", len(got))
	}
	if count := got[0].(map[string]any)["members_count"].(float64); count != 2 {
		t.Errorf("members_count = %v, want 2", count)
	}
}

func TestMessageEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.registerAndLogin(t, "alice")
	bob := f.registerAndLogin(t, "bob")
	mallory := f.registerAndLogin(t, "mallory")

	roomID := f.createRoom(t, alice, "general")
	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/chat_rooms/%d/members", roomID), bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("join: status %d", w.Code)
	}
	base := fmt.Sprintf("/api/v1/chat_rooms/%d/messages", roomID)

	// Non-member cannot read or write.
	if w := f.do(t, http.MethodGet, base, mallory, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-member list: status %d, want 403", w.Code)
	}
	if w := f.do(t, http.MethodPost, base, mallory, gin.H{"text": "hi"}); w.Code != http.StatusForbidden {
		t.Errorf("non-member post: status %d, want 403", w.Code)
	}

	w = f.do(t, http.MethodPost, base, alice, gin.H{"text": "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("post message: status %d body %s", w.Code, w.Body.String())
	}
	msg := decodeJSON(t, w)["message"].(map[string]any)
	msgID := uint(msg["id"].(float64))
	if msg["author"].(map[string]any)["nickname"] != "alice" {
		t.Errorf("author = %v, want alice", msg["author"])
	}

	// Members can read, only the author can edit or delete.
	w = f.do(t, http.MethodGet, base, bob, nil)
	if msgs := decodeJSON(t, w)["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("list = %d messages, want 1", len(msgs))
	}
	edit := fmt.Sprintf("%s/%d", base, msgID)
	if w := f.do(t, http.MethodPatch, edit, bob, gin.H{"text": "hacked"}); w.Code != http.StatusForbidden {
		t.Errorf("non-author edit: status %d, want 403", w.Code)
	}
	w = f.do(t, http.MethodPatch, edit, alice, gin.H{"text": "hello again"})
	if w.Code != http.StatusOK {
		t.Fatalf("author edit: status %d body %s", w.Code, w.Body.String())
	}
	if edited := decodeJSON(t, w)["message"].(map[string]any); edited["is_edited"] != true {
		t.Errorf("is_edited = %v, want true", edited["is_edited"])
	}

	del := fmt.Sprintf("%s?message_ids=%d", base, msgID)
	if w := f.do(t, http.MethodDelete, del, bob, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-author delete: status %d, want 403", w.Code)
	}
	w = f.do(t, http.MethodDelete, del, alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("author delete: status %d body %s", w.Code, w.Body.String())
	}
	if deleted := decodeJSON(t, w)["deleted"].([]any); len(deleted) != 1 {
		t.Errorf("deleted = %v, want 1 id", deleted)
	}
}

func TestScheduledMessageEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.registerAndLogin(t, "alice")
	roomID := f.createRoom(t, alice, "plans")
	base := fmt.Sprintf("/api/v1/chat_rooms/%d/scheduled_messages", roomID)

	w := f.do(t, http.MethodPost, base, alice, gin.H{
		"text": "too late", "scheduled_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("past scheduled_at: status %d, want 400", w.Code)
	}

	fireAt := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w = f.do(t, http.MethodPost, base, alice, gin.H{"text": "reminder", "scheduled_at": fireAt})
	if w.Code != http.StatusOK {
		t.Fatalf("create scheduled: status %d body %s", w.Code, w.Body.String())
	}
	msg := decodeJSON(t, w)["message"].(map[string]any)
	if msg["scheduled_at"] == nil {
		t.Error("scheduled message payload should expose scheduled_at")
	}
	msgID := uint(msg["id"].(float64))
	if f.sched.n != 1 {
		t.Errorf("scheduler enqueues = %d, want 1", f.sched.n)
	}

	// The author sees their pending queue; it is invisible in the primary listing.
	w = f.do(t, http.MethodGet, base, alice, nil)
	if msgs := decodeJSON(t, w)["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("scheduled list = %d, want 1", len(msgs))
	}
	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/chat_rooms/%d/messages", roomID), alice, nil)
	if msgs := decodeJSON(t, w)["messages"].([]any); len(msgs) != 0 {
		t.Errorf("primary list = %d, want 0", len(msgs))
	}

	w = f.do(t, http.MethodDelete, fmt.Sprintf("%s?message_ids=%d", base, msgID), alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete scheduled: status %d body %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodGet, base, alice, nil)
	if msgs := decodeJSON(t, w)["messages"].([]any); len(msgs) != 0 {
		t.Errorf("scheduled list after delete = %d, want 0", len(msgs))
	}
}
