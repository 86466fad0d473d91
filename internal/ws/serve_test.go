package ws

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bskqd/bgram/internal/auth"
	"github.com/bskqd/bgram/internal/bus"
	"github.com/bskqd/bgram/internal/config"
	"github.com/bskqd/bgram/internal/db"
	"github.com/bskqd/bgram/internal/models"
	"github.com/bskqd/bgram/internal/repo"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"net/http/httptest"
)

type wsFixture struct {
	repo repo.Repository
	bus  *bus.MemoryBus
	reg  *Registry
	cfg  config.Config
	srv  *httptest.Server
}

func newWsFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &wsFixture{
		repo: repo.NewGorm(gdb),
		bus:  bus.NewMemoryBus(),
		reg:  NewRegistry(),
		cfg:  config.Config{JWTSecret: "ws-test-secret", AccessTokenTTLMinutes: 15},
	}
	r := gin.New()
	r.GET("/api/v1/chat_rooms/:id/chat", Serve(f.reg, f.bus, f.repo, f.cfg))
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *wsFixture) seedUser(t *testing.T, nickname string) *models.User {
	t.Helper()
	u := models.User{Nickname: nickname, Email: nickname + "@example.com", PasswordHash: "x", IsActive: true}
	if err := f.repo.Create(context.Background(), &u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return &u
}

func (f *wsFixture) seedRoom(t *testing.T, name string, memberIDs ...uint) *models.ChatRoom {
	t.Helper()
	room := models.ChatRoom{Name: name, IsActive: true}
	if err := f.repo.Create(context.Background(), &room); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	for _, uid := range memberIDs {
		m := models.ChatRoomMember{ChatRoomID: room.ID, UserID: uid, MemberType: models.MemberTypeMember}
		if err := f.repo.Create(context.Background(), &m); err != nil {
			t.Fatalf("seed member: %v", err)
		}
	}
	return &room
}

func (f *wsFixture) token(t *testing.T, userID uint) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(userID, f.cfg.JWTSecret, f.cfg.AccessTokenTTLMinutes)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (f *wsFixture) wsURL(roomID uint, token string) string {
	base := strings.Replace(f.srv.URL, "http://", "ws://", 1)
	url := base + "/api/v1/chat_rooms/" + strconv.FormatUint(uint64(roomID), 10) + "/chat"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func waitOnline(t *testing.T, reg *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Online() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Online() = %d, want %d", reg.Online(), want)
}

func TestServe_MemberReceivesRoomEvents(t *testing.T) {
	f := newWsFixture(t)
	user := f.seedUser(t, "alice")
	room := f.seedRoom(t, "general", user.ID)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(room.ID, f.token(t, user.ID)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitOnline(t, f.reg, 1)

	if err := f.bus.Publish(context.Background(), bus.RoomChannel(room.ID), []byte(`{"action":"created"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != `{"action":"created"}` {
		t.Errorf("payload = %s, want the published event", payload)
	}

	// Client disconnect tears the connection down on the server side too.
	conn.Close()
	waitOnline(t, f.reg, 0)
}

func TestServe_SubscribesToAllMemberRooms(t *testing.T) {
	f := newWsFixture(t)
	user := f.seedUser(t, "bob")
	roomA := f.seedRoom(t, "room-a", user.ID)
	roomB := f.seedRoom(t, "room-b", user.ID)
	f.seedRoom(t, "room-c") // not a member

	// Connecting through one room subscribes to the union of member rooms.
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(roomA.ID, f.token(t, user.ID)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitOnline(t, f.reg, 1)

	if err := f.bus.Publish(context.Background(), bus.RoomChannel(roomB.ID), []byte("from-b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != "from-b" {
		t.Errorf("payload = %s, want event from room-b", payload)
	}
}

func TestServe_NonMemberRejectedBeforeHandshake(t *testing.T) {
	f := newWsFixture(t)
	member := f.seedUser(t, "carol")
	outsider := f.seedUser(t, "mallory")
	room := f.seedRoom(t, "private", member.ID)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(room.ID, f.token(t, outsider.ID)), nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial should fail for non-member")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %v, want 403 before any websocket handshake", resp)
	}
	if f.reg.Online() != 0 {
		t.Errorf("Online() = %d, want 0", f.reg.Online())
	}
}

func TestServe_AuthFailures(t *testing.T) {
	f := newWsFixture(t)
	user := f.seedUser(t, "dave")
	room := f.seedRoom(t, "locked", user.ID)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(room.ID, tt.token), nil)
			if err == nil {
				t.Fatal("dial should fail")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Fatalf("status = %v, want %d", resp, tt.want)
			}
		})
	}
}

func TestServe_CloseAllDisconnectsClients(t *testing.T) {
	f := newWsFixture(t)
	user := f.seedUser(t, "erin")
	room := f.seedRoom(t, "shutdown", user.ID)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(room.ID, f.token(t, user.ID)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitOnline(t, f.reg, 1)

	f.reg.CloseAll()
	// CloseAll is safe to repeat.
	f.reg.CloseAll()
	waitOnline(t, f.reg, 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("client read should fail after server-side close")
	}
}
