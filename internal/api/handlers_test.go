package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/classb-node/internal/config"
	"github.com/lorawan-node/classb-node/internal/models"
	"github.com/lorawan-node/classb-node/internal/storage"
	"github.com/lorawan-node/classb-node/pkg/crypto"
	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

var testEUI = lorawan.EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0x06, 0xd0, 0x20}

type fakeNode struct {
	mu    sync.Mutex
	snap  models.StatusSnapshot
	pokes int
}

func (f *fakeNode) Snapshot() models.StatusSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeNode) Poke() {
	f.mu.Lock()
	f.pokes++
	f.mu.Unlock()
}

func (f *fakeNode) pokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pokes
}

func testServer(t *testing.T) (*RESTServer, *fakeNode, *storage.MemoryStore) {
	t.Helper()

	hash, err := crypto.HashPassword("changeme")
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.JWT.Secret = "test-secret"
	cfg.JWT.AccessTokenTTL = time.Hour
	cfg.JWT.RefreshTokenTTL = 24 * time.Hour
	cfg.Auth.OperatorPasswordHash = hash

	node := &fakeNode{snap: models.StatusSnapshot{
		Name:           "bench",
		DevEUI:         testEUI,
		Region:         "CN470",
		LifecycleState: "SLEEP",
		WakeUpState:    "SEND",
		DeviceClass:    "B",
		Joined:         true,
		FCntUp:         7,
	}}
	store := storage.NewMemoryStore(64)

	return NewRESTServer(cfg, store, node, NewHub()), node, store
}

func doRequest(t *testing.T, s *RESTServer, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, s *RESTServer) string {
	t.Helper()

	rec := doRequest(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"password": "changeme"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	token, _ := resp["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestLoginFlow(t *testing.T) {
	s, _, _ := testServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token := login(t, s)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/status", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshFlow(t *testing.T) {
	s, _, _ := testServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"password": "changeme"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	refresh, _ := resp["refresh_token"].(string)
	require.NotEmpty(t, refresh)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, rec.Code)

	var refreshed map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refreshed))
	assert.NotEmpty(t, refreshed["access_token"])

	rec = doRequest(t, s, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusRequiresAuth(t *testing.T) {
	s, _, _ := testServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "NotBearer xyz")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusSnapshot(t *testing.T) {
	s, _, _ := testServer(t)
	token := login(t, s)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "SLEEP", snap["lifecycleState"])
	assert.Equal(t, "SEND", snap["wakeUpState"])
	assert.Equal(t, "B", snap["deviceClass"])
	assert.Equal(t, true, snap["joined"])
	assert.Equal(t, float64(7), snap["fCntUp"])
}

func TestUplinkPoke(t *testing.T) {
	s, node, _ := testServer(t)
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/uplink", token, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, node.pokeCount())
}

func TestListEvents(t *testing.T) {
	s, _, store := testServer(t)
	ctx := context.Background()

	for _, typ := range []models.EventType{models.EventTypeJoin, models.EventTypeUplink, models.EventTypeUplink} {
		ev := models.NewDeviceEvent(testEUI, typ, models.EventLevelInfo, "test", nil)
		require.NoError(t, store.CreateEvent(ctx, &ev))
	}

	token := login(t, s)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/events?limit=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []models.DeviceEvent `json:"events"`
		Total  int64                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Total)
	assert.Len(t, resp.Events, 2)

	// 按类型过滤
	rec = doRequest(t, s, http.MethodGet, "/api/v1/events?type=UPLINK", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Total)
	for _, ev := range resp.Events {
		assert.Equal(t, models.EventTypeUplink, ev.Type)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/events?since=not-a-time", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListFrames(t *testing.T) {
	s, _, store := testServer(t)
	ctx := context.Background()

	up := models.NewFrameLog(testEUI, models.FrameDirectionUp)
	up.FCnt = 1
	down := models.NewFrameLog(testEUI, models.FrameDirectionDown)
	down.FCnt = 0
	require.NoError(t, store.CreateFrame(ctx, &up))
	require.NoError(t, store.CreateFrame(ctx, &down))

	token := login(t, s)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/frames", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Frames []models.FrameLog `json:"frames"`
		Total  int64             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Total)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/frames?direction=up", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)
	require.Len(t, resp.Frames, 1)
	assert.Equal(t, models.FrameDirectionUp, resp.Frames[0].Direction)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/frames?direction=sideways", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthIsPublic(t *testing.T) {
	s, _, _ := testServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsLiveStream(t *testing.T) {
	s, _, _ := testServer(t)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	token := login(t, s)
	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(base+"/api/v1/events/live?token="+token, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// 握手完成不代表订阅登记完成
	require.Eventually(t, func() bool { return s.hub.clientCount() == 1 }, time.Second, 5*time.Millisecond)

	ev := models.NewDeviceEvent(testEUI, models.EventTypeJoin, models.EventLevelInfo, "network joined", nil)
	s.hub.Broadcast(ev)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "JOIN", got["type"])
	assert.Equal(t, "network joined", got["description"])
}

func TestEventsLiveRejectsBadToken(t *testing.T) {
	s, _, _ := testServer(t)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/v1/events/live?token=garbage", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
}
