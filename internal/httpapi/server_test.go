package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eco-arena-server/internal/auth"
	"eco-arena-server/internal/broadcast"
	"eco-arena-server/internal/model"
	"eco-arena-server/internal/repository"
	"eco-arena-server/internal/reward"
	"eco-arena-server/internal/service"
	"eco-arena-server/internal/store"
)

type stubUsers struct{}

func (stubUsers) Exists(_ context.Context, id string) (bool, error) {
	return id == "user-1", nil
}

type stubCodes struct {
	mu    sync.Mutex
	codes map[string]*model.QRCode
}

func (f *stubCodes) Resolve(_ context.Context, codeID string) (*model.QRCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.codes[codeID]
	if !ok {
		return nil, repository.ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *stubCodes) MarkConsumed(_ context.Context, codeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.codes[codeID]
	if !ok {
		return repository.ErrCodeNotFound
	}
	if c.Status != model.QRStatusPending {
		return repository.ErrCodeConsumed
	}
	c.Status = model.QRStatusValidated
	return nil
}

type stubLedger struct{}

func (stubLedger) Credit(_ context.Context, userID string, amount int64, reason, correlationID string) (*model.LedgerEntry, error) {
	return &model.LedgerEntry{UserID: userID, Amount: amount, Reason: reason, CorrelationID: correlationID}, nil
}

type stubDevices struct {
	byHash map[string]*model.Device
}

func (f *stubDevices) GetByKeyHash(_ context.Context, keyHash string) (*model.Device, error) {
	d, ok := f.byHash[keyHash]
	if !ok {
		return nil, repository.ErrDeviceNotFound
	}
	return d, nil
}

type apiFixture struct {
	handler   http.Handler
	authn     *auth.Authenticator
	hub       *broadcast.Hub
	codes     *stubCodes
	userToken string
}

func newAPIFixture(policy reward.Policy, sessionDuration time.Duration) *apiFixture {
	hub := broadcast.NewHub()
	codes := &stubCodes{codes: map[string]*model.QRCode{
		"code-1": {ID: "code-1", UserID: "user-1", Status: model.QRStatusPending},
	}}

	arenaSvc := service.NewArenaService(
		store.NewMemoryStore(10*time.Minute),
		stubUsers{},
		codes,
		stubLedger{},
		hub,
		policy,
		sessionDuration,
		100,
	)

	devices := &stubDevices{byHash: map[string]*model.Device{
		auth.HashKey("scan-key"):   {ID: "dev-scan", Name: "gate scanner", Capability: model.CapabilityScanner},
		auth.HashKey("sensor-key"): {ID: "dev-sensor", Name: "bin sensor", Capability: model.CapabilitySensor},
	}}
	authn := auth.NewAuthenticator("test-secret", time.Hour, devices)

	srv := NewServer(arenaSvc, nil, authn, hub, nil, nil, nil)
	return &apiFixture{
		handler:   srv.Router(),
		authn:     authn,
		hub:       hub,
		codes:     codes,
		userToken: authn.TokenForUser("user-1"),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func scannerHeader() map[string]string {
	return map[string]string{"X-Device-Key": "scan-key"}
}

func sensorHeader() map[string]string {
	return map[string]string{"X-Device-Key": "sensor-key"}
}

func (f *apiFixture) userHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + f.userToken}
}

func (f *apiFixture) startSession(t *testing.T) string {
	t.Helper()
	rec, body := f.do(t, http.MethodPost, "/api/arena/scan-qr",
		map[string]any{"userId": "user-1", "qrId": "code-1"}, scannerHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	session := body["session"].(map[string]any)
	return session["sessionToken"].(string)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)

	rec, body := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestScanQR(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)

	rec, body := f.do(t, http.MethodPost, "/api/arena/scan-qr",
		map[string]any{"userId": "user-1", "qrId": "code-1", "location": map[string]any{"latitude": 52.5, "longitude": 13.4}},
		scannerHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	session := body["session"].(map[string]any)
	assert.NotEmpty(t, session["sessionId"])
	assert.NotEmpty(t, session["sessionToken"])
	assert.Equal(t, "active", session["status"])
	assert.Equal(t, float64(100), session["rewardCap"])
	assert.InDelta(t, 600, session["remainingTime"], 2)
}

func TestScanQR_Auth(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)
	payload := map[string]any{"userId": "user-1", "qrId": "code-1"}

	rec, _ := f.do(t, http.MethodPost, "/api/arena/scan-qr", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A sensor key cannot start sessions.
	rec, _ = f.do(t, http.MethodPost, "/api/arena/scan-qr", payload, sensorHeader())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScanQR_BadRequests(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)

	rec, _ := f.do(t, http.MethodPost, "/api/arena/scan-qr",
		map[string]any{"userId": "user-1"}, scannerHeader())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/arena/scan-qr",
		map[string]any{"userId": "user-1", "qrId": "unknown"}, scannerHeader())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanQR_Duplicate(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)
	f.codes.codes["code-2"] = &model.QRCode{ID: "code-2", UserID: "user-1", Status: model.QRStatusPending}

	rec, first := f.do(t, http.MethodPost, "/api/arena/scan-qr",
		map[string]any{"userId": "user-1", "qrId": "code-1"}, scannerHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := first["session"].(map[string]any)["sessionId"].(string)

	rec, body := f.do(t, http.MethodPost, "/api/arena/scan-qr",
		map[string]any{"userId": "user-1", "qrId": "code-2"}, scannerHeader())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, sessionID, body["sessionId"])
}

func TestDeposit(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)
	token := f.startSession(t)

	rec, body := f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": token}, sensorHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	deposit := body["deposit"].(map[string]any)
	assert.Equal(t, float64(1), deposit["depositNumber"])
	assert.Equal(t, float64(10), deposit["reward"])
	assert.Equal(t, float64(90), deposit["remainingRewards"])
}

func TestDeposit_Errors(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)

	rec, _ := f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": "unknown"}, sensorHeader())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/arena/deposit", map[string]any{}, sensorHeader())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A scanner key cannot report deposits.
	rec, _ = f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": "unknown"}, scannerHeader())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeposit_CapReason(t *testing.T) {
	// One deposit swallows the whole cap.
	f := newAPIFixture(reward.Fixed(100), 10*time.Minute)
	token := f.startSession(t)

	rec, _ := f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": token}, sensorHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": token}, sensorHeader())
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "cap", body["reason"])
}

func TestDeposit_TimeReason(t *testing.T) {
	// A session that is over the moment it starts.
	f := newAPIFixture(reward.Fixed(10), time.Nanosecond)
	token := f.startSession(t)

	rec, body := f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": token}, sensorHeader())
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "time", body["reason"])
}

func TestGetSession(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)

	rec, _ := f.do(t, http.MethodGet, "/api/arena/session", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/api/arena/session", nil, f.userHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["hasActiveSession"])

	token := f.startSession(t)
	rec, _ = f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": token}, sensorHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/arena/session", nil, f.userHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["hasActiveSession"])

	session := body["session"].(map[string]any)
	assert.Equal(t, float64(10), session["totalRewards"])
	deposits := session["deposits"].([]any)
	assert.Len(t, deposits, 1)
}

func TestExitSession(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)

	rec, _ := f.do(t, http.MethodPost, "/api/arena/exit", nil, f.userHeader())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	token := f.startSession(t)
	rec, _ = f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": token}, sensorHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/api/arena/exit", nil, f.userHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, float64(10), summary["totalRewards"])
	assert.Equal(t, float64(1), summary["depositCount"])

	// The token is dead after an exit.
	rec, _ = f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": token}, sensorHeader())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)
	f.startSession(t)

	rec, body := f.do(t, http.MethodGet, "/api/arena/sessions", nil, f.userHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := body["sessions"].([]any)
	assert.Len(t, sessions, 1)
}

func TestEventsWebsocket(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)
	token := f.startSession(t)

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	// Browsers cannot set an Authorization header on a websocket dial.
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/arena/ws?token=" + f.userToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Wait for the handler to register the connection before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.UserConnectionCount("user-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, _ := f.do(t, http.MethodPost, "/api/arena/deposit",
		map[string]any{"sessionToken": token}, sensorHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev broadcast.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, broadcast.EventDepositRecorded, ev.Kind)

	payload := ev.Payload.(map[string]any)
	assert.Equal(t, float64(10), payload["reward"])
}

func TestEventsWebsocket_Unauthenticated(t *testing.T) {
	f := newAPIFixture(reward.Fixed(10), 10*time.Minute)

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/arena/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
