package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/aggregation"
	"github.com/iotmca0/autovolt-sub001/internal/auth"
	"github.com/iotmca0/autovolt-sub001/internal/broadcast"
	"github.com/iotmca0/autovolt-sub001/internal/command"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/realtime"
	"github.com/iotmca0/autovolt-sub001/internal/registry"
	"github.com/iotmca0/autovolt-sub001/internal/storetest"
	"github.com/iotmca0/autovolt-sub001/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakePublisher struct{}

func (fakePublisher) PublishCommand(context.Context, string, transport.CommandMessage) error {
	return nil
}

type fakeSequenceSource struct{}

func (fakeSequenceSource) NextCommandSequence(string) int64 { return 1 }

func newTestHandler(t *testing.T) (*RouteHandler, *storetest.MemStore) {
	t.Helper()
	s := storetest.New()
	logger := testLogger()

	require.NoError(t, s.PutRoleCapabilities(context.Background(), &model.RoleCapabilities{
		Role:         "operator",
		Capabilities: []model.Capability{model.CapDeviceControl, model.CapDeviceView, model.CapAnalyticsView},
	}))
	require.NoError(t, s.PutRoleCapabilities(context.Background(), &model.RoleCapabilities{
		Role:         "admin",
		Capabilities: []model.Capability{model.CapDeviceControl, model.CapBulkExecute, model.CapAnalyticsView, model.CapScheduleWrite, model.CapRoleManage},
	}))

	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(context.Background(), &model.User{ID: "user-1", Role: "operator", CredentialHash: hash, Active: true}))
	require.NoError(t, s.CreateUser(context.Background(), &model.User{ID: "admin-1", Role: "admin", CredentialHash: hash, Active: true}))

	sessions := auth.NewSessions(s, logger, time.Hour)
	require.NoError(t, sessions.EnsureSigningKey(context.Background()))
	resolver := auth.NewCapabilityResolver(s, time.Minute)
	reg := registry.New(s, logger)
	pipeline := command.NewPipeline(reg, fakePublisher{}, fakeSequenceSource{}, logger, command.Options{AckTimeout: 50 * time.Millisecond, BulkThreshold: 5})
	hub := realtime.NewHub(logger)
	b := broadcast.New(s, hub, resolver, logger)
	agg := aggregation.NewEngine(s, logger, time.UTC)

	h := NewRouteHandler(s, sessions, resolver, reg, pipeline, hub, b, agg, logger)
	return h, s
}

func issueToken(t *testing.T, h *RouteHandler, userID string) string {
	t.Helper()
	body, _ := json.Marshal(sessionRequest{UserID: userID, Password: "s3cret"})
	req := httptest.NewRequest(http.MethodPost, "/auth/session", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var resp sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token
}

func TestCreateSession_ValidCredentialsReturnsTokenAndCapabilities(t *testing.T) {
	h, _ := newTestHandler(t)
	token := issueToken(t, h, "user-1")
	assert.NotEmpty(t, token)
}

func TestCreateSession_InvalidPasswordReturns401(t *testing.T) {
	h, _ := newTestHandler(t)
	body, _ := json.Marshal(sessionRequest{UserID: "user-1", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/auth/session", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListDevices_RequiresBearerToken(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListDevices_ReturnsRegisteredDevices(t *testing.T) {
	h, s := newTestHandler(t)
	require.NoError(t, s.CreateDevice(context.Background(), &model.Device{ID: "dev-1", HardwareID: "AA11", Room: "201"}))
	token := issueToken(t, h, "user-1")

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var devices []model.Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-1", devices[0].ID)
}

func TestSubmitIntent_UnknownDeviceReturns404(t *testing.T) {
	h, _ := newTestHandler(t)
	token := issueToken(t, h, "user-1")

	body, _ := json.Marshal(intentRequest{DesiredState: true})
	req := httptest.NewRequest(http.MethodPost, "/devices/ghost/switches/sw-1/intent", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitIntent_LacksCapabilityReturns403(t *testing.T) {
	h, s := newTestHandler(t)
	require.NoError(t, s.PutRoleCapabilities(context.Background(), &model.RoleCapabilities{Role: "viewer", Capabilities: []model.Capability{model.CapDeviceView}}))
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(context.Background(), &model.User{ID: "viewer-1", Role: "viewer", CredentialHash: hash, Active: true}))
	token := issueToken(t, h, "viewer-1")

	body, _ := json.Marshal(intentRequest{DesiredState: true})
	req := httptest.NewRequest(http.MethodPost, "/devices/dev-1/switches/sw-1/intent", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAnalyticsSummary_NoDataReturnsZeroAggregate(t *testing.T) {
	h, _ := newTestHandler(t)
	token := issueToken(t, h, "user-1")

	req := httptest.NewRequest(http.MethodGet, "/analytics/summary?scope=global&scopeId=&date=2026-07-29", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var agg model.DailyAggregate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agg))
	assert.Equal(t, "2026-07-29", agg.Date)
	assert.Equal(t, float64(0), agg.TotalEnergyWh)
}

func TestCreateTariff_RequiresScheduleWriteCapability(t *testing.T) {
	h, _ := newTestHandler(t)
	token := issueToken(t, h, "user-1")

	body, _ := json.Marshal(tariffRequest{CostPerKwhMinor: 800, Scope: model.TariffGlobal, EffectiveFromInstant: time.Now()})
	req := httptest.NewRequest(http.MethodPost, "/tariffs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateTariff_AdminCreatesTariff(t *testing.T) {
	h, _ := newTestHandler(t)
	token := issueToken(t, h, "admin-1")

	body, _ := json.Marshal(tariffRequest{CostPerKwhMinor: 800, Scope: model.TariffGlobal, EffectiveFromInstant: time.Now()})
	req := httptest.NewRequest(http.MethodPost, "/tariffs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var tariff model.TariffVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tariff))
	assert.Equal(t, int64(800), tariff.CostPerKwhMinor)
}

func TestPutRoleCapabilities_BroadcastsToAffectedUsers(t *testing.T) {
	h, s := newTestHandler(t)
	token := issueToken(t, h, "admin-1")

	body, _ := json.Marshal(roleCapabilitiesRequest{Capabilities: []model.Capability{model.CapDeviceControl, model.CapDeviceView, model.CapVoiceInvoke}})
	req := httptest.NewRequest(http.MethodPost, "/roles/operator/capabilities", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	rc, err := s.GetRoleCapabilities(context.Background(), "operator")
	require.NoError(t, err)
	assert.Contains(t, rc.Capabilities, model.CapVoiceInvoke)
}

func TestHealth_ReturnsOK(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
