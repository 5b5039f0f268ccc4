// Package handler implements the HTTP REST surface (spec.md §6.1) and the
// /realtime websocket upgrade endpoint (spec.md §6.2). Handler methods on
// RouteHandler follow the teacher's RouteHandler{store, logger} shape:
// decode, validate, call into a narrow component interface, write JSON.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/aggregation"
	"github.com/iotmca0/autovolt-sub001/internal/auth"
	"github.com/iotmca0/autovolt-sub001/internal/broadcast"
	"github.com/iotmca0/autovolt-sub001/internal/command"
	"github.com/iotmca0/autovolt-sub001/internal/idgen"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/realtime"
	"github.com/iotmca0/autovolt-sub001/internal/registry"
	"github.com/iotmca0/autovolt-sub001/internal/store"

	"go.uber.org/zap"
)

// RouteHandler wires every REST and websocket endpoint to its backing
// component.
type RouteHandler struct {
	store       store.Store
	sessions    *auth.Sessions
	resolver    *auth.CapabilityResolver
	registry    *registry.Registry
	pipeline    *command.Pipeline
	hub         *realtime.Hub
	broadcaster *broadcast.Broadcaster
	aggregator  *aggregation.Engine
	logger      *zap.SugaredLogger
}

func NewRouteHandler(
	s store.Store,
	sessions *auth.Sessions,
	resolver *auth.CapabilityResolver,
	reg *registry.Registry,
	pipeline *command.Pipeline,
	hub *realtime.Hub,
	b *broadcast.Broadcaster,
	agg *aggregation.Engine,
	logger *zap.SugaredLogger,
) *RouteHandler {
	return &RouteHandler{store: s, sessions: sessions, resolver: resolver, registry: reg, pipeline: pipeline, hub: hub, broadcaster: b, aggregator: agg, logger: logger}
}

// Mux builds the full router with middleware applied per spec.md §6.1,
// following the teacher's plain `http.ServeMux` + Go 1.22 method/pattern
// routing (cmd/server/main.go) rather than introducing a router
// dependency — the teacher never reaches for one, and the stdlib mux
// already expresses everything this surface needs ({param} path
// segments, per-route method dispatch).
func (h *RouteHandler) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/session", h.createSession)
	mux.HandleFunc("GET /health", h.health)

	authMW := Authenticate(h.sessions, h.resolver, h.logger)
	deviceControl := RequireCapability(model.CapDeviceControl)
	bulkExecute := RequireCapability(model.CapBulkExecute)
	analyticsView := RequireCapability(model.CapAnalyticsView)
	scheduleWrite := RequireCapability(model.CapScheduleWrite)
	roleManage := RequireCapability(model.CapRoleManage)

	mux.Handle("GET /devices", Wrap(http.HandlerFunc(h.listDevices), authMW))
	mux.Handle("POST /devices/{deviceID}/switches/{switchID}/intent", Wrap(http.HandlerFunc(h.submitIntent), authMW, deviceControl))
	mux.Handle("POST /intents/bulk", Wrap(http.HandlerFunc(h.submitBulkIntent), authMW, bulkExecute))
	mux.Handle("GET /analytics/summary", Wrap(http.HandlerFunc(h.analyticsSummary), authMW, analyticsView))
	mux.Handle("GET /analytics/range", Wrap(http.HandlerFunc(h.analyticsRange), authMW, analyticsView))
	mux.Handle("POST /tariffs", Wrap(http.HandlerFunc(h.createTariff), authMW, scheduleWrite))
	mux.Handle("POST /roles/{role}/capabilities", Wrap(http.HandlerFunc(h.putRoleCapabilities), authMW, roleManage))

	mux.HandleFunc("GET /realtime", h.realtimeUpgrade)

	return Wrap(mux, CORS, func(next http.Handler) http.Handler { return Recovery(h.logger, next) })
}

type sessionRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token        string              `json:"token"`
	UserID       string              `json:"userId"`
	Capabilities []model.Capability  `json:"capabilities"`
}

func (h *RouteHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "malformed request body")
		return
	}
	user, err := h.sessions.Authenticate(r.Context(), req.UserID, req.Password)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	token, _, err := h.sessions.Issue(r.Context(), user.ID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	identity, err := h.resolver.Resolve(r.Context(), user.ID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	caps := make([]model.Capability, 0, len(identity.Capabilities))
	for c, ok := range identity.Capabilities {
		if ok {
			caps = append(caps, c)
		}
	}
	JSON(w, http.StatusOK, sessionResponse{Token: token, UserID: user.ID, Capabilities: caps})
}

func (h *RouteHandler) health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *RouteHandler) listDevices(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	devices, err := h.registry.ListForUser(r.Context(), identity.User.ID, identity.Scoped())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	JSON(w, http.StatusOK, devices)
}

type intentRequest struct {
	DesiredState  bool   `json:"desiredState"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (h *RouteHandler) submitIntent(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	deviceID := r.PathValue("deviceID")
	switchID := r.PathValue("switchID")

	var req intentRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "malformed request body")
		return
	}

	intent := model.NewSingleIntent(idgen.New("intent"), identity.User.ID, deviceID, switchID, req.DesiredState, req.CorrelationID, time.Now())
	result, err := h.pipeline.Execute(r.Context(), identity, intent)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

type bulkIntentRequest struct {
	Selector      model.IntentTarget `json:"selector"`
	DesiredState  bool               `json:"desiredState"`
	Confirm       string             `json:"confirm,omitempty"`
}

func (h *RouteHandler) submitBulkIntent(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())

	var req bulkIntentRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "malformed request body")
		return
	}

	correlationID := req.Confirm
	if correlationID == "" {
		correlationID = idgen.NewV4()
	}
	intent := model.NewBulkIntent(correlationID, identity.User.ID, req.Selector, req.DesiredState, correlationID, time.Now())
	result, err := h.pipeline.Execute(r.Context(), identity, intent)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

func (h *RouteHandler) analyticsSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := model.AggregateScope(q.Get("scope"))
	scopeID := q.Get("scopeId")
	date := q.Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	agg, err := h.store.GetDailyAggregate(r.Context(), scope, scopeID, date)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			JSON(w, http.StatusOK, model.DailyAggregate{Scope: scope, ScopeID: scopeID, Date: date})
			return
		}
		writeAppErr(w, err)
		return
	}
	JSON(w, http.StatusOK, agg)
}

func (h *RouteHandler) analyticsRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := model.AggregateScope(q.Get("scope"))
	scopeID := q.Get("scopeId")
	from := q.Get("from")
	to := q.Get("to")
	if from == "" || to == "" {
		ErrJSON(w, http.StatusBadRequest, "from and to are required")
		return
	}

	rows, err := h.store.GetDailyRange(r.Context(), scope, scopeID, from, to)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	JSON(w, http.StatusOK, rows)
}

type tariffRequest struct {
	CostPerKwhMinor      int64             `json:"costPerKwhMinor"`
	Scope                model.TariffScope `json:"scope"`
	ScopeID              string            `json:"scopeId,omitempty"`
	EffectiveFromInstant time.Time         `json:"effectiveFromInstant"`
}

func (h *RouteHandler) createTariff(w http.ResponseWriter, r *http.Request) {
	var req tariffRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.CostPerKwhMinor <= 0 {
		ErrJSON(w, http.StatusBadRequest, "costPerKwhMinor must be positive")
		return
	}

	tariff := &model.TariffVersion{
		ID:                   idgen.New("tariff"),
		CostPerKwhMinor:      req.CostPerKwhMinor,
		Scope:                req.Scope,
		ScopeID:              req.ScopeID,
		EffectiveFromInstant: req.EffectiveFromInstant,
	}

	previous, err := h.store.GetActiveTariff(r.Context(), tariff.Scope, tariff.ScopeID, tariff.EffectiveFromInstant)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeAppErr(w, err)
		return
	}
	if err := h.store.CreateTariffVersion(r.Context(), tariff); err != nil {
		writeAppErr(w, err)
		return
	}
	if previous != nil {
		if err := h.store.SupersedeTariff(r.Context(), previous.ID, tariff.ID); err != nil {
			h.logger.Errorw("supersede tariff failed", "oldTariffId", previous.ID, "newTariffId", tariff.ID, "error", err)
		} else if h.aggregator != nil {
			go h.recomputeTariff(previous.ID, tariff)
		}
	}
	JSON(w, http.StatusCreated, tariff)
}

// recomputeTariff walks every ledger entry priced under the superseded
// tariff and re-prices it under the new one (spec.md §4.7: "a tariff
// change ... triggers recomputation of the affected date range, chunked by
// day and resumable"). Runs detached from the request since the affected
// range can span many days.
func (h *RouteHandler) recomputeTariff(oldTariffID string, newTariff *model.TariffVersion) {
	ctx := context.Background()
	devices, err := h.registry.List(ctx, "")
	if err != nil {
		h.logger.Errorw("recompute tariff: list devices failed", "error", err)
		return
	}
	deviceRoomIDs := make(map[string]string, len(devices))
	for _, d := range devices {
		deviceRoomIDs[d.ID] = d.OwnerRoomID
	}
	if err := h.aggregator.RecomputeTariffChange(ctx, oldTariffID, newTariff, newTariff.EffectiveFromInstant, deviceRoomIDs); err != nil {
		h.logger.Errorw("recompute tariff failed", "oldTariffId", oldTariffID, "newTariffId", newTariff.ID, "error", err)
	}
}

type roleCapabilitiesRequest struct {
	Capabilities []model.Capability `json:"capabilities"`
}

func (h *RouteHandler) putRoleCapabilities(w http.ResponseWriter, r *http.Request) {
	role := model.Role(r.PathValue("role"))

	var req roleCapabilitiesRequest
	if err := DecodeJSON(r, &req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "malformed request body")
		return
	}

	rc := &model.RoleCapabilities{Role: role, Capabilities: req.Capabilities, UpdatedAt: time.Now()}
	if err := h.store.PutRoleCapabilities(r.Context(), rc); err != nil {
		writeAppErr(w, err)
		return
	}

	if err := h.broadcaster.RoleCapabilitiesChanged(r.Context(), role, req.Capabilities); err != nil {
		h.logger.Errorw("permission broadcast failed", "role", role, "error", err)
	}
	JSON(w, http.StatusOK, rc)
}

func (h *RouteHandler) realtimeUpgrade(w http.ResponseWriter, r *http.Request) {
	_, err := h.hub.UpgradeAuthenticated(w, r, 10*time.Second, func(ctx context.Context, token string) (string, []string, error) {
		claims, err := h.sessions.Verify(ctx, token)
		if err != nil {
			return "", nil, err
		}
		identity, err := h.resolver.Resolve(ctx, claims.Sub)
		if err != nil {
			return "", nil, err
		}
		devices, err := h.registry.ListForUser(ctx, identity.User.ID, identity.Scoped())
		if err != nil {
			return "", nil, err
		}
		deviceIDs := make([]string, len(devices))
		for i, d := range devices {
			deviceIDs[i] = d.ID
		}
		return identity.User.ID, deviceIDs, nil
	})
	if err != nil {
		h.logger.Debugw("realtime upgrade failed", "error", err)
	}
}
