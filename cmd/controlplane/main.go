// Command controlplane boots the autovolt control plane: Postgres store,
// MQTT transport, and every in-process component (auth, registry, sessions,
// telemetry ledger, aggregation, command pipeline, realtime hub, broadcast,
// reconciliation, scheduler), then serves the REST+websocket surface until
// told to stop. Wiring follows the teacher's cmd/server/main.go almost
// verbatim in shape: flag for config path, zap production logger, a plain
// http.Server, signal-driven graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/aggregation"
	"github.com/iotmca0/autovolt-sub001/internal/auth"
	"github.com/iotmca0/autovolt-sub001/internal/broadcast"
	"github.com/iotmca0/autovolt-sub001/internal/command"
	"github.com/iotmca0/autovolt-sub001/internal/config"
	"github.com/iotmca0/autovolt-sub001/internal/handler"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/realtime"
	"github.com/iotmca0/autovolt-sub001/internal/reconcile"
	"github.com/iotmca0/autovolt-sub001/internal/registry"
	"github.com/iotmca0/autovolt-sub001/internal/scheduler"
	"github.com/iotmca0/autovolt-sub001/internal/session"
	"github.com/iotmca0/autovolt-sub001/internal/store"
	"github.com/iotmca0/autovolt-sub001/internal/telemetry"
	"github.com/iotmca0/autovolt-sub001/internal/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownGracePeriod = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("invalid timezone: %v", err)
	}

	pgStore, err := store.NewPgStore(cfg.Postgres.DSN, sugar)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pgStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := auth.NewSessions(pgStore, sugar, time.Hour)
	if err := sessions.EnsureSigningKey(ctx); err != nil {
		sugar.Fatalf("signing key bootstrap failed: %v", err)
	}
	resolver := auth.NewCapabilityResolver(pgStore, cfg.CapabilityCacheTTL())

	reg := registry.New(pgStore, sugar)
	hub := realtime.NewHub(sugar)

	sessionTracker := session.NewTracker(pgStore, sugar, session.Options{
		Debounce:     cfg.Debounce(),
		OfflineAfter: cfg.HeartbeatOffline(),
		OnChange: func(deviceID string, status model.DeviceStatus) {
			if status == model.DeviceDegraded {
				status = model.DeviceOnline
			}
			hub.Publish(realtime.DeviceRoom(deviceID), model.Event{
				Kind: model.EventOnlineChanged, DeviceID: deviceID, Status: status, Instant: time.Now(),
			})
		},
	})
	if err := sessionTracker.Hydrate(ctx); err != nil {
		sugar.Fatalf("session hydration failed: %v", err)
	}

	if err := seedGlobalTariff(ctx, pgStore, cfg); err != nil {
		sugar.Fatalf("tariff seed failed: %v", err)
	}

	aggEngine := aggregation.NewEngine(pgStore, sugar, loc)

	ledger := telemetry.NewLedger(pgStore, reg, sugar, telemetry.Options{
		GapThreshold:      cfg.Gap(),
		DefaultCostPerKwh: cfg.DefaultCostPerKwhMinor,
	})
	ledger.SetOnEntry(func(entry model.LedgerEntry) {
		roomID := ""
		if d, err := reg.Get(ctx, entry.DeviceID); err == nil {
			roomID = d.OwnerRoomID
		}
		aggEngine.RecordEntry(entry, roomID)
	})
	if devices, err := reg.List(ctx, ""); err == nil {
		ids := make([]string, len(devices))
		for i, d := range devices {
			ids[i] = d.ID
		}
		if err := ledger.Hydrate(ctx, ids); err != nil {
			sugar.Warnw("telemetry ledger hydration failed", "error", err)
		}
	}

	var pipeline *command.Pipeline

	mqttClient, err := transport.NewClient(transport.Options{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		Handler: func(ctx context.Context, msg transport.InboundMessage) {
			dispatchInbound(ctx, sugar, reg, sessionTracker, ledger, pipeline, hub, msg)
		},
	}, sugar)
	if err != nil {
		sugar.Fatalf("mqtt connect failed: %v", err)
	}
	defer mqttClient.Close()

	pipeline = command.NewPipeline(reg, mqttClient, sessionTracker, sugar, command.Options{
		AckTimeout:     cfg.AckTimeout(),
		BulkThreshold:  cfg.BulkThreshold,
		ConfirmTTL:     cfg.ConfirmationTTL(),
		DebounceWindow: cfg.Debounce(),
	})

	broadcaster := broadcast.New(pgStore, hub, resolver, sugar)

	reconcileJob := reconcile.New(pgStore, reg, sugar, loc, reconcile.Options{
		GapThreshold: cfg.Gap(),
	})
	if _, err := reconcileJob.Start(ctx, cfg.ReconciliationCron); err != nil {
		sugar.Fatalf("reconciliation scheduling failed: %v", err)
	}

	sched := scheduler.New(pgStore, pipeline, resolver, sugar, loc, scheduler.Options{})
	if err := sched.Start(ctx); err != nil {
		sugar.Fatalf("scheduler start failed: %v", err)
	}

	go sessionTracker.Run(ctx, cfg.HeartbeatOffline()/3, cfg.AggregationFlush())
	go aggEngine.Run(ctx, cfg.AggregationFlush())

	routeHandler := handler.NewRouteHandler(pgStore, sessions, resolver, reg, pipeline, hub, broadcaster, aggEngine, sugar)

	mux := http.NewServeMux()
	mux.Handle("/", routeHandler.Mux())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sugar.Infow("autovolt control plane starting", "listen", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("graceful shutdown timed out", "error", err)
	}
}

// seedGlobalTariff creates the initial global TariffVersion from
// cfg.Tariff.SeedCostPerKwhMinor if none is active yet, so a fresh
// deployment can price telemetry from the first ingested event
// (spec.md §4.7: every LedgerEntry needs a resolvable tariff).
func seedGlobalTariff(ctx context.Context, s store.Store, cfg *config.Config) error {
	_, err := s.GetActiveTariff(ctx, model.TariffGlobal, "", time.Now())
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}
	return s.CreateTariffVersion(ctx, &model.TariffVersion{
		ID:                   "tariff_seed",
		CostPerKwhMinor:      cfg.Tariff.SeedCostPerKwhMinor,
		Scope:                model.TariffGlobal,
		EffectiveFromInstant: time.Now(),
	})
}

// dispatchInbound routes one MQTT message to the component that owns its
// payload kind: telemetry feeds the ledger and the telemetry-channel
// liveness check, state acks confirm pending commands, the dedicated
// heartbeat topic feeds heartbeat-channel liveness, and availability flips
// session status directly — onto an immediate offline for status=offline,
// since that's an authoritative last-will rather than a liveness poll
// (spec.md §4.3, §4.4, §4.5).
func dispatchInbound(
	ctx context.Context,
	logger *zap.SugaredLogger,
	reg *registry.Registry,
	tracker *session.Tracker,
	ledger *telemetry.Ledger,
	pipeline *command.Pipeline,
	hub *realtime.Hub,
	msg transport.InboundMessage,
) {
	var d model.Device
	found := false
	if hwID, err := model.NormalizeHardwareID(msg.HardwareID); err == nil {
		if devices, err := reg.List(ctx, ""); err == nil {
			for _, cand := range devices {
				if cand.HardwareID == hwID {
					d, found = cand, true
					break
				}
			}
		}
	}
	if !found {
		logger.Warnw("inbound message for unknown hardware id", "hardwareId", msg.HardwareID)
		return
	}

	switch msg.Kind {
	case transport.InboundTelemetry:
		var payload struct {
			DeviceSequence  int64               `json:"deviceSequence"`
			DeviceInstant   time.Time           `json:"deviceInstant"`
			EnergyCounterWh int64               `json:"energyCounterWh"`
			SwitchStates    []model.SwitchState `json:"switchStates"`
			RestartHint     bool                `json:"restartHint"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logger.Warnw("telemetry payload decode failed", "hardwareId", msg.HardwareID, "error", err)
			return
		}
		tracker.ObserveTelemetry(d.ID, payload.DeviceSequence, msg.Received)
		event := &model.TelemetryEvent{
			DeviceID:        d.ID,
			DeviceSequence:  payload.DeviceSequence,
			ReceivedInstant: msg.Received,
			DeviceInstant:   payload.DeviceInstant,
			EnergyCounterWh: payload.EnergyCounterWh,
			SwitchStates:    payload.SwitchStates,
			RestartHint:     payload.RestartHint,
		}
		if _, err := ledger.Ingest(ctx, event); err != nil {
			logger.Errorw("telemetry ingest failed", "deviceId", d.ID, "error", err)
			return
		}
		hub.Publish(realtime.DeviceRoom(d.ID), model.Event{
			Kind: model.EventStateChanged, DeviceID: d.ID, SwitchStates: payload.SwitchStates,
			SessionSequence: payload.DeviceSequence, Instant: msg.Received,
		})

	case transport.InboundState:
		var payload struct {
			CorrelationID string `json:"correlationId"`
			SwitchID      string `json:"switchId"`
			ObservedState bool   `json:"observedState"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logger.Warnw("state payload decode failed", "hardwareId", msg.HardwareID, "error", err)
			return
		}
		pipeline.Confirm(payload.CorrelationID, d.ID, payload.SwitchID, payload.ObservedState)

	case transport.InboundHeartbeat:
		var payload struct {
			Sequence int64 `json:"sequence"`
			Instant  int64 `json:"instant"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logger.Warnw("heartbeat payload decode failed", "hardwareId", msg.HardwareID, "error", err)
			return
		}
		tracker.Heartbeat(d.ID, payload.Sequence, msg.Received)

	case transport.InboundAvailability:
		var payload struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		if payload.Status == "offline" {
			tracker.ForceOffline(d.ID, msg.Received)
		} else {
			tracker.StatusOnline(d.ID, msg.Received)
		}
	}
}
