package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/adapter/config"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/adapter/excel"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/adapter/modbus"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/adapter/mqtt"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/adapter/opcua"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/adapter/postgres"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/adapter/s7"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/allocation"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/health"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/metrics"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/plc"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/service"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/task"
	"github.com/dj1530954213/FactoryTesting-sub006/pkg/logging"
)

var version = "dev"

func main() {
	logger := logging.New("info", "json")
	logger.Info().
		Str("version", version).
		Str("service", "factest").
		Msg("starting factory acceptance test service")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsRegistry := metrics.NewRegistry()

	// PLC connections: one to the test rig, one to the unit under test.
	rigConn, err := buildConnection("rig", cfg.PLC.Rig, cfg.PLC.CallTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build rig connection")
	}
	uutConn, err := buildConnection("uut", cfg.PLC.UUT, cfg.PLC.CallTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build uut connection")
	}
	plcManager := plc.NewManager(rigConn, uutConn, plc.ManagerConfig{
		CallTimeout:        cfg.PLC.CallTimeout,
		MaxRetries:         cfg.PLC.MaxRetries,
		RetryDelay:         cfg.PLC.RetryDelay,
		BreakerMaxFailures: cfg.PLC.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.PLC.BreakerOpenTimeout,
	}, logger, metricsRegistry)
	if err := plcManager.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect plc endpoints")
	}
	defer plcManager.Close()

	// Progress publishing and result persistence are both optional.
	var publisher service.Publisher = service.NopPublisher{}
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.BrokerURL != "" {
		mqttPub, err = mqtt.NewPublisher(mqtt.PublisherConfig{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize mqtt publisher")
		}
		if err := mqttPub.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect mqtt broker")
		}
		defer mqttPub.Close()
		publisher = mqttPub
	}

	var store service.Store = service.NopStore{}
	var pgStore *postgres.Store
	if cfg.Store.DSN != "" {
		pgStore, err = postgres.NewStore(ctx, postgres.StoreConfig{
			DSN:      cfg.Store.DSN,
			PoolSize: cfg.Store.PoolSize,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize result store")
		}
		defer pgStore.Close()
		store = pgStore
	}

	// Allocation side: rig slot table, pool and engine.
	slots, err := allocation.LoadSlots(cfg.Rig.SlotsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.Rig.SlotsFile).Msg("failed to load rig slot table")
	}
	pool := allocation.NewPool(slots)
	engine := allocation.NewEngine(pool, logger, metricsRegistry)

	manager := service.NewManager(plcManager.Rig(), plcManager.UUT(), service.ManagerConfig{
		MaxConcurrent: cfg.Test.MaxConcurrent,
		Serial:        cfg.Test.Serial,
		Task: task.Config{
			Tolerance:          cfg.Test.Tolerance,
			StabilizationDelay: cfg.Test.StabilizationDelay,
		},
	}, logger, metricsRegistry, publisher, store)

	importer := excel.NewImporter(logger)
	coordinator := service.NewCoordinator(importer, pool, engine, manager, logger)

	probes := []health.Probe{
		{Name: "plc", Check: func(context.Context) bool { return plcManager.IsHealthy() }},
	}
	if mqttPub != nil {
		probes = append(probes, health.Probe{
			Name:  "mqtt",
			Check: func(context.Context) bool { return mqttPub.IsConnected() },
		})
	}
	if pgStore != nil {
		probes = append(probes, health.Probe{Name: "store", Check: pgStore.IsHealthy})
	}
	healthChecker := health.NewChecker(logger, probes...)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	registerAPI(mux, coordinator, manager, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	logger.Info().Msg("factory acceptance test service started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("shutdown signal received, stopping")

	manager.StopAll()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := manager.WaitIdle(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tasks did not drain before shutdown deadline")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error stopping http server")
	}
	logger.Info().Msg("factory acceptance test service stopped")
}

// buildConnection constructs the protocol adapter selected by the
// endpoint configuration.
func buildConnection(name string, ep config.EndpointConfig, timeout time.Duration, logger zerolog.Logger) (plc.Connection, error) {
	switch ep.Driver {
	case "modbus":
		return modbus.NewClient(name, modbus.Config{
			Address: ep.Address,
			SlaveID: ep.SlaveID,
			Timeout: timeout,
		}, logger)
	case "s7":
		return s7.NewClient(name, s7.Config{
			Address: ep.Address,
			Rack:    ep.Rack,
			Slot:    ep.Slot,
			Timeout: timeout,
		}, logger)
	case "opcua":
		return opcua.NewClient(name, opcua.Config{
			Endpoint:       ep.Address,
			RequestTimeout: timeout,
		}, logger)
	case "sim":
		return plc.NewSim(name), nil
	}
	return nil, fmt.Errorf("unknown plc driver %q", ep.Driver)
}

// registerAPI exposes the operator surface: import, wiring
// confirmation, run control and manual test results.
func registerAPI(mux *http.ServeMux, coordinator *service.Coordinator, manager *service.Manager, logger zerolog.Logger) {
	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(v)
	}
	writeErr := func(w http.ResponseWriter, err error) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	}

	mux.HandleFunc("POST /api/allocate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path      string `json:"path"`
			BatchName string `json:"batch_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		summary, err := coordinator.ImportAndAllocate(req.Path, req.BatchName)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("POST /api/wiring/confirm", func(w http.ResponseWriter, r *http.Request) {
		n, err := manager.ConfirmAllWiring(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"confirmed": n})
	})

	mux.HandleFunc("POST /api/run/start", func(w http.ResponseWriter, r *http.Request) {
		if err := manager.Start(context.WithoutCancel(r.Context())); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	})

	mux.HandleFunc("POST /api/run/pause", func(w http.ResponseWriter, r *http.Request) {
		manager.PauseAll()
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	})

	mux.HandleFunc("POST /api/run/resume", func(w http.ResponseWriter, r *http.Request) {
		manager.ResumeAll()
		writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	})

	mux.HandleFunc("POST /api/run/stop", func(w http.ResponseWriter, r *http.Request) {
		manager.StopAll()
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
	})

	mux.HandleFunc("POST /api/channels/{id}/retest", func(w http.ResponseWriter, r *http.Request) {
		if err := manager.RetestChannel(context.WithoutCancel(r.Context()), r.PathValue("id")); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "retested"})
	})

	mux.HandleFunc("POST /api/channels/{id}/manual", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Item    string `json:"item"`
			Success bool   `json:"success"`
			Detail  string `json:"detail"`
			Skip    bool   `json:"skip"`
			Reason  string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		id := r.PathValue("id")
		item := domain.SubTestItem(req.Item)
		var err error
		if req.Skip {
			err = manager.SkipManualItem(r.Context(), id, item, req.Reason)
		} else {
			err = manager.ApplyManualOutcome(r.Context(), id, item, req.Success, req.Detail)
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	})

	mux.HandleFunc("POST /api/channels/{id}/manual/begin", func(w http.ResponseWriter, r *http.Request) {
		if err := manager.BeginManualTest(r.Context(), r.PathValue("id")); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "manual testing"})
	})

	mux.HandleFunc("POST /api/channels/{id}/alarm/begin", func(w http.ResponseWriter, r *http.Request) {
		if err := manager.BeginAlarmTest(r.Context(), r.PathValue("id")); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "alarm testing"})
	})

	mux.HandleFunc("POST /api/channels/{id}/skip", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := manager.SkipChannel(r.Context(), r.PathValue("id"), req.Reason); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
	})

	mux.HandleFunc("POST /api/batches/next", func(w http.ResponseWriter, r *http.Request) {
		batch, err := coordinator.NextBatch()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"batch": batch.Name})
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		batch := manager.Batch()
		if batch == nil {
			writeJSON(w, http.StatusOK, map[string]any{"running": manager.Running()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"running": manager.Running(),
			"batch":   batch.Name,
			"summary": batch.Summary(),
		})
	})

	logger.Info().Msg("operator api registered")
}
