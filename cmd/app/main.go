package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/alerting"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/api"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/baseline"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/communication"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/database"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/datawriter"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/health"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/inventory"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/metricsink"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/persistence"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/pipeline"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/poller"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/scheduler"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/statemachine"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/worker"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const credentialCacheTTL = 5 * time.Minute

type stores struct {
	state     persistence.StateStore
	alerts    persistence.AlertStore
	baselines persistence.BaselineStore
	metrics   metricsink.Sink
	close     func()
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	// ══════════════════════════════════════════════════════════════
	// CONFIGURATION
	// ══════════════════════════════════════════════════════════════
	conf, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("Failed to load conf", "error", err)
		os.Exit(1)
	}

	// ══════════════════════════════════════════════════════════════
	// STRUCTURED LOGGING
	// ══════════════════════════════════════════════════════════════
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: conf.SlogLevel()}))
	slog.SetDefault(logger)

	if err := config.Validate(conf); err != nil {
		fatal("Invalid configuration", err)
	}
	slog.Info("Config loaded", "state_backend", conf.StateStoreBackend, "lanes", len(conf.Lanes),
		"checks", len(conf.Checks), "scheduler_tick", conf.SchedulerTick.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ══════════════════════════════════════════════════════════════
	// DATABASE
	// ══════════════════════════════════════════════════════════════
	db, err := database.Connect(conf)
	if err != nil {
		fatal("Failed to connect to database", err)
	}
	if err := database.Migrate(db); err != nil {
		fatal("Failed to migrate database", err)
	}

	st, err := openStores(ctx, conf, db)
	if err != nil {
		fatal("Failed to open stores", err)
	}
	defer st.close()

	cipher, err := database.NewCipher(conf.EncryptionKey)
	if err != nil {
		fatal("Failed to initialise credential cipher", err)
	}
	inv := inventory.NewService(db, cipher, credentialCacheTTL)

	// ══════════════════════════════════════════════════════════════
	// ALERT SINKS
	// ══════════════════════════════════════════════════════════════
	hub := communication.NewHub()
	sinks := communication.FanOut{communication.LogSink{}, hub}
	if conf.NatsURL != "" {
		nc, err := communication.NewNATSPublisher(conf.NatsURL)
		if err != nil {
			fatal("Failed to connect to NATS", err)
		}
		defer nc.Close()
		sinks = append(sinks, nc)
	}

	// ══════════════════════════════════════════════════════════════
	// SERVICES
	// ══════════════════════════════════════════════════════════════
	writer := datawriter.NewWriter(st.metrics, datawriter.Options{
		BufferSize:    conf.SinkBufferSize,
		BatchSize:     conf.SinkBatchSize,
		FlushInterval: conf.SinkFlushInterval,
		Timeout:       conf.SinkTimeout,
		Retries:       conf.SinkRetries,
		Backoff:       conf.RetryBackoff,
	})

	cache := baseline.NewCache()
	if err := cache.Warm(ctx, st.baselines); err != nil {
		slog.Warn("Baseline cache not warmed, anomaly rules wait for the next learning cycle", "error", err)
	}
	learner := baseline.NewLearner(st.metrics, st.baselines, cache, baseline.Options{
		LookbackDays: conf.BaselineLookbackDays,
		MinSamples:   conf.BaselineMinSamples,
		FullSamples:  conf.BaselineFullSamples,
		Location:     conf.Location(),
		Metrics:      conf.BaselineMetrics,
		Timeout:      conf.StoreTimeout,
	})

	rules, err := alerting.LoadRules(conf.RulesPath)
	if err != nil {
		fatal("Failed to load alert rules", err)
	}
	latest := alerting.NewLatestIndex()
	evaluator := alerting.NewEvaluator(rules, st.state, st.alerts, latest, st.metrics, cache, sinks, alerting.Options{
		Location:     conf.Location(),
		LatestMaxAge: conf.LatestMaxAge,
		StoreTimeout: conf.StoreTimeout,
		StoreRetries: conf.StoreRetries,
		RetryBackoff: conf.RetryBackoff,
	})
	if err := evaluator.LoadOpen(ctx); err != nil {
		fatal("Failed to load open alerts", err)
	}

	executor := poller.NewExecutor(poller.Options{
		FpingPath:   conf.FpingPath,
		PluginsDir:  conf.PluginsDir,
		MaxInFlight: conf.MaxInFlight,
		Backoff:     conf.RetryBackoff,
	}, inv)

	// The machine reports transitions to the pipeline, which needs the machine.
	var pipe *pipeline.Pipeline
	machine := statemachine.NewMachine(st.state, statemachine.Options{
		Policy: statemachine.Policy{
			FailureThreshold: conf.FailureThreshold,
			FlapWindow:       conf.FlapWindow,
			FlapThreshold:    conf.FlapThreshold,
		},
		Shards:       conf.StateShards,
		ShardBuffer:  conf.InternalQueueSize,
		StoreTimeout: conf.StoreTimeout,
		StoreRetries: conf.StoreRetries,
		RetryBackoff: conf.RetryBackoff,
	}, func(ctx context.Context, ev *models.TransitionEvent) { pipe.OnTransition(ctx, ev) })
	pipe = pipeline.New(executor, machine, writer, latest, evaluator, learner, sinks, conf.EvalTriggerBuffer)

	router := worker.NewRouter[*models.PollTask](conf.Lanes, pipe.Handle, 0)
	monitor := health.NewHealthMonitor(router, writer, machine, conf.StallAfter, 3)

	checkEvents := make(chan models.Event, 1)
	sched := scheduler.NewScheduler(conf.Checks, inv, router, monitor, checkEvents,
		conf.SchedulerTick, conf.InventoryTimeout)

	// ══════════════════════════════════════════════════════════════
	// START SERVICES
	// ══════════════════════════════════════════════════════════════
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(writer.Run)
	run(machine.Run)
	run(pipe.Run)
	run(hub.Run)
	router.Start(ctx)
	run(sched.Run)

	go func() {
		if err := alerting.WatchRules(ctx, conf.RulesPath, evaluator); err != nil {
			slog.Warn("Rule file watch disabled", "error", err)
		}
	}()
	if err := config.Watch(ctx, ".", func(next *config.Config) {
		learner.SetThresholds(baseline.Thresholds{
			LookbackDays: next.BaselineLookbackDays,
			MinSamples:   next.BaselineMinSamples,
			FullSamples:  next.BaselineFullSamples,
		})
		machine.SetPolicy(statemachine.Policy{
			FailureThreshold: next.FailureThreshold,
			FlapWindow:       next.FlapWindow,
			FlapThreshold:    next.FlapThreshold,
		})
		select {
		case checkEvents <- models.Event{Type: models.EventChecksReloaded, Payload: next.Checks}:
		default:
			slog.Warn("Check reload dropped, scheduler busy")
		}
	}); err != nil {
		slog.Info("Config watch disabled", "error", err)
	}

	// ══════════════════════════════════════════════════════════════
	// ROUTER SETUP
	// ══════════════════════════════════════════════════════════════
	gin.SetMode(gin.ReleaseMode)
	engine := api.NewRouter(api.Deps{
		Health:    monitor,
		Rules:     evaluator,
		RulesPath: conf.RulesPath,
		Alerts:    st.alerts,
		States:    st.state,
		Stream:    hub.ServeWS,
		Auth:      api.NewJwtAuth(conf.JWTSecret, conf.AdminUser, conf.AdminHash, conf.SessionDurationHours),
	})

	// ══════════════════════════════════════════════════════════════
	// START SERVER
	// ══════════════════════════════════════════════════════════════
	srv := &http.Server{Addr: conf.ServerAddress, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		var err error
		if conf.TLSCertFile != "" && conf.TLSKeyFile != "" {
			slog.Info("Starting HTTPS app", "address", conf.ServerAddress)
			err = srv.ListenAndServeTLS(conf.TLSCertFile, conf.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP app", "address", conf.ServerAddress)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	router.Wait()
	wg.Wait()

	applied, stale, failures := machine.Stats()
	ws := writer.Stats()
	slog.Info("Stopped", "state_applied", applied, "state_stale", stale, "state_failures", failures,
		"samples_written", ws.Written, "samples_dropped", ws.Dropped)
}

// openStores builds the state, alert, baseline and metric stores for the
// configured backend. Inventory always comes from the relational database.
func openStores(ctx context.Context, conf *config.Config, db *gorm.DB) (*stores, error) {
	if conf.StateStoreBackend == "memory" {
		slog.Warn("Using in-memory stores, nothing survives a restart")
		return &stores{
			state:     persistence.NewMemoryStateStore(),
			alerts:    persistence.NewMemoryAlertStore(),
			baselines: persistence.NewMemoryBaselineStore(),
			metrics:   metricsink.NewMemory(time.Duration(conf.BaselineLookbackDays) * 24 * time.Hour),
			close:     func() {},
		}, nil
	}

	metrics, err := metricsink.NewStore(ctx, conf.MetricsDSN())
	if err != nil {
		return nil, err
	}
	if err := metrics.EnsureSchema(ctx); err != nil {
		metrics.Close()
		return nil, err
	}

	st := &stores{
		state:     persistence.NewGormStateStore(db),
		alerts:    persistence.NewGormAlertStore(db),
		baselines: persistence.NewGormBaselineStore(db),
		metrics:   metrics,
		close:     metrics.Close,
	}

	if conf.StateStoreBackend == "dynamodb" {
		client, err := persistence.NewDynamoClient(ctx, conf.AWSRegion, conf.DynamoDBEndpoint)
		if err != nil {
			metrics.Close()
			return nil, err
		}
		st.state = persistence.NewDynamoStateStore(client, conf.DynamoDBTable)
		slog.Info("Device state stored in DynamoDB", "table", conf.DynamoDBTable, "region", conf.AWSRegion)
	}
	return st, nil
}
