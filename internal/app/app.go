package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/yungbote/posterforge/internal/aggregator"
	"github.com/yungbote/posterforge/internal/bus"
	"github.com/yungbote/posterforge/internal/dispatcher"
	"github.com/yungbote/posterforge/internal/eventhub"
	"github.com/yungbote/posterforge/internal/pipeline"
	"github.com/yungbote/posterforge/internal/platform/config"
	"github.com/yungbote/posterforge/internal/platform/logger"
	"github.com/yungbote/posterforge/internal/sink"
	"github.com/yungbote/posterforge/internal/store"
	"github.com/yungbote/posterforge/internal/streamgateway"
	"github.com/yungbote/posterforge/internal/worker"
)

// App wires every component named in the orchestration core: Store, Bus, EventHub,
// Dispatcher, Worker pool, Aggregator, StreamGateway, and Sink.
type App struct {
	Log        *logger.Logger
	Store      store.Store
	Bus        bus.Bus
	Hub        *eventhub.Hub
	Dispatcher *dispatcher.Dispatcher
	Worker     *worker.Worker
	Aggregator *aggregator.Aggregator
	Sink       *sink.Sink
	Gateway    *streamgateway.Gateway
	Mux        *http.ServeMux
	cancel     context.CancelFunc
	rasterizer pipeline.Rasterizer
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := store.OpenPostgres(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Sync()
		return nil, fmt.Errorf("store automigrate: %w", err)
	}
	st := store.NewGormStore(db, log)

	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "localhost:9092", log), ",")
	b, err := bus.NewKafkaBus(brokers, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init bus: %w", err)
	}

	redisAddr := config.GetEnv("REDIS_ADDR", "localhost:6379", log)
	federator, err := eventhub.NewRedisFederator(redisAddr, "posterforge-events", log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init eventhub federator: %w", err)
	}
	hub := eventhub.NewHub(federator, log)

	rasterizer := pipeline.NewChromeRasterizer(log)
	overlay := pipeline.NewOverlay(nil)
	blobs, err := pipeline.NewGCSBlobStore(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init blob store: %w", err)
	}
	profileBaseURL := config.GetEnv("PROFILE_API_BASE_URL", "https://gcp.galactus.run/fetchByUsername", log)
	profiles := pipeline.NewHTTPProfileService(profileBaseURL, nil)

	deps := worker.Deps{Profiles: profiles, Rasterizer: rasterizer, Overlay: overlay, Blobs: blobs}

	w := worker.NewWorker(b, st, hub, deps, log)
	agg := aggregator.NewAggregator(b, st, hub, log)
	disp := dispatcher.NewDispatcher(st, b, log)
	sk := sink.NewSink(st, blobs, log)
	gw := streamgateway.NewGateway(hub, st, log)

	a := &App{
		Log:        log,
		Store:      st,
		Bus:        b,
		Hub:        hub,
		Dispatcher: disp,
		Worker:     w,
		Aggregator: agg,
		Sink:       sk,
		Gateway:    gw,
		rasterizer: rasterizer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{job_id}/events", gw.ServeHTTP)
	mux.HandleFunc("POST /jobs/identifiers", a.handleSubmitIdentifiers)
	mux.HandleFunc("POST /jobs/rows", a.handleSubmitRows)
	mux.HandleFunc("GET /jobs", a.handleListJobs)
	mux.HandleFunc("GET /jobs/{job_id}", a.handleGetJob)
	mux.HandleFunc("GET /jobs/{job_id}/results", a.handleGetResults)
	mux.HandleFunc("GET /jobs/{job_id}/logs", a.handleGetLogs)
	mux.HandleFunc("POST /jobs/{job_id}/cancel", a.handleCancelJob)
	a.Mux = mux

	return a, nil
}

// Start launches the background components: the Redis federation forwarder, the
// worker pool (if runWorker), and the aggregator (if runWorker). A server-only
// process still needs federation running so StreamGateway subscribers see events
// published by worker processes elsewhere.
func (a *App) Start(runWorker bool) {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.Hub.StartFederation(ctx); err != nil {
		a.Log.Error("eventhub federation failed to start", "error", err)
	}

	if runWorker {
		a.Worker.Start(ctx)
		a.Aggregator.Start(ctx)
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Mux == nil {
		return fmt.Errorf("app not initialized")
	}
	return http.ListenAndServe(addr, a.Mux)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.rasterizer != nil {
		_ = a.rasterizer.Close()
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
