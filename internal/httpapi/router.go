package httpapi

import (
	"fmt"
	"net/http"

	"kiroproxy/internal/auth"
	"kiroproxy/internal/config"
	"kiroproxy/internal/logging"
	"kiroproxy/internal/middleware"
	"kiroproxy/internal/orchestrator"
	"kiroproxy/internal/pool"
	"kiroproxy/internal/queue"
	"kiroproxy/internal/ratelimit"
	"kiroproxy/internal/scheduler"
	"kiroproxy/internal/stats"
	"kiroproxy/internal/storage"
	"kiroproxy/internal/upstream"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Config       *config.Config
	Pool         *pool.Pool
	Refresher    *auth.Refresher
	Upstream     *upstream.Client
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Stats        *stats.Manager
	FlowLogger   *logging.FlowLogger
	FlowWorker   *storage.FlowQueueWorker
	FlowRepo     *storage.FlowRepository
	FlowQueue    queue.Queue

	adminPasswordHash string
}

// NewRouter creates an HTTP router with all dependencies wired up.
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	// Account snapshot store and pool.
	store, err := storage.NewSnapshotStore(cfg.State.Path, cfg.State.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
	}
	accounts, err := store.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load account snapshot: %w", err)
	}
	accountPool := pool.New(pool.Config{
		CooldownDuration: cfg.Pool.CooldownDuration,
		AffinityTTL:      cfg.Pool.AffinityTTL,
	}, accounts, store)

	// Credential refresher and upstream client.
	refresher := auth.NewRefresher(cfg.Upstream.AuthBaseURL, cfg.Upstream.OIDCRegion)
	client := upstream.NewClient(upstream.Options{
		BaseURL:        cfg.Upstream.BaseURL,
		AgentVersion:   cfg.Upstream.AgentVersion,
		ConnTimeout:    cfg.Upstream.ConnTimeout,
		HeaderTimeout:  cfg.Upstream.HeaderTimeout,
		IdleTimeout:    cfg.Upstream.IdleTimeout,
		RequestTimeout: cfg.Upstream.RequestTimeout,
	})

	// Flow sinks: local JSONL always, queue + Postgres when configured.
	flowLogger, err := logging.NewFlowLogger(
		cfg.FlowLogger.FilePathTemplate,
		cfg.FlowLogger.MaxSize,
		cfg.FlowLogger.MaxFiles,
		cfg.FlowLogger.BufferSize,
		cfg.FlowLogger.FlushInterval,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize flow logger: %w", err)
	}
	sinks := []logging.FlowSink{flowLogger}

	deps := &Dependencies{
		Config:     cfg,
		Pool:       accountPool,
		Refresher:  refresher,
		Upstream:   client,
		Stats:      stats.NewManager(),
		FlowLogger: flowLogger,
	}

	if cfg.DatabaseURL != "" {
		repo, err := storage.NewFlowRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize flow repository: %w", err)
		}

		queueCfg := queue.DefaultConfig("flows")
		var (
			flowQueue queue.Queue
			flowDLQ   queue.DeadLetterQueue
		)
		if cfg.Redis.Address != "" {
			queueCfg.UseRedis = true
			queueCfg.RedisAddr = cfg.Redis.Address
			queueCfg.RedisPassword = cfg.Redis.Password
			queueCfg.RedisDB = cfg.Redis.DB
			if flowQueue, err = queue.NewRedisQueue(queueCfg); err != nil {
				return nil, nil, fmt.Errorf("failed to create flow queue: %w", err)
			}
			if flowDLQ, err = queue.NewRedisDeadLetterQueue(queueCfg); err != nil {
				return nil, nil, fmt.Errorf("failed to create flow DLQ: %w", err)
			}
		} else {
			flowQueue = queue.NewMemoryQueue(queueCfg)
			flowDLQ = queue.NewMemoryDeadLetterQueue()
		}

		deps.FlowRepo = repo
		deps.FlowQueue = flowQueue
		deps.FlowWorker = storage.NewFlowQueueWorker(flowQueue, flowDLQ, repo, queueCfg)
		sinks = append(sinks, logging.NewQueueSink(flowQueue))
	}

	pacer := ratelimit.NewPacer(cfg.Pool.MinRequestInterval)
	deps.Orchestrator = orchestrator.New(
		accountPool, refresher, client, pacer,
		logging.NewMultiSink(sinks...), deps.Stats,
		cfg.Upstream.RequestTimeout,
	)

	deps.Scheduler = scheduler.New(scheduler.Config{
		RefreshInterval: cfg.Scheduler.RefreshInterval,
		RefreshWindow:   cfg.Scheduler.RefreshWindow,
		HealthInterval:  cfg.Scheduler.HealthInterval,
	}, accountPool, refresher, client)

	if cfg.AdminPassword != "" {
		hash, err := auth.HashPassword(cfg.AdminPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash admin password: %w", err)
		}
		deps.adminPasswordHash = hash
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	return mux, deps, nil
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Client-facing protocol endpoints. The Authorization header is accepted
	// unconditionally.
	mux.HandleFunc("/v1/chat/completions", deps.handleChatCompletions)
	mux.HandleFunc("/v1/messages", deps.handleMessages)
	mux.HandleFunc("/v1/messages/count_tokens", deps.handleCountTokens)
	mux.HandleFunc("/v1/models", deps.handleModels)
	// Gemini routes arrive as /v1/models/{model}:generateContent. The exact
	// /v1/models path goes to handleModels; the /v1/models/ subtree goes to
	// handleGeminiGenerate, which reads the model and method from the path.
	mux.HandleFunc("/v1/models/", deps.handleGeminiGenerate)
	mux.HandleFunc("/v1beta/models/", deps.handleGeminiGenerate)

	// Health check endpoint.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Management API.
	mux.HandleFunc("/admin/auth/login", deps.handleAdminLogin)

	adminJWT := middleware.AdminJWT(deps.Config.JWTSecret, deps.Config.AdminPassword, auth.RoleAdmin)
	viewerJWT := middleware.AdminJWT(deps.Config.JWTSecret, deps.Config.AdminPassword, auth.RoleViewer)
	mux.Handle("/api/accounts", adminJWT(http.HandlerFunc(deps.handleAccounts)))
	mux.Handle("/api/accounts/", adminJWT(http.HandlerFunc(deps.handleAccountAction)))
	mux.Handle("/api/stats", viewerJWT(http.HandlerFunc(deps.handleStats)))
	mux.Handle("/api/status", viewerJWT(http.HandlerFunc(deps.handleStatus)))
	mux.Handle("/api/flows", viewerJWT(http.HandlerFunc(deps.handleFlows)))
}
