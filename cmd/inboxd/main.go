// Inlet Inbox Daemon
//
// Standalone inbox engine binary. Hosts the inboxes declared in the
// configuration file on a shared storage backend and exposes an HTTP
// surface for writes, dead-letter inspection, health and metrics.

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.inlet.tech/internal/common/lifecycle"
	"go.inlet.tech/internal/config"
	"go.inlet.tech/internal/engine"
	"go.inlet.tech/internal/health"
	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
	"go.inlet.tech/internal/storage/memory"
	"go.inlet.tech/internal/storage/mongostore"
	"go.inlet.tech/internal/storage/postgres"
	"go.inlet.tech/internal/storage/redisstore"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("INLET_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("component", "inboxd").
		Msg("Starting Inlet Inbox Daemon")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lm := lifecycle.NewManager()

	backend, err := openBackend(ctx, cfg.Storage, lm)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to open storage backend")
	}
	log.Info().Str("backend", cfg.Storage.Backend).Msg("Storage backend ready")

	eng := engine.New()
	for _, spec := range cfg.Inboxes {
		opts := spec.Options()
		provider, err := backend.provider(ctx, storage.FromOptions(spec.Name, opts))
		if err != nil {
			log.Fatal().Err(err).Str("inbox", spec.Name).Msg("Failed to prepare inbox storage")
		}

		ic := engine.InboxConfig{
			Name:         spec.Name,
			Options:      opts,
			HealthPolicy: health.MaxBacklogPolicy(100_000, time.Hour, nil),
		}
		switch {
		case opts.Mode == inbox.ModeBatched:
			ic.BatchHandler = loggingBatchHandler(spec.Name)
		case opts.Mode == inbox.ModeFIFOBatched:
			ic.GroupHandler = loggingGroupHandler(spec.Name)
		default:
			reg := inbox.NewRegistry()
			reg.SetFallback(loggingHandler(spec.Name))
			ic.Registry = reg
		}

		if _, err := eng.Register(ic, provider); err != nil {
			log.Fatal().Err(err).Str("inbox", spec.Name).Msg("Failed to register inbox")
		}
		log.Info().Str("inbox", spec.Name).Str("mode", string(opts.Mode)).Msg("Inbox registered")
	}

	eng.Start()
	lm.RegisterEngineShutdown("inbox-engine", func(ctx context.Context) error {
		eng.Stop()
		return nil
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/q/health", handleHealth(eng, backend))
	r.Get("/q/health/live", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
	})
	r.Get("/q/health/ready", handleHealth(eng, backend))

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/inboxes", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"inboxes": eng.Names()})
	})
	r.Post("/inboxes/{name}/messages", handleWrite(eng))
	r.Get("/inboxes/{name}/dead-letters", handleDeadLetters(eng))
	r.Get("/inboxes/{name}/backlog", handleBacklog(eng))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	lm.RegisterHTTPShutdown("http-server", server.Shutdown)

	lm.WaitForSignal()
	if err := lm.Execute(); err != nil {
		log.Error().Err(err).Msg("Shutdown did not finish cleanly")
		os.Exit(1)
	}
	log.Info().Msg("Inlet Inbox Daemon stopped")
}

// backendConn abstracts the shared storage connection: it builds per-inbox
// providers and answers readiness pings.
type backendConn struct {
	provider func(ctx context.Context, cfg storage.Config) (storage.Provider, error)
	ping     func(ctx context.Context) error
}

func openBackend(ctx context.Context, cfg config.StorageConfig, lm *lifecycle.Manager) (*backendConn, error) {
	switch cfg.Backend {
	case "memory":
		return &backendConn{
			provider: func(ctx context.Context, sc storage.Config) (storage.Provider, error) {
				return memory.New(sc), nil
			},
			ping: func(ctx context.Context) error { return nil },
		}, nil

	case "postgres":
		db, err := sql.Open("pgx", cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		lm.RegisterStorageShutdown("postgres", func(ctx context.Context) error {
			return db.Close()
		})
		return &backendConn{
			provider: func(ctx context.Context, sc storage.Config) (storage.Provider, error) {
				store, err := postgres.New(db, sc)
				if err != nil {
					return nil, err
				}
				if err := store.CreateSchema(ctx); err != nil {
					return nil, err
				}
				return store, nil
			},
			ping: db.PingContext,
		}, nil

	case "redis":
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		lm.RegisterStorageShutdown("redis", func(ctx context.Context) error {
			return rdb.Close()
		})
		return &backendConn{
			provider: func(ctx context.Context, sc storage.Config) (storage.Provider, error) {
				return redisstore.New(rdb, sc), nil
			},
			ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}, nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		db := client.Database(cfg.MongoDatabase)
		lm.RegisterStorageShutdown("mongo", func(ctx context.Context) error {
			return client.Disconnect(ctx)
		})
		return &backendConn{
			provider: func(ctx context.Context, sc storage.Config) (storage.Provider, error) {
				store := mongostore.New(db, sc)
				if err := store.EnsureIndexes(ctx); err != nil {
					return nil, err
				}
				return store, nil
			},
			ping: func(ctx context.Context) error { return client.Ping(ctx, nil) },
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Default handlers: without application code linked in, inboxd drains
// messages by logging them. Deployments embed the engine and register real
// handlers instead.

func loggingHandler(name string) inbox.Handler {
	return func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		log.Info().
			Str("inbox", name).
			Str("id", env.ID.String()).
			Str("messageType", env.MessageType).
			Int("payloadBytes", len(env.Payload)).
			Msg("Message received")
		return inbox.Success()
	}
}

func loggingBatchHandler(name string) inbox.BatchHandler {
	return func(ctx context.Context, envs []*inbox.Envelope) []inbox.BatchResult {
		log.Info().Str("inbox", name).Int("messages", len(envs)).Msg("Batch received")
		results := make([]inbox.BatchResult, 0, len(envs))
		for _, env := range envs {
			results = append(results, inbox.BatchResult{ID: env.ID, Result: inbox.ResultSuccess})
		}
		return results
	}
}

func loggingGroupHandler(name string) inbox.GroupHandler {
	return func(ctx context.Context, groupID string, envs []*inbox.Envelope) []inbox.BatchResult {
		log.Info().Str("inbox", name).Str("group", groupID).Int("messages", len(envs)).Msg("Group batch received")
		results := make([]inbox.BatchResult, 0, len(envs))
		for _, env := range envs {
			results = append(results, inbox.BatchResult{ID: env.ID, Result: inbox.ResultSuccess})
		}
		return results
	}
}

// HTTP handlers

type writeRequest struct {
	MessageType     string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	GroupID         string          `json:"groupId,omitempty"`
	DeduplicationID string          `json:"deduplicationId,omitempty"`
	CollapseKey     string          `json:"collapseKey,omitempty"`
}

func handleWrite(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		in, ok := eng.Inbox(chi.URLParam(req, "name"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown inbox")
			return
		}

		var body writeRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}

		msg := &inbox.Message{
			InboxName:       in.Name,
			MessageType:     body.MessageType,
			Payload:         body.Payload,
			GroupID:         body.GroupID,
			DeduplicationID: body.DeduplicationID,
			CollapseKey:     body.CollapseKey,
		}
		outcome, err := in.Writer.WriteMessage(req.Context(), msg)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		status := http.StatusCreated
		result := "inserted"
		if outcome == storage.Duplicate {
			status = http.StatusOK
			result = "duplicate"
		}
		writeJSON(w, status, map[string]string{
			"id":     msg.ID.String(),
			"result": result,
		})
	}
}

func handleDeadLetters(eng *engine.Engine) http.HandlerFunc {
	type entry struct {
		ID            string    `json:"id"`
		MessageType   string    `json:"messageType"`
		GroupID       string    `json:"groupId,omitempty"`
		AttemptsCount int       `json:"attemptsCount"`
		FailureReason string    `json:"failureReason"`
		ReceivedAt    time.Time `json:"receivedAt"`
		MovedAt       time.Time `json:"movedAt"`
	}

	return func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		limit := 100
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		entries, err := eng.DeadLetters(req.Context(), name, limit)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}

		out := make([]entry, 0, len(entries))
		for _, e := range entries {
			out = append(out, entry{
				ID:            e.ID.String(),
				MessageType:   e.MessageType,
				GroupID:       e.GroupID,
				AttemptsCount: e.AttemptsCount,
				FailureReason: e.FailureReason,
				ReceivedAt:    e.ReceivedAt,
				MovedAt:       e.MovedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"inbox": name, "deadLetters": out})
	}
}

func handleBacklog(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		in, ok := eng.Inbox(name)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown inbox")
			return
		}
		m := in.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"inbox":        name,
			"pending":      m.PendingCount,
			"captured":     m.CapturedCount,
			"deadLettered": m.DeadLetterCount,
			"oldestPendingReceivedAt": func() any {
				if m.OldestPendingReceivedAt.IsZero() {
					return nil
				}
				return m.OldestPendingReceivedAt
			}(),
		})
	}
}

func handleHealth(eng *engine.Engine, backend *backendConn) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := backend.ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "DOWN", "reason": err.Error()})
			return
		}
		if err := eng.Check(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "DOWN", "reason": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
