// Gateway brokers AI-agent access to users' SaaS accounts and databases.
// It manages connection lifecycles, serves the per-user tool catalog, and
// executes tools through a single entry point.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"toolgate/pkg/audit"
	"toolgate/pkg/auth"
	"toolgate/pkg/broker"
	"toolgate/pkg/catalog"
	"toolgate/pkg/config"
	"toolgate/pkg/dbexec"
	"toolgate/pkg/events"
	"toolgate/pkg/integrations"
	tgOtel "toolgate/pkg/otel"
	"toolgate/pkg/providers"
	"toolgate/pkg/router"
	"toolgate/pkg/secrets"
	"toolgate/pkg/session"
	"toolgate/pkg/store"
	"toolgate/pkg/types"
)

const (
	maxBodyBytes    = 1 << 20 // 1 MB
	maxRateLimiters = 10_000
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)
	config.LoadDotenv()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := tgOtel.Setup(ctx, tgOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "toolgate-gateway"),
		OTLPEndpoint:   otelEndpoint,
		MetricsEnabled: true,
		TracingEnabled: otelEndpoint != "",
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}
	metrics := tgOtel.NewMetrics()

	// ── Postgres ─────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, buildPostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// ── Encryption key ───────────────────────────────────────────────────
	key, err := secrets.LoadKey(ctx)
	if err != nil {
		log.Error("encryption key load failed", "error", err)
		os.Exit(1)
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		log.Error("cipher init failed", "error", err)
		os.Exit(1)
	}

	// ── Sessions ─────────────────────────────────────────────────────────
	sessionTTL := config.EnvOrDuration("SESSION_TTL", session.DefaultTTL)
	var sessions session.Correlator
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		sessions = session.NewRedisStore(redis.NewClient(opts), sessionTTL)
		log.Info("session store: redis")
	} else {
		mem := session.NewMemoryStore(sessionTTL)
		defer mem.Close()
		sessions = mem
		log.Info("session store: in-memory")
	}

	// ── Events ───────────────────────────────────────────────────────────
	var publisher events.Publisher = events.NopPublisher{Logger: log}
	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		pub, err := events.NewAMQPPublisher(amqpURL)
		if err != nil {
			log.Error("amqp connect failed", "error", err)
			os.Exit(1)
		}
		defer pub.Close() //nolint:errcheck // best-effort shutdown
		publisher = pub
		log.Info("event publisher: amqp")
	}

	// ── Dependencies ─────────────────────────────────────────────────────
	registry, err := providers.Load(os.Getenv("PROVIDERS_FILE"))
	if err != nil {
		log.Error("provider registry load failed", "error", err)
		os.Exit(1)
	}
	connStore := store.NewStore(pool)
	executors := dbexec.NewRegistry()
	brokerClient := broker.NewClient(
		config.EnvOr("BROKER_URL", "http://localhost:8090"),
		os.Getenv("BROKER_API_KEY"),
		config.EnvOrDuration("BROKER_TIMEOUT", 15*time.Second),
	)
	auditStore := audit.NewStore(pool)

	svc := integrations.NewService(integrations.Config{
		Store:        connStore,
		Broker:       brokerClient,
		Sessions:     sessions,
		Registry:     registry,
		Executors:    executors,
		Cipher:       cipher,
		Events:       publisher,
		Logger:       log,
		CallbackBase: config.EnvOr("PUBLIC_BASE_URL", "http://localhost:8080"),
	})

	gw := &Gateway{
		log:          log,
		svc:          svc,
		catalog:      catalog.NewBuilder(connStore, registry),
		router:       router.New(connStore, brokerClient, registry, executors, cipher, log),
		audit:        audit.NewRecorder(auditStore, log),
		auditReader:  auditStore,
		executors:    executors,
		metrics:      metrics,
		rateLimiters: make(map[string]*rate.Limiter),
		perUserLimit: config.EnvOrInt("RATE_LIMIT_PER_USER", 30),
	}

	keyStore := auth.NewKeyStore(os.Getenv("API_KEYS"))
	jwtSecret := []byte(os.Getenv("JWT_SECRET"))
	if len(jwtSecret) == 0 {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	// ── Router ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Browser lands here from the provider's consent screen; no auth, the
	// single-use session token is the credential.
	r.Get(integrations.CallbackPath, gw.HandleOAuthCallback)

	// User surface.
	r.Group(func(r chi.Router) {
		r.Use(auth.JWTAuth(jwtSecret))
		r.Post("/v1/integrations/connect", gw.HandleConnect)
		r.Get("/v1/integrations", gw.HandleListIntegrations)
		r.Delete("/v1/integrations/{provider}", gw.HandleDisconnect)
		r.Get("/v1/databases/types", gw.HandleDatabaseTypes)
		r.Post("/v1/databases/test", gw.HandleTestDatabase)
		r.Post("/v1/databases", gw.HandleConnectDatabase)
		r.Get("/v1/databases", gw.HandleListDatabases)
		r.Delete("/v1/databases/{id}", gw.HandleDisconnectDatabase)
		r.Get("/v1/executions", gw.HandleListExecutions)
	})

	// Agent surface.
	r.Group(func(r chi.Router) {
		r.Use(auth.APIKeyAuth(keyStore))
		r.Get("/v1/tools", gw.HandleListTools)
		r.Post("/v1/tools/execute", gw.HandleExecute)
	})

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	// ── Server ───────────────────────────────────────────────────────────
	addr := config.EnvOr("GATEWAY_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("gateway starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gateway")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

func buildPostgresDSN() string {
	sslmode := config.EnvOr("POSTGRES_SSLMODE", "disable")
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(config.EnvOr("POSTGRES_USER", "toolgate"), config.EnvOr("POSTGRES_PASSWORD", "changeme")),
		Host:     net.JoinHostPort(config.EnvOr("POSTGRES_HOST", "localhost"), config.EnvOr("POSTGRES_PORT", "5432")),
		Path:     config.EnvOr("POSTGRES_DB", "toolgate"),
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String()
}

// ──────────────────────────────────────────────────────────────────────────────
// Gateway handler
// ──────────────────────────────────────────────────────────────────────────────

type Gateway struct {
	log          *slog.Logger
	svc          gatewayService
	catalog      gatewayCatalog
	router       gatewayRouter
	audit        gatewayAudit
	auditReader  gatewayAuditReader
	executors    *dbexec.Registry
	metrics      *tgOtel.Metrics
	rateLimiters map[string]*rate.Limiter
	rlOrder      []string
	rlMu         sync.Mutex
	perUserLimit int
}

type gatewayService interface {
	InitiateOAuth(ctx context.Context, userID, provider, redirectURL string, force bool) (*integrations.ConnectResult, error)
	CompleteOAuthCallback(ctx context.Context, token string) (*integrations.CallbackResult, error)
	DisconnectOAuth(ctx context.Context, userID, provider string) error
	ListOAuth(ctx context.Context, userID string) ([]store.OAuthConnection, error)
	TestDatabase(ctx context.Context, dbType string, creds dbexec.Credentials) error
	ConnectDatabase(ctx context.Context, userID, dbType, name string, creds dbexec.Credentials) (*store.DatabaseConnection, error)
	DisconnectDatabase(ctx context.Context, userID, id string) error
	ListDatabases(ctx context.Context, userID string) ([]store.DatabaseConnection, error)
}

type gatewayCatalog interface {
	Build(ctx context.Context, userID string) ([]types.ToolDescriptor, error)
}

type gatewayRouter interface {
	Execute(ctx context.Context, req types.ExecuteRequest) (*types.ExecutionResult, error)
}

type gatewayAudit interface {
	Record(ctx context.Context, rec audit.Record)
}

type gatewayAuditReader interface {
	ListRecent(ctx context.Context, userID string, limit int) ([]audit.Record, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// OAuth integration handlers (user surface)
// ──────────────────────────────────────────────────────────────────────────────

// HandleConnect is POST /v1/integrations/connect.
func (gw *Gateway) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserFromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req struct {
		Provider    string `json:"provider"`
		RedirectURL string `json:"redirect_url"`
		Force       bool   `json:"force_reauth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if req.Provider == "" {
		types.ErrValidation(&types.ValidationError{Field: "provider", Reason: "required"}).WriteJSON(w)
		return
	}

	res, err := gw.svc.InitiateOAuth(ctx, userID, req.Provider, req.RedirectURL, req.Force)
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	gw.metrics.OAuthFlows.WithLabelValues("initiated").Inc()
	writeJSON(w, http.StatusOK, res)
}

// HandleOAuthCallback is GET /v1/integrations/callback?session=...
// On success the browser is redirected to where the flow started from.
func (gw *Gateway) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.URL.Query().Get("session")
	if token == "" {
		types.ErrBadRequest("missing session parameter").WriteJSON(w)
		return
	}

	res, err := gw.svc.CompleteOAuthCallback(ctx, token)
	if err != nil {
		gw.metrics.OAuthFlows.WithLabelValues("failed").Inc()
		gw.writeError(ctx, w, err)
		return
	}
	gw.metrics.OAuthFlows.WithLabelValues("completed").Inc()

	if res.RedirectURL != "" {
		http.Redirect(w, r, withQueryParam(res.RedirectURL, "connected", res.Provider), http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": res.Provider, "status": "connected"})
}

// HandleListIntegrations is GET /v1/integrations.
func (gw *Gateway) HandleListIntegrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conns, err := gw.svc.ListOAuth(ctx, auth.UserFromContext(ctx))
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": conns})
}

// HandleDisconnect is DELETE /v1/integrations/{provider}.
func (gw *Gateway) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := gw.svc.DisconnectOAuth(ctx, auth.UserFromContext(ctx), chi.URLParam(r, "provider")); err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ──────────────────────────────────────────────────────────────────────────────
// Database handlers (user surface)
// ──────────────────────────────────────────────────────────────────────────────

// HandleDatabaseTypes is GET /v1/databases/types.
func (gw *Gateway) HandleDatabaseTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": gw.executors.Types()})
}

type databaseRequest struct {
	DBType      string             `json:"db_type"`
	Name        string             `json:"name"`
	Credentials dbexec.Credentials `json:"credentials"`
}

// HandleTestDatabase is POST /v1/databases/test. Nothing is stored.
func (gw *Gateway) HandleTestDatabase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req databaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if err := gw.svc.TestDatabase(ctx, req.DBType, req.Credentials); err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleConnectDatabase is POST /v1/databases.
func (gw *Gateway) HandleConnectDatabase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req databaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	conn, err := gw.svc.ConnectDatabase(ctx, auth.UserFromContext(ctx), req.DBType, req.Name, req.Credentials)
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

// HandleListDatabases is GET /v1/databases.
func (gw *Gateway) HandleListDatabases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conns, err := gw.svc.ListDatabases(ctx, auth.UserFromContext(ctx))
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": conns})
}

// HandleDisconnectDatabase is DELETE /v1/databases/{id}.
func (gw *Gateway) HandleDisconnectDatabase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := gw.svc.DisconnectDatabase(ctx, auth.UserFromContext(ctx), chi.URLParam(r, "id")); err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListExecutions is GET /v1/executions.
func (gw *Gateway) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	records, err := gw.auditReader.ListRecent(ctx, auth.UserFromContext(ctx), limit)
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

// ──────────────────────────────────────────────────────────────────────────────
// Tool handlers (agent surface)
// ──────────────────────────────────────────────────────────────────────────────

// HandleListTools is GET /v1/tools?user_id=...
func (gw *Gateway) HandleListTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		types.ErrValidation(&types.ValidationError{Field: "user_id", Reason: "required"}).WriteJSON(w)
		return
	}

	tools, err := gw.catalog.Build(ctx, userID)
	if err != nil {
		gw.log.ErrorContext(ctx, "catalog build failed", "user_id", userID, "error", err)
		types.ErrInternal("catalog build failed").WriteJSON(w)
		return
	}
	gw.metrics.CatalogSize.WithLabelValues().Observe(float64(len(tools)))
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// HandleExecute is POST /v1/tools/execute.
func (gw *Gateway) HandleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if err := req.Validate(); err != nil {
		types.ErrValidation(err).WriteJSON(w)
		return
	}

	if !gw.allowRate(req.UserID) {
		types.ErrRateLimited().WriteJSON(w)
		return
	}

	result, err := gw.router.Execute(ctx, req)
	if err != nil {
		gw.writeError(ctx, w, err)
		return
	}

	provenance := router.Provenance(req.Tool)
	outcome := "success"
	if !result.Success {
		outcome = string(result.ErrorCode)
	}
	gw.metrics.Executions.WithLabelValues(string(provenance), outcome).Inc()
	gw.metrics.ExecutionDuration.WithLabelValues(string(provenance)).Observe(float64(result.DurationMS) / 1000)
	gw.audit.Record(ctx, audit.Record{
		UserID:     req.UserID,
		Tool:       req.Tool,
		Provenance: provenance,
		Success:    result.Success,
		ErrorCode:  string(result.ErrorCode),
		DurationMS: result.DurationMS,
	})

	writeJSON(w, http.StatusOK, result)
}

// ──────────────────────────────────────────────────────────────────────────────
// Rate limiting (bounded map with eviction)
// ──────────────────────────────────────────────────────────────────────────────

func (gw *Gateway) allowRate(userID string) bool {
	gw.rlMu.Lock()
	defer gw.rlMu.Unlock()

	lim, ok := gw.rateLimiters[userID]
	if ok {
		// Move to end of LRU order.
		for i, k := range gw.rlOrder {
			if k == userID {
				gw.rlOrder = append(gw.rlOrder[:i], gw.rlOrder[i+1:]...)
				break
			}
		}
		gw.rlOrder = append(gw.rlOrder, userID)
		return lim.Allow()
	}

	if len(gw.rateLimiters) >= maxRateLimiters {
		oldest := gw.rlOrder[0]
		gw.rlOrder = gw.rlOrder[1:]
		delete(gw.rateLimiters, oldest)
	}

	lim = rate.NewLimiter(rate.Limit(gw.perUserLimit), gw.perUserLimit*2)
	gw.rateLimiters[userID] = lim
	gw.rlOrder = append(gw.rlOrder, userID)
	return lim.Allow()
}

// ──────────────────────────────────────────────────────────────────────────────
// Response helpers
// ──────────────────────────────────────────────────────────────────────────────

func (gw *Gateway) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	apiErr := types.APIErrorFrom(err)
	if apiErr.HTTPCode >= http.StatusInternalServerError {
		gw.log.ErrorContext(ctx, "request failed", "code", apiErr.Code, "error", err)
	}
	apiErr.WriteJSON(w)
}

// withQueryParam appends one query parameter, tolerating URLs that already
// carry a query string. Unparseable URLs pass through unchanged.
func withQueryParam(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
