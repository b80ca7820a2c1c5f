package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/audit"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/auth"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/enforce"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/hardening"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/httpx"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/metrics"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/policy"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/ratelimit"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/rolesync"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/store"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/stream"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Store               *store.CachedStore
	Enforcer            *enforce.Enforcer
	Audit               auditStore
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Redis               *redis.Client
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	AuthMode            string
	AuthSecret          string
	TrustDelegated      bool
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	Version             string
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	ListForPrincipal(ctx context.Context, principalID string, limit int) ([]audit.Record, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type (
	gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
	gatewayOpenDBFunc        func(ctx context.Context) (gatewayDBCloser, error)
	gatewayOpenRedisFunc     func(ctx context.Context) (*redis.Client, error)
	gatewayListenFunc        func(server *http.Server) error
	gatewayStartLoopsFunc    func(s *Server)
)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
	openRedisFnG  = store.NewRedis
	listenFnG     = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG = func(s *Server) {
		if env("KAFKA_ENABLED", "false") == "true" {
			consumer, err := rolesync.NewKafkaConsumer(rolesync.KafkaConfig{
				Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
				Topic:   env("KAFKA_TOPIC", "vams.authz.events"),
				GroupID: env("KAFKA_GROUP_ID", "vams-gateway"),
			})
			if err != nil {
				log.Printf("rolesync disabled: %v", err)
				return
			}
			runner := &rolesync.Runner{Bus: consumer, Cache: s.Store}
			go runner.Run(context.Background())
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	constraintCacheTTL := envDurationSec("CONSTRAINT_CACHE_TTL_SEC", 30)
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	repo := &store.Repository{DB: pool}
	cached := store.NewCachedStore(repo, cache, constraintCacheTTL)
	routeTablePath := env("ROUTE_TABLE_PATH", "routes.json")
	routeTable, err := enforce.LoadRouteTable(routeTablePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("route table: %w", err)
		}
		log.Printf("route table %s missing, all routes fall back to the api gate", routeTablePath)
		routeTable = enforce.NewRouteTable(nil)
	}

	s := &Server{
		DB:      pool,
		Cache:   cache,
		Store:   cached,
		Audit:   &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Redis:   redisClient,
		Metrics: metrics.NewRegistry(),
		Events:  stream.NewHub(),
		Enforcer: &enforce.Enforcer{
			Policy: &policy.Aggregator{Store: cached},
			Routes: routeTable,
			Bypass: parseBypassRoutes(env("BYPASS_ROUTES", "GET /api/amplify-config,GET /secure-config,GET /version")),
		},
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		TrustDelegated:      env("TRUST_DELEGATED_PRINCIPAL", "false") == "true",
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		Version:             env("SERVICE_VERSION", "dev"),
	}
	s.Metrics.SetGauge("route_table_entries", float64(routeTable.Len()))

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		AuthMode:              s.AuthMode,
		AuthSecret:            s.AuthSecret,
		AuthJWKSURL:           env("OIDC_JWKS_URL", ""),
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/version", s.handleVersion)

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Get("/v1/metrics", s.Metrics.Handler())
	authRouter.Get("/v1/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/decisions", s.handleDecision)
	authRouter.Post("/v1/auth/routes", s.handleProbeRoutes)
	authRouter.Get("/v1/audit", s.handleAuditList)
	authRouter.Get("/v1/events", s.streamEvents)
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// parseBypassRoutes turns "GET /version,GET /secure-config" into the
// enforcer's bypass set.
func parseBypassRoutes(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		if len(fields) != 2 {
			continue
		}
		out[enforce.BypassKey(fields[0], fields[1])] = struct{}{}
	}
	return out
}

func parseCIDRs(raw string) []*net.IPNet {
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		subject := "anonymous"
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
			subject = principal.Subject
		}
		key := "rl:" + subject + ":" + s.clientIP(r)
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
