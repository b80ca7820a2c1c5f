package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/auth"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/hardening"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/httpx"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/metrics"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/store"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Server struct {
	Store               adminStore
	Invalidate          cacheInvalidator
	Metrics             *metrics.Registry
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
}

type adminDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// adminStore is the persistence surface of the write path; *store.Repository
// satisfies it.
type adminStore interface {
	CreateRole(ctx context.Context, role models.Role) error
	GetRole(ctx context.Context, roleName string) (models.Role, error)
	ListRoles(ctx context.Context) ([]models.Role, error)
	DeleteRole(ctx context.Context, roleName string) error

	CreateConstraint(ctx context.Context, c models.Constraint) error
	GetConstraint(ctx context.Context, constraintID string) (models.Constraint, error)
	ListConstraints(ctx context.Context, startingToken string, pageSize int) ([]models.Constraint, string, error)
	DeleteConstraint(ctx context.Context, constraintID string) error

	SetUserRoles(ctx context.Context, userID string, roleNames []string) error
	GetUserRoles(ctx context.Context, userID string) (models.UserRoleAssignment, error)
	DeleteUserRoles(ctx context.Context, userID string) error
}

// cacheInvalidator drops cached principal constraint sets after a write so
// the gateway observes the change before the TTL expires. *store.CachedStore
// satisfies it; a nil invalidator means caches age out on their own.
type cacheInvalidator interface {
	InvalidateRole(ctx context.Context, roleName string)
	InvalidateUser(ctx context.Context, userID string)
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFnA       func(context.Context) (adminDB, func(), error)
	openRedisFnA    = store.NewRedis
	listenFnA       func(*http.Server) error
)

func main() {
	if err := runAdmin(initTelemetryFn, openDBFnA, listenFnA); err != nil {
		logFatalf("admin: %v", err)
	}
}

func runAdmin(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (adminDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (adminDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "admin")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	repo := &store.Repository{DB: db}

	var invalidate cacheInvalidator
	if redisClient, err := openRedisFnA(ctx); err != nil {
		log.Printf("admin: redis unavailable, cache invalidation disabled: %v", err)
	} else {
		invalidate = store.NewCachedStore(repo, store.NewCache(ctx, redisClient), 0)
	}

	s := &Server{
		Store:               repo,
		Invalidate:          invalidate,
		Metrics:             metrics.NewRegistry(),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
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
		Service:            "admin",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		AuthMode:           s.AuthMode,
		AuthSecret:         s.AuthSecret,
		AuthJWKSURL:        env("OIDC_JWKS_URL", ""),
	}); err != nil {
		return err
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("admin"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "admin"})
	})
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

	authRouter.Post("/v1/roles", s.withRoles(s.createRole, "admin", "securityadmin"))
	authRouter.Get("/v1/roles", s.withRoles(s.listRoles, "admin", "securityadmin", "operator"))
	authRouter.Get("/v1/roles/{roleName}", s.withRoles(s.getRole, "admin", "securityadmin", "operator"))
	authRouter.Put("/v1/roles/{roleName}", s.withRoles(s.updateRole, "admin", "securityadmin"))
	authRouter.Delete("/v1/roles/{roleName}", s.withRoles(s.deleteRole, "admin", "securityadmin"))

	authRouter.Post("/v1/constraints", s.withRoles(s.createConstraint, "admin", "securityadmin"))
	authRouter.Get("/v1/constraints", s.withRoles(s.listConstraints, "admin", "securityadmin", "operator"))
	authRouter.Get("/v1/constraints/{constraintId}", s.withRoles(s.getConstraint, "admin", "securityadmin", "operator"))
	authRouter.Put("/v1/constraints/{constraintId}", s.withRoles(s.updateConstraint, "admin", "securityadmin"))
	authRouter.Delete("/v1/constraints/{constraintId}", s.withRoles(s.deleteConstraint, "admin", "securityadmin"))

	authRouter.Post("/v1/user-roles/{userId}", s.withRoles(s.setUserRoles, "admin", "securityadmin"))
	authRouter.Put("/v1/user-roles/{userId}", s.withRoles(s.setUserRoles, "admin", "securityadmin"))
	authRouter.Get("/v1/user-roles/{userId}", s.withRoles(s.getUserRoles, "admin", "securityadmin", "operator"))
	authRouter.Delete("/v1/user-roles/{userId}", s.withRoles(s.deleteUserRoles, "admin", "securityadmin"))

	authRouter.Post("/v1/templates/import", s.withRoles(s.importTemplate, "admin", "securityadmin"))
	authRouter.Get("/v1/metrics", s.withRoles(s.Metrics.Handler(), "admin", "securityadmin", "operator"))
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8081")
	log.Printf("admin service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) requireSubject(r *http.Request) (string, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.Subject) == "" {
		return "", errors.New("unauthenticated")
	}
	return principal.Subject, nil
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("admin %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
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

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
