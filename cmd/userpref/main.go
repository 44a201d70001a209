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

	"userpref/pkg/auth"
	"userpref/pkg/events"
	"userpref/pkg/hardening"
	"userpref/pkg/httpx"
	"userpref/pkg/metrics"
	"userpref/pkg/ratelimit"
	"userpref/pkg/store"
	"userpref/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (serviceDB, func(), error)
	openRedisFn     = store.NewRedis
	listenFn        func(*http.Server) error
)

func main() {
	if err := run(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("userpref: %v", err)
	}
}

func run(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (serviceDB, func(), error),
	openRedis func(context.Context) (*redis.Client, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (serviceDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "userpref")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	authMode := env("AUTH_MODE", "oidc_hs256")
	authSecret := env("AUTH_HS256_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(authMode, "off") {
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

	redisAddr := env("REDIS_ADDR", "")
	hardeningSecrets := []hardening.EnvRequirement{}
	if strings.EqualFold(authMode, "oidc_hs256") {
		hardeningSecrets = append(hardeningSecrets, hardening.EnvRequirement{Name: "AUTH_HS256_SECRET", Value: authSecret})
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:                "userpref",
		Environment:            runtimeEnv,
		StrictProdSecurity:     env("STRICT_PROD_SECURITY", "true"),
		AuthMode:               authMode,
		DatabaseRequireTLS:     env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:              redisAddr,
		RedisRequireTLS:        env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins:     env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: hardeningSecrets,
	}); err != nil {
		return err
	}

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis disabled: %v", err)
		redisClient = nil
	}
	cache := store.NewCache(redisClient)
	limiter := ratelimit.NewRedis(redisClient, time.Minute)

	var publisher *events.Publisher
	if env("KAFKA_ENABLED", "false") == "true" {
		publisher, err = events.NewPublisher(events.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", ""), ","),
			Topic:   env("KAFKA_TOPIC", "userpref.preferences"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
	}

	registry := metrics.NewRegistry()
	s := &Server{
		DB:                  db,
		Cache:               cache,
		Metrics:             registry,
		Events:              publisher,
		Limiter:             limiter,
		RateLimitPerMin:     envInt("RATE_LIMIT_PER_MIN", 120),
		AuthMode:            authMode,
		AuditSalt:           []byte(env("AUDIT_HASH_SALT", "")),
		AuditRedact:         env("AUDIT_REDACT", "false") == "true",
		CacheTTL:            envDurationSec("CACHE_TTL_SEC", 60),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("userpref"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.metricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "userpref"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		authMode,
		authSecret,
		auth.WithJWKS(env("AUTH_JWKS_URL", "")),
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Use(s.rateLimitMiddleware)

	authRouter.Post("/v1/user", s.createUser)
	authRouter.Get("/v1/user/{userId}", s.getUser)
	authRouter.Put("/v1/user/{userId}", s.updateUser)
	authRouter.Delete("/v1/user/{userId}", s.deleteUser)
	authRouter.Get("/v1/user/{userId}/audit", s.getUserAudit)
	authRouter.Get("/metrics", registry.Handler())
	authRouter.Get("/metrics/prometheus", registry.PrometheusHandler())
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8080")
	log.Printf("userpref service listening on %s", addr)
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
