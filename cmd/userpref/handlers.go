package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"userpref/pkg/audit"
	"userpref/pkg/auth"
	"userpref/pkg/authz"
	"userpref/pkg/events"
	"userpref/pkg/httpx"
	"userpref/pkg/metrics"
	"userpref/pkg/preference"
	"userpref/pkg/ratelimit"
	"userpref/pkg/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type serviceDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Server struct {
	DB                  serviceDB
	Cache               store.Cache
	Metrics             *metrics.Registry
	Events              *events.Publisher
	Limiter             ratelimit.Limiter
	RateLimitPerMin     int
	AuthMode            string
	AuditSalt           []byte
	AuditRedact         bool
	CacheTTL            time.Duration
	MaxRequestBodyBytes int64

	now func() time.Time
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// createUser provisions the preference record for the user named in the
// body. Only elevated callers may create, including for themselves.
func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	// Create needs elevation regardless of target, so the gate runs
	// before the body is even decoded.
	identity, ok := s.authorize(w, r, uuid.Nil, authz.OpCreate)
	if !ok {
		return
	}
	var req struct {
		UserID   string `json:"userId"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	target, err := uuid.Parse(strings.TrimSpace(req.UserID))
	if err != nil {
		httpx.Error(w, 400, "invalid userId")
		return
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		httpx.Error(w, 400, "language required")
		return
	}
	tx, err := s.DB.Begin(r.Context())
	if err != nil {
		internalServerError(w, "begin create", err)
		return
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	now := s.clock()
	rec, err := preference.Create(r.Context(), preference.NewPGStore(tx), target, language, identity.ActorID, now)
	if errors.Is(err, preference.ErrConflict) {
		s.incOutcome("conflict")
		httpx.Error(w, 400, "UserExists")
		return
	}
	if err != nil {
		internalServerError(w, "create preference", err)
		return
	}
	if err := s.appendAudit(r.Context(), tx, audit.Record{
		Action:       audit.ActionCreate,
		TargetUserID: target,
		Actor:        identity.ActorID.String(),
		Language:     language,
		CreatedAt:    now,
	}); err != nil {
		internalServerError(w, "audit create", err)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		internalServerError(w, "commit create", err)
		return
	}
	s.invalidateCache(r.Context(), target)
	s.publish(r.Context(), events.Event{
		Type:       events.TypeCreated,
		UserID:     target,
		Language:   rec.PreferredLanguage,
		Actor:      identity.ActorID.String(),
		OccurredAt: now,
	})
	s.incOutcome("created")
	httpx.WriteJSON(w, 200, target.String())
}

// getUser returns the caller's own preference, or anyone's for elevated
// callers. Soft-deleted and never-created users look identical.
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathUserID(w, r)
	if !ok {
		return
	}
	if _, ok := s.authorize(w, r, target, authz.OpRead); !ok {
		return
	}
	key := cacheKey(target)
	if s.Cache != nil {
		if payload, hit, err := s.Cache.Get(r.Context(), key); err == nil && hit {
			if s.Metrics != nil {
				s.Metrics.IncCacheHit()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(200)
			_, _ = w.Write(payload)
			return
		}
		if s.Metrics != nil {
			s.Metrics.IncCacheMiss()
		}
	}
	rec, err := preference.Read(r.Context(), preference.NewPGStore(s.DB), target)
	if errors.Is(err, preference.ErrNotFound) {
		s.incOutcome("not_found")
		httpx.Error(w, 404, "not found")
		return
	}
	if err != nil {
		internalServerError(w, "read preference", err)
		return
	}
	proj := preference.Project(rec)
	if s.Cache != nil {
		if body, err := json.Marshal(proj); err == nil {
			_ = s.Cache.Set(r.Context(), key, body, s.CacheTTL)
		}
	}
	httpx.WriteJSON(w, 200, proj)
}

// updateUser replaces the preferred language on an existing active record.
func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathUserID(w, r)
	if !ok {
		return
	}
	identity, ok := s.authorize(w, r, target, authz.OpUpdate)
	if !ok {
		return
	}
	var req struct {
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		httpx.Error(w, 400, "language required")
		return
	}
	tx, err := s.DB.Begin(r.Context())
	if err != nil {
		internalServerError(w, "begin update", err)
		return
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	st := preference.NewPGStore(tx)
	rec, err := preference.Read(r.Context(), st, target)
	if errors.Is(err, preference.ErrNotFound) {
		s.incOutcome("not_found")
		httpx.Error(w, 404, "not found")
		return
	}
	if err != nil {
		internalServerError(w, "read for update", err)
		return
	}
	now := s.clock()
	preference.ApplyUpdate(rec, language, identity.ActorID, now)
	if err := st.Update(r.Context(), rec); err != nil {
		internalServerError(w, "update preference", err)
		return
	}
	if err := s.appendAudit(r.Context(), tx, audit.Record{
		Action:       audit.ActionUpdate,
		TargetUserID: target,
		Actor:        identity.ActorID.String(),
		Language:     language,
		CreatedAt:    now,
	}); err != nil {
		internalServerError(w, "audit update", err)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		internalServerError(w, "commit update", err)
		return
	}
	s.invalidateCache(r.Context(), target)
	s.publish(r.Context(), events.Event{
		Type:       events.TypeUpdated,
		UserID:     target,
		Language:   language,
		Actor:      identity.ActorID.String(),
		OccurredAt: now,
	})
	s.incOutcome("updated")
	httpx.WriteJSON(w, 200, struct{}{})
}

// deleteUser soft-deletes the record. Deleting an absent or already deleted
// user succeeds with the same response, so retries are safe.
func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathUserID(w, r)
	if !ok {
		return
	}
	identity, ok := s.authorize(w, r, target, authz.OpDelete)
	if !ok {
		return
	}
	tx, err := s.DB.Begin(r.Context())
	if err != nil {
		internalServerError(w, "begin delete", err)
		return
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	st := preference.NewPGStore(tx)
	rec, err := st.Find(r.Context(), target, false)
	if err != nil {
		internalServerError(w, "find for delete", err)
		return
	}
	if rec == nil {
		httpx.WriteJSON(w, 200, struct{}{})
		return
	}
	now := s.clock()
	preference.ApplySoftDelete(rec, identity.ActorID, now)
	if err := st.Update(r.Context(), rec); err != nil {
		internalServerError(w, "soft delete preference", err)
		return
	}
	if err := s.appendAudit(r.Context(), tx, audit.Record{
		Action:       audit.ActionDelete,
		TargetUserID: target,
		Actor:        identity.ActorID.String(),
		CreatedAt:    now,
	}); err != nil {
		internalServerError(w, "audit delete", err)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		internalServerError(w, "commit delete", err)
		return
	}
	s.invalidateCache(r.Context(), target)
	s.publish(r.Context(), events.Event{
		Type:       events.TypeDeleted,
		UserID:     target,
		Actor:      identity.ActorID.String(),
		OccurredAt: now,
	})
	s.incOutcome("deleted")
	httpx.WriteJSON(w, 200, struct{}{})
}

// getUserAudit returns the mutation trail for a user. Elevated callers only.
func (s *Server) getUserAudit(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathUserID(w, r)
	if !ok {
		return
	}
	identity, err := s.identify(r)
	if err != nil {
		s.incOutcome("unauthorized")
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	if !identity.ElevatedRights {
		s.incOutcome("denied")
		httpx.Error(w, 403, "forbidden")
		return
	}
	writer := &audit.Writer{DB: s.DB, HashSalt: s.AuditSalt, Redact: s.AuditRedact}
	trail, err := writer.Trail(r.Context(), target)
	if err != nil {
		internalServerError(w, "audit trail", err)
		return
	}
	type auditEntry struct {
		Action    string    `json:"action"`
		Actor     string    `json:"actor"`
		Language  string    `json:"language,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
	}
	items := make([]auditEntry, 0, len(trail))
	for _, rec := range trail {
		items = append(items, auditEntry{
			Action:    rec.Action,
			Actor:     rec.Actor,
			Language:  rec.Language,
			CreatedAt: rec.CreatedAt,
		})
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"userId": target.String(), "items": items})
}

func (s *Server) pathUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "userId")
	target, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		httpx.Error(w, 400, "invalid user id")
		return uuid.Nil, false
	}
	return target, true
}

func (s *Server) identify(r *http.Request) (authz.Identity, error) {
	if strings.EqualFold(s.AuthMode, "off") {
		// Dev-only mode; guarded at startup.
		return authz.Identity{ActorID: uuid.Nil, ElevatedRights: true}, nil
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	return authz.IdentityFromPrincipal(p, ok)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, target uuid.UUID, op authz.Operation) (authz.Identity, bool) {
	identity, err := s.identify(r)
	if err != nil {
		s.incOutcome("unauthorized")
		httpx.Error(w, 401, "unauthenticated")
		return identity, false
	}
	decision := authz.Authorize(identity, target, op)
	if s.Metrics != nil {
		s.Metrics.IncAuthzReason(decision.Reason)
	}
	if !decision.Allowed {
		s.incOutcome("denied")
		httpx.Error(w, 403, "forbidden")
		return identity, false
	}
	return identity, true
}

type auditTxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Server) appendAudit(ctx context.Context, db auditTxDB, rec audit.Record) error {
	writer := &audit.Writer{DB: db, HashSalt: s.AuditSalt, Redact: s.AuditRedact}
	return writer.Append(ctx, rec)
}

func (s *Server) invalidateCache(ctx context.Context, userID uuid.UUID) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Del(ctx, cacheKey(userID)); err != nil {
		log.Printf("userpref cache invalidate: %v", err)
	}
}

func (s *Server) publish(ctx context.Context, ev events.Event) {
	if err := s.Events.Publish(ctx, ev); err != nil {
		log.Printf("userpref publish %s: %v", ev.Type, err)
	}
}

func (s *Server) incOutcome(outcome string) {
	if s.Metrics != nil {
		s.Metrics.IncOutcome(outcome)
	}
}

func cacheKey(userID uuid.UUID) string {
	return "userpref:pref:" + userID.String()
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("userpref %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter == nil || s.RateLimitPerMin <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		p, _ := auth.PrincipalFromContext(r.Context())
		key := ratelimit.SubjectKey(p.Subject, r.RemoteAddr)
		decision := s.Limiter.Allow(key, s.RateLimitPerMin)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			s.incOutcome("rate_limited")
			retry := int(time.Until(decision.ResetAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		s.Metrics.Observe(path, rec.status, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
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
