// Package httpapi is the operator-facing HTTP surface: pairing QR, session
// status, logout and CSV-driven dispatch.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wablast/internal/dispatch"
	"wablast/internal/session"
	"wablast/internal/storage"
	logx "wablast/pkg/logx"
)

// Session is the part of the session keeper the API drives.
type Session interface {
	Snapshot() session.Status
	CurrentPairingArtifact() (session.PairingArtifact, error)
	Logout(ctx context.Context) error
}

// Dispatcher is the part of the dispatch service the API drives.
type Dispatcher interface {
	Run(ctx context.Context, job dispatch.Job) (dispatch.Report, error)
	Submit(job dispatch.Job) (string, error)
	Status(id string) (dispatch.JobStatus, bool)
	Report(ctx context.Context, id string) (dispatch.Report, error)
}

type Config struct {
	Session  Session
	Dispatch Dispatcher
	// Store is optional; nil disables /reports and auditing.
	Store storage.Store
	// Health returns extra diagnostics for /healthz, typically a supervisor snapshot.
	Health         func() any
	MetricsHandler http.Handler
	StaticDir      string
	MaxUploadBytes int64
	CSVColumn      string
	QRSize         int
	// Token, when set, guards every operator route with a bearer token.
	Token string
	// Pprof mounts net/http/pprof under /debug/pprof behind the token.
	Pprof  bool
	Logger logx.Logger
}

const defaultMaxUpload = 10 << 20

type api struct {
	cfg Config
	log logx.Logger
}

// NewRouter builds the chi router with every route mounted.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger.IsZero() {
		cfg.Logger = logx.Nop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	a := &api{cfg: cfg, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.log))

	r.Get("/healthz", a.healthz)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(op chi.Router) {
		op.Use(requireToken(cfg.Token))
		op.Get("/qr", a.qr)
		op.Get("/session", a.sessionStatus)
		op.Get("/estado-sesion", a.legacySessionStatus)
		op.Post("/logout", a.logout)
		op.Post("/dispatch", a.dispatch)
		op.Post("/enviar", a.dispatch)
		op.Get("/dispatch/{id}", a.dispatchResult)
		op.Get("/reports", a.reports)
		if cfg.Pprof {
			op.Mount("/debug", middleware.Profiler())
		}
	})

	if dir := strings.TrimSpace(cfg.StaticDir); dir != "" {
		r.Handle("/*", http.FileServer(http.Dir(dir)))
	}
	return r
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				const p = "Bearer "
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger emits one structured line per request.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.String("request_id", middleware.GetReqID(r.Context())),
				logx.String("remote_ip", r.RemoteAddr),
				logx.Duration("took", time.Since(start)),
			)
		})
	}
}
