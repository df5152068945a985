// Package web is the admin HTTP surface: an authenticated dashboard driven
// by commands.Executor, plus the thin telephony/bot webhook bridge (C12's
// exposed external interface — bot updates, SMS/voice TwiML).
package web

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"telegram-ingest-fabric/internal/domain/commands"
	"telegram-ingest-fabric/internal/infra/config"
	"telegram-ingest-fabric/internal/infra/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the admin web server: chi router, one-time-token auth, and the
// telephony/bot webhook endpoints that forward to the admin channel.
type Server struct {
	srv      *http.Server
	auth     *AuthManager
	executor commands.Executor
	tmpl     *template.Template

	forwardToAdmin func(ctx context.Context, text string) error

	ctx    context.Context
	cancel context.CancelFunc
}

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	cleanExpiredSessionsInterval = 3 * time.Minute
)

// NewServer builds the admin dashboard + webhook bridge router. forwardToAdmin
// delivers webhook-sourced text (bot update summaries, SMS/voice payloads) to
// the admin notification channel; it may be nil in deployments without one.
func NewServer(executor commands.Executor, forwardToAdmin func(ctx context.Context, text string) error) *Server {
	s := &Server{
		auth:           NewAuthManager(time.Hour),
		executor:       executor,
		forwardToAdmin: forwardToAdmin,
	}
	s.loadTemplates()

	cfg := config.Env()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chiLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// Telephony/bot webhook bridge (spec'd external interface, thin by
	// design: no SMS/voice gateway integration, just the literal TwiML
	// responses and a forward to the admin channel).
	r.Post(cfg.WebhookVoicePath, s.handleVoiceWebhook)
	r.Post(cfg.WebhookSMSPath, s.handleSMSWebhook)
	r.Post(cfg.WebhookBotPathPrefix+"{token}", s.handleBotWebhook)

	r.Group(func(protected chi.Router) {
		protected.Use(s.authMiddleware)
		protected.Get("/", s.handleDashboard)
		protected.Get("/logs", s.handleLogs)
		protected.Get("/filters", s.handleFilters)
		protected.Get("/recipients", s.handleRecipients)

		protected.Get("/api/status", s.handleAPIStatus)
		protected.Get("/api/list", s.handleAPIList)
		protected.Post("/api/flush", s.handleAPIFlush)
		protected.Post("/api/refresh", s.handleAPIRefresh)
		protected.Post("/api/reload", s.handleAPIReload)
		protected.Post("/api/test", s.handleAPITest)
		protected.Get("/api/whoami", s.handleAPIWhoami)
		protected.Get("/api/version", s.handleAPIVersion)
	})

	s.srv = &http.Server{
		Addr:         cfg.WebServerAddress,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return s
}

// Start runs the HTTP server until Shutdown is called or it fails to bind.
func (s *Server) Start() error {
	logger.Infof("starting web server on %s", s.srv.Addr)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.cleanupLoop(s.ctx)

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the background session sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down web server")
	if s.cancel != nil {
		s.cancel()
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanExpiredSessionsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.auth.CleanExpiredSessions()
		}
	}
}

// GenerateAuthToken mints a one-time auth token; commands.AdminOps's "/auth"
// command sends the resulting link to the admin channel.
func (s *Server) GenerateAuthToken() string {
	return s.auth.GenerateAuthToken()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}

func (s *Server) loadTemplates() {
	s.tmpl = template.Must(template.New("").Parse(layoutTemplate))
	template.Must(s.tmpl.Parse(dashboardTemplate))
	template.Must(s.tmpl.Parse(logsTemplate))
	template.Must(s.tmpl.Parse(filtersTemplate))
	template.Must(s.tmpl.Parse(recipientsTemplate))
}

// chiLogger adapts chi's request logger to the project's zap-backed logger
// instead of chi's default stdlib-log formatter.
func chiLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debugf("HTTP %s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
