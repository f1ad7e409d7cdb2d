package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/kasuganosora/dbscope/pkg/config"
	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/monitor"
	"github.com/kasuganosora/dbscope/pkg/orm"
	"github.com/kasuganosora/dbscope/pkg/session"
	"github.com/kasuganosora/dbscope/pkg/transactional"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Server is the HTTP REST API server
type Server struct {
	cfg        *config.Config
	reg        *session.Registry
	db         *gorm.DB
	tx         *transactional.Executor
	logger     logging.Logger
	slowLog    *monitor.SlowStatementLog
	httpServer *http.Server
}

// ServerOption 服务器选项
type ServerOption func(*Server)

// WithSlowLog exposes log under /api/v1/debug/slow-statements.
func WithSlowLog(log *monitor.SlowStatementLog) ServerOption {
	return func(s *Server) { s.slowLog = log }
}

// NewServer creates a new HTTP API server over the session registry.
func NewServer(cfg *config.Config, reg *session.Registry, logger logging.Logger, opts ...ServerOption) (*Server, error) {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	propagation, err := transactional.ParsePropagation(cfg.Session.DefaultPropagation)
	if err != nil {
		return nil, errors.Wrap(err, "session.default_propagation")
	}

	db, err := orm.Open(reg, logger.WithField("component", "orm"), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open orm")
	}

	s := &Server{
		cfg:    cfg,
		reg:    reg,
		db:     db,
		tx:     transactional.New(reg, transactional.WithPropagation(propagation), transactional.WithLogger(logger)),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:         cfg.GetListenAddress(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Migrate creates the tables the API serves.
func (s *Server) Migrate(ctx context.Context) error {
	return s.reg.RunStandalone(ctx, func(ctx context.Context) error {
		return s.tx.Run(ctx, func(ctx context.Context) error {
			return s.db.WithContext(ctx).AutoMigrate(&Note{})
		})
	})
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(RecoveryMiddleware(s.logger), LoggingMiddleware(s.logger))

	// 健康检查和指标不需要认证
	router.HandleFunc("/api/v1/health", healthHandler(s.reg.Pair(), s.cfg.Server.ReleaseVersion)).Methods("GET").Name("GetHealth")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET").Name("GetMetrics")

	notes := NewNotesHandler(s.db, s.tx, s.logger)
	api := router.PathPrefix("/api/v1/notes").Subrouter()
	api.Use(
		RateLimitMiddleware(s.cfg.Server.RateLimit, s.cfg.Server.RateBurst),
		BearerAuthMiddleware(s.cfg.Auth.Bearer),
		UnitOfWorkMiddleware(s.reg, s.logger),
	)
	api.HandleFunc("", notes.List).Methods("GET").Name("ListNotes")
	api.HandleFunc("", notes.Create).Methods("POST").Name("CreateNote")
	api.HandleFunc("/{id}", notes.Get).Methods("GET").Name("GetNote")
	api.HandleFunc("/{id}", notes.Update).Methods("PUT").Name("UpdateNote")
	api.HandleFunc("/{id}", notes.Delete).Methods("DELETE").Name("DeleteNote")

	if s.slowLog != nil {
		slow := NewSlowStatementsHandler(s.slowLog)
		debug := router.PathPrefix("/api/v1/debug").Subrouter()
		debug.Use(BearerAuthMiddleware(s.cfg.Auth.Bearer))
		debug.HandleFunc("/slow-statements", slow.List).Methods("GET").Name("ListSlowStatements")
		debug.HandleFunc("/slow-statements", slow.Clear).Methods("DELETE").Name("ClearSlowStatements")
		debug.HandleFunc("/slow-statements/threshold", slow.SetThreshold).Methods("PUT").Name("SetSlowThreshold")
		debug.HandleFunc("/slow-statements/{id:[0-9]+}", slow.Get).Methods("GET").Name("GetSlowStatement")
		debug.HandleFunc("/slow-statements/{id:[0-9]+}", slow.Delete).Methods("DELETE").Name("DeleteSlowStatement")
	}

	if len(s.cfg.Server.CORSOrigins) == 0 {
		return router
	}
	return handlers.CORS(
		handlers.AllowedOrigins(s.cfg.Server.CORSOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(router)
}

// Start starts the HTTP API server (blocking)
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP API server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
