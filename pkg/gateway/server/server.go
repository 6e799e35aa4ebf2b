package server

import (
	"log/slog"
	"net/http"

	"github.com/voxlane/voxlane/pkg/gateway/config"
	"github.com/voxlane/voxlane/pkg/gateway/handlers"
	"github.com/voxlane/voxlane/pkg/gateway/mw"
	"github.com/voxlane/voxlane/pkg/interview/metricsx"
	"github.com/voxlane/voxlane/pkg/interview/session"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	manager   *session.Manager
	metrics   *metricsx.Metrics
	questions int
}

func New(cfg config.Config, logger *slog.Logger, manager *session.Manager, metrics *metricsx.Metrics, questions int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		manager:   manager,
		metrics:   metrics,
		questions: questions,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Registry:  s.manager.Registry(),
		Questions: s.questions,
	})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
	s.mux.Handle("/v1/interview", handlers.InterviewHandler{
		Manager:        s.manager,
		Logger:         s.logger,
		AllowedOrigins: s.cfg.AllowedOrigins,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.AllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
