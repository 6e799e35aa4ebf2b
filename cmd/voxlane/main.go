package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voxlane/voxlane/pkg/gateway/config"
	gatewayserver "github.com/voxlane/voxlane/pkg/gateway/server"
	"github.com/voxlane/voxlane/pkg/interview/analysis"
	"github.com/voxlane/voxlane/pkg/interview/metricsx"
	"github.com/voxlane/voxlane/pkg/interview/persist"
	"github.com/voxlane/voxlane/pkg/interview/provider"
	"github.com/voxlane/voxlane/pkg/interview/quality"
	"github.com/voxlane/voxlane/pkg/interview/session"
	"github.com/voxlane/voxlane/pkg/interview/store/pg"
	"github.com/voxlane/voxlane/pkg/interview/types"
)

type serviceDeps struct {
	loadConfig    func() (config.Config, error)
	loadQuestions func(path string) ([]types.Question, error)
	openStore     func(ctx context.Context, cfg config.Config, logger *slog.Logger) (persist.Store, func(), error)
	newAnalysis   func(ctx context.Context, cfg config.Config) (analysis.Service, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultServiceDeps() serviceDeps {
	return serviceDeps{
		loadConfig:    config.LoadFromEnv,
		loadQuestions: loadQuestions,
		openStore:     openStore,
		newAnalysis: func(ctx context.Context, cfg config.Config) (analysis.Service, error) {
			return analysis.NewGemini(ctx, analysis.GeminiOptions{
				APIKey: cfg.GeminiAPIKey,
				Model:  cfg.GeminiModel,
			})
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// loadQuestions reads the interview template, either a bare JSON array or an
// object with a "questions" key.
func loadQuestions(path string) ([]types.Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}

	var list []types.Question
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Questions []types.Question `json:"questions"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse questions %s: %w", path, err)
	}
	return wrapped.Questions, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (persist.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, using in-memory store")
		return persist.NewMemoryStore(), func() {}, nil
	}
	store, err := pg.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func sessionConfig(cfg config.Config, questions []types.Question) session.Config {
	return session.Config{
		Questions:             questions,
		AdditionalEnabled:     cfg.AdditionalEnabled,
		MaxAdditional:         cfg.MaxAdditional,
		Voice:                 cfg.Voice,
		VADThreshold:          cfg.VADThreshold,
		VADLoweredThreshold:   cfg.VADLoweredThreshold,
		SilenceDurationMS:     cfg.SilenceDurationMS,
		PersistInterval:       cfg.PersistInterval,
		GuidanceTimeout:       cfg.GuidanceTimeout,
		GuidanceMinConfidence: cfg.GuidanceMinConfidence,
		FinalizeTimeout:       cfg.FinalizeTimeout,
		Quality:               quality.DefaultConfig(),
		MaxSessionAge:         cfg.MaxSessionAge,
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		DisconnectedGrace:     cfg.DisconnectedGrace,
		WarningWindow:         cfg.WarningWindow,
		SweepInterval:         cfg.SweepInterval,
		PingInterval:          cfg.PingInterval,
	}
}

func providerDialer(cfg config.Config) session.ProviderDialer {
	return func(ctx context.Context, opts provider.Options) (*provider.Relay, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+cfg.ProviderAPIKey)
		header.Set("OpenAI-Beta", "realtime=v1")
		return provider.Dial(ctx, cfg.ProviderURL, header, opts)
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runService(ctx context.Context, logger *slog.Logger, deps serviceDeps) error {
	if deps.loadConfig == nil || deps.loadQuestions == nil {
		return errors.New("missing config dependency")
	}
	if deps.openStore == nil || deps.newAnalysis == nil {
		return errors.New("missing store or analysis dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	questions, err := deps.loadQuestions(cfg.QuestionsPath)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return fmt.Errorf("no questions in %s", cfg.QuestionsPath)
	}

	store, closeStore, err := deps.openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	svc, err := deps.newAnalysis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init analysis: %w", err)
	}

	metrics := metricsx.NewMetrics(cfg.MetricsNamespace)
	manager := session.NewManager(session.Dependencies{
		Logger:   logger,
		Store:    store,
		Analysis: svc,
		Metrics:  metrics,
		Dial:     providerDialer(cfg),
		Config:   sessionConfig(cfg, questions),
	})

	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go session.NewWatchdog(manager).Run(watchdogCtx)

	srv := gatewayserver.New(cfg, logger, manager, metrics, len(questions))
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting voxlane", "addr", cfg.Addr, "questions", len(questions))

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Warn live sessions and flush state before the listener closes.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	manager.Shutdown(drainCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voxlane stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serviceDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "voxlane: %v\n", err)
		return 1
	}

	if err := runService(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voxlane: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServiceDeps()))
}
