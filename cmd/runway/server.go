package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/runway/internal/core/manifest"
	"github.com/artpar/runway/internal/shell/api"
	"github.com/artpar/runway/internal/shell/builder"
	"github.com/artpar/runway/internal/shell/cloudrun"
	"github.com/artpar/runway/internal/shell/engine"
	"github.com/artpar/runway/internal/shell/reconcile"
	"github.com/artpar/runway/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitDeployError     = 5
)

// =============================================================================
// Runtime
// =============================================================================

// Runtime wires the deployment engine and its collaborators from config.
// Both the one-shot commands and serve mode build the same stack.
type Runtime struct {
	store  store.Store
	docker *builder.DockerEngine
	engine *engine.Engine
	logger *slog.Logger
}

// NewRuntime constructs the full deployment stack.
func NewRuntime(cfg *Config, logger *slog.Logger) (*Runtime, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewRuntime",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	d, err := builder.NewDockerEngine(cfg.Docker.Host, builder.RegistryAuth{
		Username:      cfg.Registry.Username,
		Password:      cfg.Registry.Password,
		ServerAddress: cfg.Registry.Server,
	}, logger)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewRuntime",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	resolver := builder.NewResolver(d, builder.ResolverConfig{
		PushRetries:    cfg.Deploy.PushRetries,
		PushRetryDelay: cfg.Deploy.PushRetryDelay,
	}, logger)

	platform := cloudrun.NewRESTClient(cloudrun.Config{
		Project:  cfg.Platform.Project,
		Token:    cfg.Platform.Token,
		Endpoint: cfg.Platform.Endpoint,
	})

	reconciler := reconcile.NewReconciler(platform, reconcile.Config{
		Timeout:      cfg.Deploy.Timeout,
		PollInterval: cfg.Deploy.PollInterval,
	}, logger)

	eng := engine.New(s, resolver, reconciler, engine.Config{
		MaxConcurrent: cfg.Deploy.MaxConcurrent,
	}, logger)

	return &Runtime{
		store:  s,
		docker: d,
		engine: eng,
		logger: logger,
	}, nil
}

// Defaults returns the manifest defaults derived from config.
func (r *Runtime) Defaults(cfg *Config) manifest.Defaults {
	return manifest.Defaults{
		Project: cfg.Platform.Project,
		Region:  cfg.Platform.Region,
	}
}

// Close releases the runtime's connections.
func (r *Runtime) Close() {
	if err := r.docker.Close(); err != nil {
		r.logger.Error("docker client close error", "error", err)
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("database close error", "error", err)
	}
}

// =============================================================================
// One-Shot Commands
// =============================================================================

// runPass executes one preview or apply pass from a manifest file and
// prints the pass result as JSON on stdout.
func runPass(cfg *Config, logger *slog.Logger, manifestPath string, preview bool) int {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		logger.Error("failed to read manifest", "path", manifestPath, "error", err)
		return ExitConfigError
	}

	rt, err := NewRuntime(cfg, logger)
	if err != nil {
		var sErr *ServerError
		if errors.As(err, &sErr) {
			logger.Error("failed to build runtime", "error", sErr.Err, "operation", sErr.Op)
			return sErr.ExitCode
		}
		logger.Error("failed to build runtime", "error", err)
		return ExitConfigError
	}
	defer rt.Close()

	deployments, err := manifest.Parse(string(raw), rt.Defaults(cfg))
	if err != nil {
		logger.Error("invalid manifest", "path", manifestPath, "error", err)
		return ExitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var result engine.PassResult
	var passErr error
	if preview {
		result, passErr = rt.engine.Preview(ctx, deployments)
	} else {
		result, passErr = rt.engine.Apply(ctx, deployments)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("failed to encode result", "error", err)
		return ExitDeployError
	}

	if passErr != nil {
		logger.Error("pass failed", "pass_id", result.PassID, "error", passErr)
		return ExitDeployError
	}
	return ExitSuccess
}

// =============================================================================
// Server
// =============================================================================

// Server runs the HTTP API in serve mode.
type Server struct {
	config     *Config
	httpServer *http.Server
	runtime    *Runtime
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	rt, err := NewRuntime(cfg, logger)
	if err != nil {
		return nil, err
	}

	handler := api.NewHandler(rt.engine, rt.store, rt.Defaults(cfg), logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		runtime:    rt,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.runtime.Close()

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
