// Package server exposes the converter over HTTP: a multipart upload
// endpoint that answers with the GLB file and a websocket endpoint that
// streams progress while converting.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/internal/logging"
	"github.com/Jengaup/dicom-converter/internal/staging"
	"github.com/Jengaup/dicom-converter/pkg/config"
	"github.com/Jengaup/dicom-converter/pkg/conversion"
)

// Server handles conversion requests. The concurrency limit is fixed when
// the server is created; every other setting follows SetConfig.
type Server struct {
	mu     sync.RWMutex
	cfg    *config.Config
	logger *log.Logger

	sem      chan struct{}
	upgrader websocket.Upgrader
}

// New creates a server for cfg.
func New(cfg *config.Config, logger *log.Logger) *Server {
	s := &Server{
		cfg:    cfg.Clone(),
		logger: logging.OrDiscard(logger),
		sem:    make(chan struct{}, cfg.Server.MaxConcurrent),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.Config().Server.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return s
}

// Config returns a snapshot of the current configuration.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// SetConfig replaces the configuration used by requests that start later.
func (s *Server) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg.Clone()
	s.mu.Unlock()
}

// WatchConfig reloads path on change until ctx is done.
func (s *Server) WatchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, func(cfg *config.Config) {
		s.SetConfig(cfg)
		s.logger.Info("configuration reloaded", "path", path)
	}, func(err error) {
		s.logger.Warn("configuration reload failed", "path", path, "err", err)
	})
}

// Handler returns the routes wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/convert", s.handleConvert)
	mux.HandleFunc("/convert/ws", s.handleConvertWS)
	return s.cors(mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("DICOM mesh converter ready\n"))
}

// job is one conversion in flight. finish must be called once the output
// has been consumed; it removes the workspace and frees the slot.
type job struct {
	ws     *staging.Workspace
	logger *log.Logger
	cfg    *config.Config
	finish func()
}

// acquire waits for a free conversion slot and creates a workspace.
func (s *Server) acquire(ctx context.Context) (*job, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &conversion.Error{Kind: conversion.Canceled, Stage: conversion.StageInput, Err: ctx.Err()}
	}
	cfg := s.Config()
	ws, err := staging.NewWorkspace(cfg.Server.WorkDir)
	if err != nil {
		<-s.sem
		return nil, &conversion.Error{Kind: conversion.Internal, Stage: conversion.StageInput, Err: err}
	}
	ws.MaxExtractBytes = cfg.Server.MaxExtractBytes

	var once sync.Once
	j := &job{
		ws:     ws,
		logger: s.logger.With("request", ws.ID),
		cfg:    cfg,
	}
	j.finish = func() {
		once.Do(func() {
			if err := ws.Cleanup(); err != nil {
				j.logger.Warn("workspace cleanup failed", "err", err)
			}
			<-s.sem
		})
	}
	return j, nil
}

// prepare unpacks the staged uploads.
func (j *job) prepare() error {
	if err := j.ws.Prepare(); err != nil {
		kind := conversion.NoInputProvided
		if errors.Is(err, staging.ErrTooLarge) {
			kind = conversion.ResourceExhausted
		}
		return &conversion.Error{Kind: kind, Stage: conversion.StageInput, Err: err}
	}
	return nil
}

// run converts the staged input within the configured deadline. When the
// deadline passes first, run returns at once and the abandoned conversion
// calls finish when it completes; otherwise the caller calls finish.
func (j *job) run(ctx context.Context, progress conversion.ProgressFunc) (*conversion.Result, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.RequestTimeout())

	type outcome struct {
		res *conversion.Result
		err error
	}
	done := make(chan outcome, 1)

	var mu sync.Mutex
	stage := conversion.StageInput
	track := func(e conversion.Event) {
		mu.Lock()
		stage = e.Stage
		mu.Unlock()
		if progress != nil {
			progress(e)
		}
	}
	conv := conversion.NewConverter(conversion.ParamsFromConfig(j.cfg),
		conversion.WithLogger(j.logger), conversion.WithProgress(track))
	go func() {
		res, err := conv.Convert(ctx, j.ws.InputDir(), j.ws.OutputPath("model.glb"))
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		cancel()
		return o.res, true, o.err
	case <-ctx.Done():
		err := ctx.Err()
		mu.Lock()
		last := stage
		mu.Unlock()
		go func() {
			<-done
			cancel()
			j.logger.Info("abandoned conversion finished")
			j.finish()
		}()
		return nil, false, &conversion.Error{Kind: conversion.Canceled, Stage: last, Err: err}
	}
}
