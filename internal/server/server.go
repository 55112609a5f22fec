// Package server exposes recording upload, recording listing, simulation
// launch and transcript history over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/runner"
)

const uploadField = "audio-file"

var audioExtensions = map[string]bool{
	".webm": true, ".wav": true, ".ogg": true, ".mp3": true, ".m4a": true, ".flac": true,
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Healthy() bool
}

// Options carries the collaborators a Server uses. All are optional; the
// matching endpoints answer 503 when one is missing. When Bus is set,
// /readyz also requires it to be healthy.
type Options struct {
	Runner  *runner.Runner
	Store   *eventstore.Store
	Metrics http.Handler
	Bus     HealthChecker
}

type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	opts       Options
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
	clock      func() time.Time
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "http")),
		opts:   opts,
		clock:  time.Now,
	}
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /recordings", s.handleRecordings)
	mux.HandleFunc("POST /run-sim", s.handleRunSim)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/transcripts", s.handleTranscripts)
	if dir := s.cfg.Server.PublicDir; dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}
	return mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Server.RecordingsDir, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.HTTP.Bind, s.cfg.HTTP.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", slog.String("error", err.Error()))
			errCh <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server started",
		slog.String("addr", addr),
		slog.String("recordings_dir", s.cfg.Server.RecordingsDir))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	s.ready.Store(false)
	s.logger.Info("server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	s.wg.Wait()
	return serveErr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Bus != nil && !s.opts.Bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus unavailable"))
		return
	}
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type uploadedFile struct {
	OriginalName string    `json:"originalName"`
	SavedName    string    `json:"savedName"`
	Size         int64     `json:"size"`
	Path         string    `json:"path"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Server.MaxUploadBytes
	// Leave room for the multipart envelope around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.uploadError(w, http.StatusBadRequest, s.tooLargeMessage())
			return
		}
		s.uploadError(w, http.StatusBadRequest, "File upload error: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		s.uploadError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()

	if header.Size > limit {
		s.uploadError(w, http.StatusBadRequest, s.tooLargeMessage())
		return
	}
	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "audio/") {
		s.logger.Warn("rejected upload", slog.String("content_type", contentType))
		s.uploadError(w, http.StatusBadRequest, "Upload error: Only audio files are allowed")
		return
	}

	now := s.clock().UTC()
	name := fmt.Sprintf("recording_%s%s", strings.NewReplacer(":", "-", ".", "-").Replace(now.Format("2006-01-02T15:04:05.000Z")), uploadExtension(header.Filename, contentType))
	path := filepath.Join(s.cfg.Server.RecordingsDir, name)
	size, err := saveFile(path, file)
	if err != nil {
		s.logger.Error("failed to save upload", slog.String("path", path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to process audio file"})
		return
	}

	info := uploadedFile{
		OriginalName: header.Filename,
		SavedName:    name,
		Size:         size,
		Path:         path,
		Timestamp:    now,
	}
	s.logger.Info("audio recording saved", slog.String("file", name), slog.Int64("size", size))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Audio recording saved successfully!",
		"file":    info,
	})
}

func (s *Server) tooLargeMessage() string {
	return fmt.Sprintf("File too large. Maximum size is %dMB.", s.cfg.Server.MaxUploadBytes>>20)
}

func (s *Server) uploadError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func uploadExtension(filename, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); audioExtensions[ext] {
		return ext
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			return exts[0]
		}
	}
	return ".webm"
}

func saveFile(path string, src io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return n, err
}

type recording struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
	Path     string    `json:"path"`
}

func (s *Server) handleRecordings(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.cfg.Server.RecordingsDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("failed to list recordings", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to list recordings"})
		return
	}

	recordings := make([]recording, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !audioExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		recordings = append(recordings, recording{
			Filename: entry.Name(),
			Size:     info.Size(),
			Created:  info.ModTime().UTC(),
			Path:     filepath.Join(s.cfg.Server.RecordingsDir, entry.Name()),
		})
	}
	sort.SliceStable(recordings, func(i, j int) bool {
		return recordings[i].Created.After(recordings[j].Created)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"recordings": recordings,
		"count":      len(recordings),
	})
}

func (s *Server) handleRunSim(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "Simulation unavailable"})
		return
	}
	// The simulation runs to completion even if the client goes away.
	code, err := s.opts.Runner.RunLogged(context.WithoutCancel(r.Context()), s.cfg.Server.SimScript)
	if err != nil {
		s.logger.Error("simulation failed to start", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "Simulation failed", "error": err.Error()})
		return
	}
	s.logger.Info("simulation ended", slog.Int("code", code))
	writeJSON(w, http.StatusOK, map[string]any{"status": "Simulation complete", "code": code})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "event store disabled"})
		return
	}
	sessions, err := s.opts.Store.ListSessions(r.Context(), queryLimit(r))
	if err != nil {
		s.logger.Error("failed to list sessions", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to list sessions"})
		return
	}
	type sessionView struct {
		ID        string     `json:"id"`
		StartedAt time.Time  `json:"started_at"`
		EndedAt   *time.Time `json:"ended_at,omitempty"`
		Chunks    int64      `json:"chunks"`
		Finals    int64      `json:"finals"`
		Error     string     `json:"error,omitempty"`
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		v := sessionView{ID: sess.ID, StartedAt: sess.StartedAt, Chunks: sess.Chunks, Finals: sess.Finals, Error: sess.Error}
		if !sess.EndedAt.IsZero() {
			ended := sess.EndedAt
			v.EndedAt = &ended
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": views, "count": len(views)})
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "event store disabled"})
		return
	}
	entries, err := s.opts.Store.ListTranscripts(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		s.logger.Error("failed to list transcripts", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to list transcripts"})
		return
	}
	type line struct {
		Sequence int64     `json:"sequence"`
		Kind     string    `json:"kind"`
		Text     string    `json:"text"`
		Created  time.Time `json:"created"`
	}
	lines := make([]line, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, line{Sequence: e.Sequence, Kind: e.Kind, Text: e.Text, Created: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transcripts": lines, "count": len(lines)})
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
