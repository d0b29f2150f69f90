package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/pdfconvert/internal/common"
	"github.com/jo-hoe/pdfconvert/internal/config"
	"github.com/jo-hoe/pdfconvert/internal/jobs"
	"github.com/jo-hoe/pdfconvert/internal/storage"
)

// Submitter accepts a validated upload and returns the new job id.
type Submitter interface {
	Submit(filename string, data []byte) (string, error)
}

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Store     jobs.Store
	Submitter Submitter
	Hub       *Hub
	startedAt time.Time
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	svc.startedAt = time.Now().UTC()
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealth, svc.handleHealth)
	mux.HandleFunc(http.MethodPost+" "+common.PathConvert, svc.handleConvert)
	mux.HandleFunc(http.MethodGet+" "+common.PathStatus+"/{jobId}", svc.handleStatus)
	mux.HandleFunc(http.MethodGet+" "+common.PathDownload+"/{jobId}", svc.handleDownload)
	if svc.Hub != nil {
		mux.HandleFunc(http.MethodGet+" "+common.PathWS, svc.Hub.ServeWS)
	}

	handler := corsMiddleware(loggingMiddleware(recoveryMiddleware(mux), svc.Log), svc.Cfg.Server.AllowedOrigins)
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

func (svc *Service) handleConvert(w http.ResponseWriter, r *http.Request) {
	maxBytes := safeInt64(svc.Cfg.Server.MaxUploadSize)
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum upload size of "+humanize.Bytes(uint64(maxBytes)))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	headers := r.MultipartForm.File[common.MultipartFieldFile]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no file uploaded, expected multipart field "+strconv.Quote(common.MultipartFieldFile))
		return
	}
	uploaded := headers[0]

	if !strings.EqualFold(filepath.Ext(uploaded.Filename), common.ExtPDF) {
		writeError(w, http.StatusBadRequest, "only .pdf files are accepted")
		return
	}
	if uploaded.Size > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum upload size of "+humanize.Bytes(uint64(maxBytes)))
		return
	}

	src, err := uploaded.Open()
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read uploaded file: "+err.Error())
		return
	}
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(io.LimitReader(src, maxBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read uploaded file: "+err.Error())
		return
	}
	if !strings.HasPrefix(string(data[:min(len(data), len(common.PDFMagic))]), common.PDFMagic) {
		writeError(w, http.StatusBadRequest, "file does not look like a PDF")
		return
	}

	jobID, err := svc.Submitter.Submit(uploaded.Filename, data)
	if err != nil {
		svc.Log.Warn("submit rejected", "filename", uploaded.Filename, "err", err)
		writeError(w, http.StatusServiceUnavailable, "conversion queue is full, try again later")
		return
	}
	svc.Log.Info("job accepted", "job_id", jobID,
		"filename", uploaded.Filename, "size", humanize.Bytes(uint64(len(data))))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":         string(jobs.StateProcessing),
		"jobId":          jobID,
		"checkStatusUrl": path.Join(common.PathStatus, jobID),
	})
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job))
}

func (svc *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.lookupJob(w, r)
	if !ok {
		return
	}
	if job.State != jobs.StateCompleted || job.OutputFilePath == "" {
		writeError(w, http.StatusNotFound, "conversion result is not available")
		return
	}
	f, err := os.Open(job.OutputFilePath)
	if err != nil {
		// Completed but the file is gone (reaped or externally removed).
		writeError(w, http.StatusNotFound, "converted file no longer exists")
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", common.ContentTypeDocx)
	w.Header().Set("Content-Disposition", `attachment; filename="`+storage.DocxName(job.OriginalFilename)+`"`)
	if job.OutputFileSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(job.OutputFileSize, 10))
	}
	if _, err := io.Copy(w, f); err != nil {
		svc.Log.Warn("stream download", "job_id", job.ID, "err", err)
	}
}

func (svc *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	jobCount := 0
	if snap, err := svc.Store.Snapshot(); err == nil {
		jobCount = len(snap)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(svc.startedAt).Round(time.Second).String(),
		"heapAlloc":  humanize.Bytes(mem.HeapAlloc),
		"goroutines": runtime.NumGoroutine(),
		"jobs":       jobCount,
		"stagingDir": svc.Cfg.Jobs.StagingDir,
		"outputDir":  svc.Cfg.Jobs.OutputDir,
	})
}

func (svc *Service) lookupJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := r.PathValue("jobId")
	job, err := svc.Store.Get(id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown job id")
		} else {
			svc.Log.Error("job lookup", "job_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return nil, false
	}
	return job, true
}

func jobToOut(job *jobs.Job) map[string]any {
	out := map[string]any{
		"jobId":            job.ID,
		"state":            string(job.State),
		"progress":         job.Progress,
		"createdAt":        job.CreatedAt,
		"originalFilename": job.OriginalFilename,
		"fileSize":         job.FileSize,
	}
	if job.CompletedAt != nil {
		out["completedAt"] = job.CompletedAt
	}
	if job.PageCount > 0 {
		out["pageCount"] = job.PageCount
	}
	if len(job.Logs) > 0 {
		out["logs"] = job.Logs
	}
	switch job.State {
	case jobs.StateCompleted:
		out["downloadUrl"] = path.Join(common.PathDownload, job.ID)
		out["outputFileSize"] = job.OutputFileSize
	case jobs.StateFailed:
		out["error"] = job.Error
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

// OriginChecker returns a CheckOrigin func for websocket upgrades honoring
// the configured CORS origins.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originAllowed(origin, allowed)
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func corsMiddleware(next http.Handler, allowed []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowed) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
