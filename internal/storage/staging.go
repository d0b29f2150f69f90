package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/pdfconvert/internal/common"
)

// Stager manages the two on-disk artifacts of a conversion job: the staged
// input copy under stagingDir and the produced DOCX under outputDir.
type Stager struct {
	log        *slog.Logger
	stagingDir string
	outputDir  string
}

func NewStager(log *slog.Logger, stagingDir, outputDir string) *Stager {
	return &Stager{log: log, stagingDir: stagingDir, outputDir: outputDir}
}

// Stage writes the uploaded bytes to a fresh path under the staging
// directory. The nanosecond timestamp prefix keeps concurrently staged files
// from colliding even for identical filenames; O_EXCL catches the remainder.
func (s *Stager) Stage(r io.Reader, suggestedName string) (string, error) {
	if err := os.MkdirAll(s.stagingDir, 0o750); err != nil {
		return "", fmt.Errorf("ensure staging dir: %w", err)
	}
	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), SanitizeFilename(suggestedName))
	path := filepath.Join(s.stagingDir, name)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, r); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write staged file: %w", err)
	}
	return path, nil
}

// OutputPath derives the destination for a job's DOCX under the output
// directory, with the extension swapped to .docx. The directory is
// re-created on each call in case an external process cleared it.
func (s *Stager) OutputPath(suggestedName string) (string, error) {
	if err := os.MkdirAll(s.outputDir, 0o750); err != nil {
		return "", fmt.Errorf("ensure output dir: %w", err)
	}
	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), DocxName(suggestedName))
	return filepath.Join(s.outputDir, name), nil
}

// Release deletes a file best-effort. Cleanup must never crash the caller,
// so errors are logged and swallowed.
func (s *Stager) Release(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("release file", "path", path, "err", err)
	}
}

// SanitizeFilename reduces a client-supplied name to a safe basename:
// path separators and control characters are replaced, and anything outside
// a conservative character set is dropped.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload" + common.ExtPDF
	}
	return out
}

// DocxName swaps the extension of a sanitized original name to .docx.
func DocxName(original string) string {
	base := SanitizeFilename(original)
	ext := filepath.Ext(base)
	if ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base + common.ExtDocx
}
