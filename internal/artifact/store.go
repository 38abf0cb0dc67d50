// Package artifact stages finished swap images on local disk between the
// vendor download and the bucket upload.
//
// Staged files carry the faceswap_ prefix so the sweeper can tell relay
// residue apart from anything else living in a shared output directory.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"beart-relay/internal/observability/metrics"
)

const (
	filePrefix      = "faceswap_"
	timestampLayout = "20060102150405"
	copyChunkSize   = 8 * 1024

	defaultDownloadTimeout = 60 * time.Second
)

// Overridable in tests to pin generated names.
var (
	timeNow      = time.Now
	randomDigits = func() int { return rand.Intn(9000) + 1000 }
)

// NewFilename returns a staging name of the form
// faceswap_<yyyymmddhhmmss>_<nnnn>.jpg.
func NewFilename() string {
	return fmt.Sprintf("%s%s_%d.jpg", filePrefix, timeNow().Format(timestampLayout), randomDigits())
}

// Store stages artifacts inside a single directory.
type Store struct {
	// Dir is the staging directory, created on first use.
	Dir string
	// HTTPClient overrides the default download client.
	HTTPClient *http.Client
	// Logger receives sweep activity; defaults to slog.Default.
	Logger *slog.Logger
}

// Download streams the image at url into a freshly named staging file and
// returns the file's name and full path.
func (s *Store) Download(ctx context.Context, url string) (string, string, error) {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultDownloadTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("download result: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", "", fmt.Errorf("download result: %s", resp.Status)
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output directory: %w", err)
	}
	filename := NewFilename()
	path := filepath.Join(s.Dir, filename)
	file, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.CopyBuffer(file, resp.Body, make([]byte, copyChunkSize)); err != nil {
		file.Close()
		_ = os.Remove(path)
		return "", "", fmt.Errorf("write artifact: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", "", fmt.Errorf("write artifact: %w", err)
	}
	return filename, path, nil
}

// Remove deletes a staged artifact. A missing file is not an error; cleanup
// runs on every request exit path and may race the sweeper.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// SweepOlderThan deletes staged files whose modification time is older than
// ttl and reports how many were removed. Only names carrying the staging
// prefix are touched.
func (s *Store) SweepOlderThan(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read output directory: %w", err)
	}
	cutoff := timeNow().Add(-ttl)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), filePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir, entry.Name())); err != nil {
			if !os.IsNotExist(err) {
				s.logger().Warn("failed to sweep artifact", "file", entry.Name(), "error", err)
			}
			continue
		}
		removed++
		metrics.ObserveArtifactEvent("swept")
	}
	return removed, nil
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
