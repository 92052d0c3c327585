// Package artifact implements the controller's Artifact Storage (C2): a
// size-capped, streaming blob store for the three files attached to a
// build — its source zip, optional signing certs, and the built result.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelci/controller/pkg/log"
	"github.com/kestrelci/controller/pkg/metrics"
	"github.com/kestrelci/controller/pkg/types"
)

// ErrTooLarge is returned by Put when the stream exceeds the caller's
// maxBytes. The HTTP surface maps this to 413.
var ErrTooLarge = errors.New("artifact exceeds maximum size")

// idPattern restricts build IDs used as directory components to a safe
// character set, closing off path traversal via a crafted ID.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// dirMode and fileMode mirror the teacher's tmpfs-secrets convention:
// owner-only directories, owner-only files.
const (
	dirMode  = 0700
	fileMode = 0600
)

// Storage is a filesystem-backed, content-addressed-by-build-ID blob
// store rooted at basePath.
type Storage struct {
	basePath string
	logger   zerolog.Logger
}

// New creates the artifact storage root if absent and returns a Storage
// rooted there.
func New(basePath string) (*Storage, error) {
	if err := os.MkdirAll(basePath, dirMode); err != nil {
		return nil, fmt.Errorf("create artifact storage root: %w", err)
	}
	return &Storage{basePath: basePath, logger: log.WithComponent("artifact")}, nil
}

func (s *Storage) buildDir(buildID string) (string, error) {
	if !idPattern.MatchString(buildID) {
		return "", fmt.Errorf("invalid build id %q", buildID)
	}
	return filepath.Join(s.basePath, buildID), nil
}

func filename(kind types.ArtifactKind) string {
	switch kind {
	case types.ArtifactKindSource:
		return "source.zip"
	case types.ArtifactKindCerts:
		return "certs.zip"
	case types.ArtifactKindResult:
		return "result.bin"
	default:
		return string(kind)
	}
}

// Put streams r into storage under buildID/kind, enforcing maxBytes during
// the copy rather than after — on overrun it aborts and deletes the
// partial file, returning ErrTooLarge. The write is atomic: it lands at a
// temp path first and is renamed into place only once fully and
// successfully written, so a reader never observes a partial file at the
// final path.
func (s *Storage) Put(ctx context.Context, buildID string, kind types.ArtifactKind, r io.Reader, maxBytes int64) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ArtifactWriteDuration, string(kind))

	dir, err := s.buildDir(buildID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("create build artifact dir: %w", err)
	}

	finalPath := filepath.Join(dir, filename(kind))

	tmp, err := os.CreateTemp(dir, filename(kind)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("chmod temp artifact file: %w", err)
	}

	limited := io.LimitReader(r, maxBytes+1)
	n, copyErr := io.Copy(tmp, limited)
	closeErr := tmp.Close()

	if copyErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("stream artifact: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp artifact file: %w", closeErr)
	}
	if n > maxBytes {
		os.Remove(tmpPath)
		return "", ErrTooLarge
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("finalize artifact: %w", err)
	}

	metrics.ArtifactBytesWrittenTotal.WithLabelValues(string(kind)).Add(float64(n))
	rel, err := filepath.Rel(s.basePath, finalPath)
	if err != nil {
		return finalPath, nil
	}
	return rel, nil
}

// Open returns a reader for a previously stored artifact and its size, for
// streaming downloads. Callers must Close the returned reader.
func (s *Storage) Open(relPath string) (io.ReadCloser, int64, error) {
	full := filepath.Join(s.basePath, relPath)
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// DeleteBuild removes every artifact stored for a build. Used when an
// upload is aborted mid-stream (client cancel or disconnect).
func (s *Storage) DeleteBuild(buildID string) error {
	dir, err := s.buildDir(buildID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete build artifacts: %w", err)
	}
	return nil
}

// Prune removes build artifact directories whose contents have not been
// modified in longer than olderThan. Neither the controller nor any command
// under cmd/ calls it — spec.md leaves artifact retention as an operator
// decision, not an automatic policy.
func (s *Storage) Prune(ctx context.Context, olderThan time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("read artifact storage root: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(s.basePath, e.Name())
		if err := os.RemoveAll(full); err != nil {
			s.logger.Error().Err(err).Str("build_id", e.Name()).Msg("failed to prune artifact directory")
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}
