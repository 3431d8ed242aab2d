package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store owns the temp and output directories. Temp files belong to exactly
// one job; output files live until the job janitor evicts their job.
type Store struct {
	tempDir   string
	outputDir string
}

// NewStore prepares both directories. An empty tempDir gets a fresh
// os.MkdirTemp directory.
func NewStore(tempDir, outputDir string) (*Store, error) {
	if tempDir == "" {
		d, err := os.MkdirTemp("", "polyvox_")
		if err != nil {
			return nil, fmt.Errorf("could not create temp directory: %w", err)
		}
		tempDir = d
	} else if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create temp directory: %w", err)
	}
	if outputDir == "" {
		return nil, errors.New("no output directory")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	log.Info().Str("temp", tempDir).Str("output", outputDir).Msg("file store ready")
	return &Store{tempDir: tempDir, outputDir: outputDir}, nil
}

// NewTemp reserves a uniquely named file in the temp directory and returns
// its path. ext must include the leading dot (or be empty).
func (s *Store) NewTemp(prefix, ext string) (string, error) {
	name := fmt.Sprintf("%s_%s%s", prefix, shortuuid.New(), ext)
	path := filepath.Join(s.tempDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("could not create temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes a file. It is safe to call twice: a missing file is a
// no-op reported as false.
func (s *Store) Remove(path string) bool {
	if path == "" {
		return false
	}
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", path).Msg("cleanup failed")
	}
	return false
}

// OutputPath returns the absolute path a named output file should live at.
func (s *Store) OutputPath(name string) string {
	return filepath.Join(s.outputDir, filepath.Base(name))
}

// Promote moves a temp file into the output directory under the given name
// and returns the destination path. Falls back to copy+remove when the
// directories sit on different filesystems.
func (s *Store) Promote(src, name string) (string, error) {
	dst := s.OutputPath(name)
	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("could not promote %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("could not promote %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		s.Remove(dst)
		return "", fmt.Errorf("could not promote %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	s.Remove(src)
	return dst, nil
}

// Resolve maps a bare output filename to its path, rejecting traversal
// attempts and missing files.
func (s *Store) Resolve(filename string) (string, error) {
	clean := filepath.Base(filename)
	if clean != filename || clean == "." || clean == string(filepath.Separator) {
		return "", errors.New("invalid filename")
	}
	fullPath := filepath.Join(s.outputDir, clean)
	if _, err := os.Stat(fullPath); err != nil {
		return "", errors.New("file not found")
	}
	return fullPath, nil
}

// TempDir exposes the temp root, mainly for resource checks.
func (s *Store) TempDir() string { return s.tempDir }
