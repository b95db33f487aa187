package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usdt-custody-go/internal/store"
)

// Compile-time check: *DiskStore must satisfy store.ArtifactStore.
var _ store.ArtifactStore = (*DiskStore)(nil)

// DiskStore writes receipt images to a local directory and resolves them
// against a public base URL. Refs are server-generated, so a client-supplied
// filename can never traverse outside the directory.
type DiskStore struct {
	dir     string
	baseURL string
}

func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create artifact directory: %w", err)
	}
	return &DiskStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Store persists the reader's contents and returns an opaque ref. Only the
// extension of the original filename is kept.
func (s *DiskStore) Store(filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	ref := uuid.New().String() + ext

	path := filepath.Join(s.dir, ref)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("unable to create artifact file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			zap.L().Warn("Failed to close artifact file", zap.Error(err))
		}
	}()

	if _, err := io.Copy(f, r); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			zap.L().Warn("Failed to remove partial artifact", zap.Error(rmErr))
		}
		return "", fmt.Errorf("unable to write artifact: %w", err)
	}

	zap.L().Debug("Artifact stored", zap.String("ref", ref))
	return ref, nil
}

// Resolve returns the public URL for a stored ref.
func (s *DiskStore) Resolve(ref string) string {
	return s.baseURL + "/" + ref
}
