package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var errMissingRootDirectory = errors.New("storage: root directory is required")

// Remover deletes the binary payloads behind storage keys collected from
// metadata rows the publish engine is about to drop. Deleting the row must
// not silently lose the bytes it pointed at.
type Remover interface {
	Remove(ctx context.Context, keys []string) error
}

// NopRemover discards removal requests; useful when no binary store is wired.
type NopRemover struct{}

// Remove implements Remover and does nothing.
func (NopRemover) Remove(context.Context, []string) error {
	return nil
}

// FileRemover deletes asset payloads stored under a local root directory,
// one file per storage key.
type FileRemover struct {
	root   string
	logger *zap.Logger
}

// NewFileRemover constructs a FileRemover rooted at the given directory.
func NewFileRemover(root string, logger *zap.Logger) (*FileRemover, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errMissingRootDirectory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileRemover{root: root, logger: logger}, nil
}

// Remove deletes the files behind the given keys. Keys that escape the root
// or are already gone are skipped; a missing payload is not an error because
// removal is a cleanup follow-up, not a correctness requirement.
func (r *FileRemover) Remove(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		cleaned := filepath.Clean(strings.TrimSpace(key))
		if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
			r.logger.Warn("refusing to remove storage key outside root", zap.String("key", key))
			continue
		}
		path := filepath.Join(r.root, cleaned)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
