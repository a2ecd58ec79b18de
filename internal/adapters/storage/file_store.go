package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/utils"
)

// FileStore persists attachments on the local filesystem and serves stable
// storage keys of the form "{messageID}_{sanitizedFilename}".
type FileStore struct {
	dir     string
	baseURL string
	logger  *zap.Logger
}

// NewFileStore creates a new filesystem attachment store
func NewFileStore(dir, baseURL string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &FileStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// Save writes the attachment bytes and returns the storage key. The write
// goes to a temp file first and is renamed into place, so a crash cannot
// leave a truncated file under the final key.
func (s *FileStore) Save(ctx context.Context, messageID, filename, contentType string, data []byte) (string, error) {
	key := utils.SanitizeFilename(messageID) + "_" + utils.SanitizeFilename(filename)
	target := filepath.Join(s.dir, key)

	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating attachment temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("writing attachment %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("closing attachment %s: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("storing attachment %s: %w", key, err)
	}

	s.logger.Debug("Stored attachment",
		zap.String("key", key),
		zap.String("content_type", contentType),
		zap.Int("size", len(data)))
	return key, nil
}

// PublicURL builds the externally reachable URL for a storage key.
func (s *FileStore) PublicURL(storageKey string) string {
	return s.baseURL + "/attachments/" + storageKey
}
