package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BlobStore provides access to the receipt documents awaiting processing.
// An unreadable or empty blob means the document is skipped upstream; it is
// never forwarded to the aggregation core.
type BlobStore interface {
	// List returns the names of all available documents.
	List() ([]string, error)

	// Get retrieves a document's bytes by name.
	Get(name string) ([]byte, error)
}

// documentExtensions are the file types recognized as receipt documents.
var documentExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".heic": true,
	".heif": true,
	".pdf":  true,
}

// LocalBlobStore implements the BlobStore interface over a local directory
// tree of receipt images.
type LocalBlobStore struct {
	basePath string
}

// NewLocalBlobStore creates a LocalBlobStore rooted at basePath.
func NewLocalBlobStore(basePath string) (*LocalBlobStore, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("opening blob directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("blob path is not a directory: %s", basePath)
	}

	return &LocalBlobStore{basePath: basePath}, nil
}

// List walks the directory and returns relative paths of all recognized
// documents, sorted for a stable processing order.
func (l *LocalBlobStore) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(l.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !documentExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

// Get reads a document's bytes.
func (l *LocalBlobStore) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}
