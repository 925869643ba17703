package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrInvalidName = errors.New("invalid storage name")

// FileStorage is a blob store addressed by slash-separated relative names.
type FileStorage interface {
	Save(ctx context.Context, prefix, fileID, filename string, reader io.Reader) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) bool
	Path(name string) (string, error)
}

// LocalStorage stores files on the local filesystem.
type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) *LocalStorage {
	return &LocalStorage{basePath: basePath}
}

// Root returns the directory files are stored under.
func (s *LocalStorage) Root() string {
	return s.basePath
}

// CheckWritable creates the root if needed and verifies a file can be written in it.
func (s *LocalStorage) CheckWritable() error {
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("create %s: %w", s.basePath, err)
	}
	f, err := os.CreateTemp(s.basePath, ".writable-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", s.basePath, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Save writes reader to <prefix>/<fileID>/<filename> and returns that name.
func (s *LocalStorage) Save(_ context.Context, prefix, fileID, filename string, reader io.Reader) (string, error) {
	filename = filepath.Base(filepath.Clean("/" + filename))
	if filename == "/" || filename == "." {
		return "", fmt.Errorf("%w: empty filename", ErrInvalidName)
	}
	name := path.Join(prefix, fileID, filename)
	storagePath, err := s.Path(name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(storagePath), 0755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	f, err := os.Create(storagePath)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		os.Remove(storagePath)
		return "", fmt.Errorf("write file: %w", err)
	}
	return name, nil
}

func (s *LocalStorage) Open(_ context.Context, name string) (io.ReadCloser, error) {
	storagePath, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(storagePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *LocalStorage) Delete(_ context.Context, name string) error {
	storagePath, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(storagePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	// Try to remove parent dir (fileID dir) if empty
	dir := filepath.Dir(storagePath)
	if dir != filepath.Clean(s.basePath) {
		_ = os.Remove(dir)
	}
	return nil
}

func (s *LocalStorage) Exists(_ context.Context, name string) bool {
	storagePath, err := s.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(storagePath)
	return err == nil && !info.IsDir()
}

// Path resolves a stored name to a filesystem path under the root.
func (s *LocalStorage) Path(name string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean[1:])), nil
}

var _ FileStorage = (*LocalStorage)(nil)
