package text

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vantagenotes/notesync/internal/core/storage"
)

const fileComponent = "text.file"

// FileStore keeps each document as <root>/<docID>.md. Document ids may
// contain "/" and map onto subdirectories; ids that resolve outside root are
// rejected with storage.ErrInvalidDocID.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, storage.Wrap(fileComponent, "open", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, storage.Wrap(fileComponent, "open", err)
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

// Path resolves docID to its file inside the notes directory.
func (s *FileStore) Path(docID string) (string, error) {
	if docID == "" || strings.ContainsRune(docID, 0) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidDocID, docID)
	}
	name := filepath.FromSlash(docID)
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidDocID, docID)
	}
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}

	path := filepath.Join(s.root, name)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidDocID, docID)
	}
	return path, nil
}

func (s *FileStore) Read(_ context.Context, docID string) (string, error) {
	path, err := s.Path(docID)
	if err != nil {
		return "", storage.Wrap(fileComponent, "read", err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", storage.Wrap(fileComponent, "read", err)
	}
	return string(data), nil
}

// Write replaces the file atomically through a temp file in the same directory.
func (s *FileStore) Write(_ context.Context, docID, text string) error {
	path, err := s.Path(docID)
	if err != nil {
		return storage.Wrap(fileComponent, "write", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.Wrap(fileComponent, "write", err)
	}

	tmp, err := os.CreateTemp(dir, ".notesync-*")
	if err != nil {
		return storage.Wrap(fileComponent, "write", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return storage.Wrap(fileComponent, "write", err)
	}
	if err := tmp.Close(); err != nil {
		return storage.Wrap(fileComponent, "write", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return storage.Wrap(fileComponent, "write", err)
	}
	return storage.Wrap(fileComponent, "write", os.Rename(tmp.Name(), path))
}
