package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
)

// sniffLen covers the longest magic-byte signature filetype checks.
const sniffLen = 261

// LocalImageStore keeps images on the local filesystem, sharded by the
// first two characters of the content hash.
type LocalImageStore struct {
	root string
}

func NewLocalImageStore(root string) (*LocalImageStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalImageStore{root: root}, nil
}

func (s *LocalImageStore) path(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.root, id)
	}
	return filepath.Join(s.root, id[:2], id)
}

func (s *LocalImageStore) Save(r io.Reader) (Ref, error) {
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Ref{}, fmt.Errorf("failed to read upload: %w", err)
	}
	header = header[:n]

	kind, err := filetype.Image(header)
	if err != nil {
		return Ref{}, ErrNotImage
	}

	// Hash the full content, header included.
	content := io.MultiReader(bytes.NewReader(header), r)
	hasher := sha256.New()

	dir := s.root
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return Ref{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	if _, err := io.Copy(io.MultiWriter(tmp, hasher), content); err != nil {
		return Ref{}, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Ref{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	ref := Ref{
		ID:   hex.EncodeToString(hasher.Sum(nil)),
		MIME: kind.MIME.Value,
	}
	final := s.path(ref.ID)

	// Idempotency check
	if _, err := os.Stat(final); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return Ref{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return Ref{}, fmt.Errorf("failed to rename file: %w", err)
	}

	return ref, nil
}

func (s *LocalImageStore) Open(id string) (io.ReadCloser, string, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open image %s: %w", id, err)
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		_ = f.Close()
		return nil, "", fmt.Errorf("failed to read image %s: %w", id, err)
	}
	kind, err := filetype.Image(header[:n])
	mime := "application/octet-stream"
	if err == nil {
		mime = kind.MIME.Value
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, "", fmt.Errorf("failed to rewind image %s: %w", id, err)
	}
	return f, mime, nil
}
