// Package filestore persists uploaded images (avatars, shared
// pictures) content-addressed by hash. Uploads are sniffed by their
// magic bytes; anything that is not an image is rejected before a
// single byte hits the disk.
package filestore

import (
	"errors"
	"io"
)

// ErrNotImage rejects uploads whose content is not a recognized image
// format, regardless of the declared content type.
var ErrNotImage = errors.New("uploaded file is not an image")

// Ref identifies a stored image.
type Ref struct {
	// ID is the hex sha256 of the content. Identical uploads share one
	// stored file.
	ID   string `json:"id"`
	MIME string `json:"mime"`
}

// ImageStore stores and serves uploaded images.
type ImageStore interface {
	// Save sniffs, hashes and stores the image. Idempotent: saving the
	// same content twice yields the same Ref.
	Save(r io.Reader) (Ref, error)

	// Open returns the image content and its sniffed MIME type.
	Open(id string) (io.ReadCloser, string, error)
}
