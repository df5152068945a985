// Package blobstore defines the outbound blob-storage collaborator used by
// the OCR coordinator (C9) to persist downloaded photo bytes before handing
// them to the OCR microservice.
package blobstore

import "context"

// Store uploads opaque bytes under path/filename and returns a retrievable
// URL or key.
type Store interface {
	Upload(ctx context.Context, path, filename string, data []byte) (string, error)
}
