// Package archive stores raw page bodies so the extraction pipeline can
// reprocess them without refetching. The engine treats blobs as
// write-once; nothing here reads them back.
package archive

import (
	"context"
	"io"
)

// Store writes one blob and returns a stable URI for it.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Noop discards blobs, for deployments that hand bodies off inline.
type Noop struct{}

// PutObject drops the data and returns an empty URI.
func (Noop) PutObject(_ context.Context, _ string, _ string, r io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, r)
	return "", err
}
