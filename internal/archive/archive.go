// Package archive persists fetched chapter payloads to blob storage.
// Archival is best-effort and optional; the noop store is the default.
package archive

import "context"

// Store writes one artifact and returns its URI.
type Store interface {
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Noop discards everything.
type Noop struct{}

// Put implements Store by dropping the payload.
func (Noop) Put(_ context.Context, path string, _ string, _ []byte) (string, error) {
	return "noop://" + path, nil
}
