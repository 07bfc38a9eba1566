// Package attachment defines the content-addressed blob store used to
// move (never validate) ledger attachments. The attachment store and its
// validation semantics are an external collaborator (spec.md section 1);
// this package only moves bytes.
package attachment

import (
	"context"
	"io"
)

// Hash is a content address: a hex-encoded digest identifying a blob.
type Hash string

// Store moves attachment blobs by content hash. It never parses or
// validates their contents.
type Store interface {
	// Put streams a blob into the store and returns its content hash.
	Put(ctx context.Context, r io.Reader) (Hash, error)
	// Get streams a previously stored blob back out. The caller must
	// Close the returned reader.
	Get(ctx context.Context, h Hash) (io.ReadCloser, error)
}
