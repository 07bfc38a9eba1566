package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore is the default Store, backed by a Google Cloud Storage bucket.
// Objects are named by the SHA-256 hash of their content, giving Put its
// natural idempotency: writing the same blob twice is a no-op the second
// time.
type GCSStore struct {
	client *storage.Client
	bucket string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore returns a GCSStore writing into the named bucket.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

func (s *GCSStore) Put(ctx context.Context, r io.Reader) (Hash, error) {
	// Buffer to disk-free memory only long enough to compute the hash
	// before naming the object; attachments in this domain are small
	// enough (notary/vault documents, not bulk data) that this is fine.
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading attachment body: %w", err)
	}
	var sum = sha256.Sum256(data)
	var hash = Hash(hex.EncodeToString(sum[:]))

	w := s.client.Bucket(s.bucket).Object(string(hash)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("writing attachment %s: %w", hash, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing attachment %s: %w", hash, err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, h Hash) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(string(h)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading attachment %s: %w", h, err)
	}
	return r, nil
}
