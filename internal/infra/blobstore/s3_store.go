package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// S3Store talks to an S3-compatible object store (AWS S3, MinIO, Backblaze
// B2's S3-compatible gateway) via plain signed-URL PUT, mirroring the
// original's B2/minio duality without committing to either vendor SDK: the
// caller supplies a pre-signing function appropriate to whichever backend is
// configured.
type S3Store struct {
	client   *http.Client
	baseURL  string
	sign     func(ctx context.Context, key string) (url string, headers map[string]string, err error)
}

// NewS3Store constructs a Store against an S3-compatible endpoint. sign
// produces a presigned PUT URL (and any headers the backend requires, e.g.
// a content hash or auth token) for a given object key.
func NewS3Store(baseURL string, sign func(ctx context.Context, key string) (string, map[string]string, error)) *S3Store {
	return &S3Store{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		sign:    sign,
	}
}

func (s *S3Store) Upload(ctx context.Context, path, filename string, data []byte) (string, error) {
	key := path + "/" + filename
	url, headers, err := s.sign(ctx, key)
	if err != nil {
		return "", fmt.Errorf("blobstore: sign %q: %w", key, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("blobstore: upload %q: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("blobstore: upload %q: status %d", key, resp.StatusCode)
	}
	return s.baseURL + "/" + key, nil
}
