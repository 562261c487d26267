// Package blob implements the blob-store transport used to offload
// oversized handler payloads: download an opaque byte blob by id, or upload
// one and receive back the id it was stored under.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Client downloads and uploads opaque blobs against an HTTP blob store. The
// store is addressed by two URL templates rather than a fixed bucket/prefix
// scheme, so the same client works against any GET-by-id/PUT-by-id service.
type Client struct {
	httpClient *http.Client

	// downloadURL and uploadURL are called with a blob id (download) or no
	// argument (upload, the store assigns the id and returns it) to produce
	// the request URL.
	downloadURL func(blobID string) string
	uploadURL   func() string
}

// New returns a Client. httpClient may be nil to use http.DefaultClient.
func New(downloadURL func(blobID string) string, uploadURL func() string, httpClient *http.Client) *Client {
	if downloadURL == nil || uploadURL == nil {
		panic("blob: nil URL builder")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient:  httpClient,
		downloadURL: downloadURL,
		uploadURL:   uploadURL,
	}
}

// Download fetches the blob stored under id.
func (c *Client) Download(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.downloadURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("blob: building download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: download %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob: download %s: unexpected status %s", id, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: reading download %s: %w", id, err)
	}
	return body, nil
}

// Upload stores data and returns the id it was assigned. The store is
// expected to return the id as the entire response body, trimmed of
// surrounding whitespace.
func (c *Client) Upload(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.uploadURL(), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("blob: building upload request: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("blob: upload: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("blob: reading upload response: %w", err)
	}

	id := bytes.TrimSpace(body)
	if len(id) == 0 {
		return "", fmt.Errorf("blob: upload: store returned an empty id")
	}
	return string(id), nil
}
