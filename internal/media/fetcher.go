// Package media imports remote files, such as avatars and photos, as post
// parts.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// MaxSize is the largest body Import accepts.
const MaxSize = 10 << 20

// Fetcher downloads remote media.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a Fetcher. If httpClient is nil a client with a 30
// second timeout is used.
func NewFetcher(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{httpClient: httpClient}
}

// Import downloads rawURL and returns it as a part carrying the response's
// content type. Images are marked inline.
func (f *Fetcher) Import(ctx context.Context, rawURL string) (*domain.Part, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(body) > MaxSize {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes", rawURL, MaxSize)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "application/octet-stream"
	}

	return &domain.Part{
		MimeType: mediaType,
		Body:     body,
		Inline:   strings.HasPrefix(mediaType, "image/"),
	}, nil
}
