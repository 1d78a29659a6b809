package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Brownie44l1/rdd-api/internal/logger"
	"github.com/Brownie44l1/rdd-api/internal/pipeline"
)

// Fetcher downloads images referenced by URL.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
	logger     *logger.Logger
}

// New creates a fetcher. Downloads larger than maxBytes are rejected.
func New(timeout time.Duration, maxBytes int64, log *logger.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		logger:     log,
	}
}

// Fetch downloads and decodes the image at rawURL. Unreachable or
// undecodable images wrap pipeline.ErrInvalidImage, deadlines wrap
// pipeline.ErrTimeout.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (image.Image, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: unsupported image url %q", pipeline.ErrInvalidImage, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: fetching %s: %v", pipeline.ErrTimeout, u.Host, err)
		}
		return nil, fmt.Errorf("%w: fetching image: %v", pipeline.ErrInvalidImage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: image url returned status %d", pipeline.ErrInvalidImage, resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: image is %d bytes, limit is %d", pipeline.ErrInvalidImage, resp.ContentLength, f.maxBytes)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: reading image: %v", pipeline.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: reading image: %v", pipeline.ErrInvalidImage, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", pipeline.ErrInvalidImage, f.maxBytes)
	}

	f.logger.Debug("Fetched image", "host", u.Host, "bytes", len(data), "duration", time.Since(start))
	return pipeline.Decode(bytes.NewReader(data))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
