// Package fetch downloads remote media for URL ingestion.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// HTTPFetcher implements simplemedia.URLFetcher over net/http
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// Option configures an HTTPFetcher
type Option func(*HTTPFetcher)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header on every request
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) { f.userAgent = ua }
}

// New creates an HTTPFetcher
func New(options ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client:    &http.Client{},
		userAgent: "simple-media/1.0",
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Download fetches rawURL. The body is cut off after maxBytes and the whole
// exchange after maxDuration; zero disables a limit.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string, maxBytes int64, maxDuration time.Duration) (*simplemedia.Download, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &simplemedia.DownloadError{URL: rawURL, Err: errors.New("url must be absolute http or https")}
	}

	if maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxDuration)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &simplemedia.DownloadError{URL: rawURL, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.wrap(ctx, rawURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &simplemedia.DownloadError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, &simplemedia.DownloadError{URL: rawURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: content length %d exceeds %d", simplemedia.ErrDownloadTooLarge, resp.ContentLength, maxBytes)}
	}

	body := io.Reader(resp.Body)
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, f.wrap(ctx, rawURL, resp.StatusCode, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, &simplemedia.DownloadError{URL: rawURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: body exceeds %d bytes", simplemedia.ErrDownloadTooLarge, maxBytes)}
	}
	if len(data) == 0 {
		return nil, &simplemedia.DownloadError{URL: rawURL, StatusCode: resp.StatusCode, Err: errors.New("empty body")}
	}

	return &simplemedia.Download{
		Data:     data,
		MimeType: contentType(resp.Header.Get("Content-Type"), data),
		FileName: fileName(u, resp.Header.Get("Content-Disposition")),
	}, nil
}

func (f *HTTPFetcher) wrap(ctx context.Context, rawURL string, status int, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", simplemedia.ErrDownloadTimeout, err)
	}
	return &simplemedia.DownloadError{URL: rawURL, StatusCode: status, Err: err}
}

// contentType prefers the declared media type unless it is missing or generic.
func contentType(header string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

func fileName(u *url.URL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := path.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return strings.TrimSpace(name)
}
