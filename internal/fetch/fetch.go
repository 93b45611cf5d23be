// Package fetch retrieves tracked documents over HTTP with bounded
// timeout, redirect chain and response size. Failures are not retried
// here; the next update notification is the retry mechanism.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxRedirects = 10

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	KindNetwork  ErrorKind = "network"
	KindTimeout  ErrorKind = "timeout"
	KindStatus   ErrorKind = "status"
	KindTooLarge ErrorKind = "too_large"
)

// Error is a typed fetch failure.
type Error struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RawContent is a fetched response body with its declared media type.
type RawContent struct {
	URL       string
	MediaType string
	Body      []byte
}

// IsHTML reports whether the content should go through the HTML
// normalizer before being stored.
func (c RawContent) IsHTML() bool {
	return c.MediaType == "text/html"
}

type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func New(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		maxBytes: maxBytes,
	}
}

// Fetch performs a single GET. Non-2xx status, timeouts, network
// failures and oversized bodies all surface as *Error.
func (f *Fetcher) Fetch(ctx context.Context, url string) (RawContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RawContent{}, &Error{Kind: KindNetwork, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", "govwatch/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return RawContent{}, &Error{Kind: classify(err), URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return RawContent{}, &Error{Kind: KindStatus, URL: url, Status: resp.StatusCode}
	}

	// Read one byte past the ceiling to distinguish "exactly at the
	// limit" from "over it".
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return RawContent{}, &Error{Kind: classify(err), URL: url, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return RawContent{}, &Error{Kind: KindTooLarge, URL: url, Err: fmt.Errorf("response exceeds %d bytes", f.maxBytes)}
	}

	mediaType := resp.Header.Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	} else {
		mediaType = strings.TrimSpace(strings.Split(mediaType, ";")[0])
	}

	return RawContent{URL: url, MediaType: mediaType, Body: body}, nil
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
