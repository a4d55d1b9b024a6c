package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxSize = 16 << 20
	DefaultTimeout = 10 * time.Second
)

var ErrTooLarge = errors.New("response body exceeds size limit")

// A conditional fetch of a feed.
type Request struct {
	URL string

	// Sent as a bearer token when set.
	Token string

	// Sent as If-None-Match when set.
	ETag string

	Timeout time.Duration
	MaxSize int
	Headers map[string]string
}

// Any HTTP response, successful or not. Callers branch on StatusCode.
type Response struct {
	StatusCode int
	Body       []byte
	ETag       string

	// From the Retry-After header, zero when absent.
	RetryAfter time.Duration

	FetchedAt time.Time
}

// A thing capable of fetching a feed. Non-200 statuses are returned
// as a Response. Errors are reserved for failing to get one.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

type HTTPFetcher struct {
	Client *http.Client

	TimeNow func() time.Time
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client:  &http.Client{},
		TimeNow: time.Now,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (*Response, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/octet-stream")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	if r.ETag != "" {
		req.Header.Set("If-None-Match", r.ETag)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	maxSize := r.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	// One extra byte tells an exact fit from an overflow
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) > maxSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxSize)
	}

	now := f.TimeNow()

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		ETag:       resp.Header.Get("ETag"),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		FetchedAt:  now,
	}, nil
}

// Retry-After is either delay seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
