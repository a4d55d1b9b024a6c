package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Serves a feed payload from a local file, as if it came from an
// upstream server. The ETag is derived from the file's content, so a
// conditional fetch of an unchanged file gets a 304.
type FileFetcher struct {
	Path string

	TimeNow func() time.Time

	mutex sync.Mutex
}

func NewFileFetcher(path string) *FileFetcher {
	return &FileFetcher{
		Path:    path,
		TimeNow: time.Now,
	}
}

func (f *FileFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := f.TimeNow()

	info, err := os.Stat(f.Path)
	if os.IsNotExist(err) {
		return &Response{StatusCode: http.StatusNotFound, FetchedAt: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}

	maxSize := req.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if info.Size() > int64(maxSize) {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxSize)
	}

	body, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading: %w", err)
	}

	hash := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(hash[:16]) + `"`

	if req.ETag == etag {
		return &Response{StatusCode: http.StatusNotModified, ETag: etag, FetchedAt: now}, nil
	}

	return &Response{
		StatusCode: http.StatusOK,
		Body:       body,
		ETag:       etag,
		FetchedAt:  now,
	}, nil
}
