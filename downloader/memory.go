package downloader

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

var ErrScriptExhausted = errors.New("no scripted responses left")

// A scripted response. Exactly one of Response and Err is used.
type Step struct {
	Response *Response
	Err      error
}

// Replays scripted responses in order. Each request is recorded, so
// callers can check what was sent.
type MemoryFetcher struct {
	mutex    sync.Mutex
	steps    []Step
	requests []Request

	// When set, the last step is repeated once the script runs
	// out.
	RepeatLast bool

	TimeNow func() time.Time
}

func NewMemoryFetcher(steps ...Step) *MemoryFetcher {
	return &MemoryFetcher{
		steps:   steps,
		TimeNow: time.Now,
	}
}

// Appends a step to the script.
func (m *MemoryFetcher) Push(step Step) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.steps = append(m.steps, step)
}

// Convenience for a 200 response with an ETag.
func (m *MemoryFetcher) PushOK(body []byte, etag string) {
	m.Push(Step{Response: &Response{StatusCode: http.StatusOK, Body: body, ETag: etag}})
}

func (m *MemoryFetcher) PushStatus(status int) {
	m.Push(Step{Response: &Response{StatusCode: status}})
}

func (m *MemoryFetcher) PushError(err error) {
	m.Push(Step{Err: err})
}

func (m *MemoryFetcher) Requests() []Request {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MemoryFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.requests = append(m.requests, req)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(m.steps) == 0 {
		return nil, ErrScriptExhausted
	}

	step := m.steps[0]
	if len(m.steps) > 1 || !m.RepeatLast {
		m.steps = m.steps[1:]
	}

	if step.Err != nil {
		return nil, step.Err
	}

	resp := *step.Response
	if resp.FetchedAt.IsZero() {
		resp.FetchedAt = m.TimeNow()
	}
	return &resp, nil
}
