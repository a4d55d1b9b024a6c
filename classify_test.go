package rtfeed_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"tidbyt.dev/rtfeed"
	"tidbyt.dev/rtfeed/downloader"
)

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err   error
		class rtfeed.ErrorClass
	}{
		{&rtfeed.HTTPStatusError{StatusCode: 429}, rtfeed.ClassRateLimited},
		{&rtfeed.HTTPStatusError{StatusCode: 503}, rtfeed.ClassTransient},
		{&rtfeed.HTTPStatusError{StatusCode: 404}, rtfeed.ClassTransient},
		{&rtfeed.DecodeError{Err: io.ErrUnexpectedEOF}, rtfeed.ClassNonTransient},
		{downloader.ErrTooLarge, rtfeed.ClassNonTransient},
		{fmt.Errorf("fetching: %w", downloader.ErrTooLarge), rtfeed.ClassNonTransient},
		{errors.Wrap(&rtfeed.HTTPStatusError{StatusCode: 429}, "polling"), rtfeed.ClassRateLimited},
		{errors.New("something odd"), rtfeed.ClassTransient},
		{context.DeadlineExceeded, rtfeed.ClassTransient},
	} {
		assert.Equal(t, tc.class, rtfeed.Classify(tc.err), tc.err.Error())
	}
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", rtfeed.ClassTransient.String())
	assert.Equal(t, "non_transient", rtfeed.ClassNonTransient.String())
	assert.Equal(t, "rate_limited", rtfeed.ClassRateLimited.String())
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "upstream returned 500", (&rtfeed.HTTPStatusError{StatusCode: 500}).Error())

	err := &rtfeed.DecodeError{Err: io.ErrUnexpectedEOF}
	assert.Equal(t, "decoding feed: unexpected EOF", err.Error())
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, rtfeed.IsConnectionError(nil))
	assert.False(t, rtfeed.IsConnectionError(errors.New("bad payload")))
	assert.False(t, rtfeed.IsConnectionError(&rtfeed.HTTPStatusError{StatusCode: 500}))

	assert.True(t, rtfeed.IsConnectionError(context.DeadlineExceeded))
	assert.True(t, rtfeed.IsConnectionError(errors.Wrap(syscall.ECONNRESET, "reading body")))
	assert.True(t, rtfeed.IsConnectionError(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.True(t, rtfeed.IsConnectionError(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}))
}
