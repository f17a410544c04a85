package forward

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitBurst is the token bucket size, and the largest single read a
// limited reader hands out.
const rateLimitBurst = 16 * 1024

// rateLimitedReader wraps an io.Reader with a token bucket limiting
// throughput to a fixed number of bytes per second.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// newRateLimitedReader limits r to bytesPerSecond. If bytesPerSecond is 0 or
// negative, r is returned unwrapped.
func newRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}

	return &rateLimitedReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), rateLimitBurst),
		ctx:     ctx,
	}
}

// Read implements io.Reader. It waits for tokens after reading, so the
// bytes already read are returned even when the wait fails.
func (r *rateLimitedReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
	}

	// WaitN rejects requests larger than the burst.
	if len(p) > rateLimitBurst {
		p = p[:rateLimitBurst]
	}

	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}

	if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
		return n, waitErr
	}

	return n, err
}
