package fetcher

import (
	"io"
	"time"
)

// rateLimitedReader caps throughput by sleeping whenever reads run ahead of
// the configured bytes-per-second schedule.
type rateLimitedReader struct {
	r     io.Reader
	limit int64
	start time.Time
	read  int64
}

func newRateLimitedReader(r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	return &rateLimitedReader{
		r:     r,
		limit: bytesPerSecond,
		start: time.Now(),
	}
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.read += int64(n)

	earliest := time.Duration(float64(r.read) / float64(r.limit) * float64(time.Second))
	if elapsed := time.Since(r.start); elapsed < earliest {
		time.Sleep(earliest - elapsed)
	}
	return n, err
}
