// Package fetcher streams candidate media to local scratch storage with
// resumable, rate-limited, cancellable transfers.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/aseltyar/video-downloader/internal/resolver"
	"github.com/aseltyar/video-downloader/internal/retry"
)

// Config bounds one fetch operation.
type Config struct {
	SizeLimit      int64         // max source bytes, 0 = unlimited
	RateLimit      int64         // bytes per second, 0 = uncapped
	AttemptTimeout time.Duration // wall clock per attempt, 0 = none
	Retry          retry.Policy
}

// Progress reports bytes written so far and the expected total (-1 when the
// source does not advertise one). Called from the transfer goroutine; keep
// it cheap.
type Progress func(written, total int64)

// Result describes a completed fetch.
type Result struct {
	BytesWritten int64
	Checksum     string
}

// Fetcher performs bounded streaming downloads.
type Fetcher struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a fetcher; a nil client gets http.DefaultClient.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

// Fetch streams the candidate to destPath, retrying transient failures
// under the configured policy. A partially written destination is resumed
// with a Range request when the candidate advertises range support,
// otherwise each retry restarts from zero.
func (f *Fetcher) Fetch(ctx context.Context, cand resolver.Candidate, destPath string, onProgress Progress) (Result, error) {
	if f.cfg.SizeLimit > 0 && cand.Size > f.cfg.SizeLimit {
		return Result{}, fmt.Errorf("%w: source advertises %d bytes, limit %d",
			domain.ErrSizeLimitExceeded, cand.Size, f.cfg.SizeLimit)
	}

	var res Result
	err := f.cfg.Retry.Do(ctx, func(attempt int) error {
		r, attemptErr := f.attempt(ctx, cand, destPath, onProgress)
		if attemptErr != nil {
			f.logger.Warn("Fetch attempt failed",
				slog.String("url", cand.URL),
				slog.Int("attempt", attempt),
				slog.Any("error", attemptErr),
			)
			return attemptErr
		}
		res = r
		return nil
	})
	if err != nil {
		os.Remove(destPath)
		return Result{}, err
	}
	return res, nil
}

func (f *Fetcher) attempt(ctx context.Context, cand resolver.Candidate, destPath string, onProgress Progress) (Result, error) {
	if f.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.AttemptTimeout)
		defer cancel()
	}

	var offset int64
	if cand.SupportsRange {
		if st, err := os.Stat(destPath); err == nil {
			offset = st.Size()
		}
	} else {
		os.Remove(destPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cand.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, classifyCtxErr(ctx.Err())
		}
		return Result{}, domain.NewRetryableError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Keep the offset, append.
	case resp.StatusCode == http.StatusOK:
		offset = 0
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		os.Remove(destPath)
		return Result{}, domain.NewRetryableError(fmt.Errorf("stale partial file, restarting"))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Result{}, fmt.Errorf("source rejected fetch with status %d", resp.StatusCode)
	default:
		return Result{}, domain.NewRetryableError(fmt.Errorf("source returned status %d", resp.StatusCode))
	}

	total := expectedTotal(resp, offset, cand.Size)
	if f.cfg.SizeLimit > 0 && total > f.cfg.SizeLimit {
		return Result{}, fmt.Errorf("%w: source reports %d bytes, limit %d",
			domain.ErrSizeLimitExceeded, total, f.cfg.SizeLimit)
	}

	hasher := sha256.New()
	file, err := f.openDest(destPath, offset, hasher)
	if err != nil {
		return Result{}, err
	}
	defer file.Close()

	written, copyErr := f.copyBody(ctx, file, hasher, resp.Body, offset, total, onProgress)
	if copyErr != nil {
		return Result{}, copyErr
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if cand.Checksum != "" && !strings.EqualFold(sum, cand.Checksum) {
		// One re-verification pass over the file before declaring the
		// transfer corrupt.
		reSum, reErr := checksumFile(destPath)
		if reErr != nil || !strings.EqualFold(reSum, cand.Checksum) {
			os.Remove(destPath)
			return Result{}, fmt.Errorf("%w: got %s, want %s", domain.ErrChecksumMismatch, sum, cand.Checksum)
		}
		sum = reSum
	}

	return Result{BytesWritten: written, Checksum: sum}, nil
}

// openDest opens the destination for appending at offset, feeding any
// already-present prefix through the hasher so the final checksum covers
// the whole file.
func (f *Fetcher) openDest(destPath string, offset int64, hasher hash.Hash) (*os.File, error) {
	if offset == 0 {
		file, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open destination: %w", err)
		}
		return file, nil
	}

	prefix, err := os.Open(destPath)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to reopen partial file: %w", err))
	}
	_, err = io.Copy(hasher, io.LimitReader(prefix, offset))
	prefix.Close()
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to hash partial file: %w", err))
	}

	file, err := os.OpenFile(destPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}
	return file, nil
}

func (f *Fetcher) copyBody(ctx context.Context, file *os.File, hasher hash.Hash, body io.Reader, offset, total int64, onProgress Progress) (int64, error) {
	reader := newRateLimitedReader(body, f.cfg.RateLimit)
	out := io.MultiWriter(file, hasher)

	written := offset
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return written, classifyCtxErr(err)
		}

		n, readErr := reader.Read(buf)
		if n > 0 {
			written += int64(n)
			if f.cfg.SizeLimit > 0 && written > f.cfg.SizeLimit {
				// Abort mid-stream before the partial file exhausts
				// scratch disk.
				return written, fmt.Errorf("%w: exceeded %d bytes", domain.ErrSizeLimitExceeded, f.cfg.SizeLimit)
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write destination: %w", err)
			}
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return written, classifyCtxErr(ctx.Err())
			}
			return written, domain.NewRetryableError(fmt.Errorf("read failed: %w", readErr))
		}
	}
}

// classifyCtxErr keeps attempt-deadline expiry retryable (a timeout counts
// like any other failed attempt) while an outright cancellation stops the
// whole fetch.
func classifyCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewRetryableError(fmt.Errorf("attempt timed out: %w", err))
	}
	return err
}

// expectedTotal derives the full source size from the response, falling
// back to the candidate's hint, -1 when unknown.
func expectedTotal(resp *http.Response, offset, hint int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx >= 0 {
				if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil && total > 0 {
					return total
				}
			}
		}
		if resp.ContentLength > 0 {
			return offset + resp.ContentLength
		}
	} else if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	if hint > 0 {
		return hint
	}
	return -1
}

func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
