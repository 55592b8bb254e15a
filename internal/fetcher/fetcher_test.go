package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/aseltyar/video-downloader/internal/resolver"
	"github.com/aseltyar/video-downloader/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, Multiplier: 1.0}
}

func TestFetchSuccess(t *testing.T) {
	payload := strings.Repeat("media-bytes-", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "source.bin")
	f := New(srv.Client(), Config{Retry: fastRetry()}, testLogger())

	var lastWritten, lastTotal int64
	res, err := f.Fetch(context.Background(), resolver.Candidate{URL: srv.URL, Size: -1}, dest, func(written, total int64) {
		lastWritten, lastTotal = written, total
	})
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)), res.BytesWritten)
	assert.Equal(t, int64(len(payload)), lastWritten)
	assert.Equal(t, int64(len(payload)), lastTotal)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	sum := sha256.Sum256([]byte(payload))
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)
}

func TestFetchSizeLimit(t *testing.T) {
	t.Run("advertised size rejected up front", func(t *testing.T) {
		f := New(nil, Config{SizeLimit: 100, Retry: fastRetry()}, testLogger())
		_, err := f.Fetch(context.Background(), resolver.Candidate{URL: "http://example.com/v", Size: 200}, filepath.Join(t.TempDir(), "d"), nil)
		assert.ErrorIs(t, err, domain.ErrSizeLimitExceeded)
	})

	t.Run("streams aborted mid-transfer", func(t *testing.T) {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			// No Content-Length so the limit only trips during the copy.
			w.(http.Flusher).Flush()
			fmt.Fprint(w, strings.Repeat("x", 1<<20))
		}))
		defer srv.Close()

		dest := filepath.Join(t.TempDir(), "source.bin")
		f := New(srv.Client(), Config{SizeLimit: 1024, Retry: fastRetry()}, testLogger())

		_, err := f.Fetch(context.Background(), resolver.Candidate{URL: srv.URL, Size: -1}, dest, nil)
		require.ErrorIs(t, err, domain.ErrSizeLimitExceeded)

		// Permanent failure: exactly one attempt, partial file removed.
		assert.Equal(t, int32(1), requests.Load())
		_, statErr := os.Stat(dest)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	payload := "retry-payload"
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "source.bin")
	f := New(srv.Client(), Config{Retry: fastRetry()}, testLogger())

	res, err := f.Fetch(context.Background(), resolver.Candidate{URL: srv.URL, Size: -1}, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.BytesWritten)
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchPermanentRejection(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := New(srv.Client(), Config{Retry: fastRetry()}, testLogger())
	_, err := f.Fetch(context.Background(), resolver.Candidate{URL: srv.URL, Size: -1}, filepath.Join(t.TempDir(), "d"), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Equal(t, int32(1), requests.Load(), "4xx must not be retried")
}

func TestFetchResumesWithRange(t *testing.T) {
	payload := strings.Repeat("0123456789", 100)
	half := len(payload) / 2

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n == 1 {
			// Send half then drop the connection to force a retry.
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(payload[:half]))
			w.(http.Flusher).Flush()
			conn, _, _ := w.(http.Hijacker).Hijack()
			conn.Close()
			return
		}

		rng := r.Header.Get("Range")
		require.Equal(t, fmt.Sprintf("bytes=%d-", half), rng)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", half, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(payload[half:]))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "source.bin")
	f := New(srv.Client(), Config{Retry: fastRetry()}, testLogger())

	res, err := f.Fetch(context.Background(), resolver.Candidate{URL: srv.URL, Size: int64(len(payload)), SupportsRange: true}, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.BytesWritten)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	// Checksum covers the whole file including the resumed prefix.
	sum := sha256.Sum256([]byte(payload))
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)
}

func TestFetchChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "unexpected bytes")
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "source.bin")
	f := New(srv.Client(), Config{Retry: fastRetry()}, testLogger())

	_, err := f.Fetch(context.Background(), resolver.Candidate{
		URL:      srv.URL,
		Size:     -1,
		Checksum: strings.Repeat("ab", 32),
	}, dest, nil)
	require.ErrorIs(t, err, domain.ErrChecksumMismatch)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "partial")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := New(srv.Client(), Config{Retry: fastRetry()}, testLogger())
	_, err := f.Fetch(ctx, resolver.Candidate{URL: srv.URL, Size: -1}, filepath.Join(t.TempDir(), "d"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
