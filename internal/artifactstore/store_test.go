package artifactstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	store, err := New(cfg, testLogger())
	require.NoError(t, err)
	return store
}

func TestStoreWrite(t *testing.T) {
	store := newTestStore(t, Config{})
	content := "encoded video bytes"
	profile := domain.Profile{Format: "mp4", Height: 720}

	artifact, err := store.Write(context.Background(), "job-1", profile, strings.NewReader(content))
	require.NoError(t, err)

	assert.NotEmpty(t, artifact.ID)
	assert.Equal(t, "job-1", artifact.JobID)
	assert.Equal(t, int64(len(content)), artifact.Size)

	sum := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.Checksum)

	data, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	// No .partial file left behind.
	entries, err := os.ReadDir(filepath.Dir(artifact.Path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".partial"))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestStoreWriteFailureLeavesNothing(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t, Config{Root: root})

	_, err := store.Write(context.Background(), "job-1", domain.Profile{Format: "mp4"}, failingReader{})
	require.ErrorIs(t, err, domain.ErrStorage)

	entries, err := os.ReadDir(filepath.Join(root, "job-1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "failed write must not publish anything")
}

func TestStoreOpen(t *testing.T) {
	store := newTestStore(t, Config{})

	artifact, err := store.Write(context.Background(), "job-1", domain.Profile{Format: "mp3", BitrateKbps: 192}, strings.NewReader("audio"))
	require.NoError(t, err)

	rc, err := store.Open(artifact)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "audio", string(data))

	missing := artifact
	missing.Path = filepath.Join(filepath.Dir(artifact.Path), "gone.mp3")
	_, err = store.Open(missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreDiscardJob(t *testing.T) {
	store := newTestStore(t, Config{})

	a1, err := store.Write(context.Background(), "job-1", domain.Profile{Format: "mp4"}, strings.NewReader("one"))
	require.NoError(t, err)
	a2, err := store.Write(context.Background(), "job-2", domain.Profile{Format: "mp4"}, strings.NewReader("two"))
	require.NoError(t, err)

	require.NoError(t, store.DiscardJob("job-1"))

	_, err = store.Open(a1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rc, err := store.Open(a2)
	require.NoError(t, err)
	rc.Close()
}

func TestStoreEvict(t *testing.T) {
	ctx := context.Background()

	t.Run("under budget does nothing", func(t *testing.T) {
		store := newTestStore(t, Config{MaxBytes: 1 << 20})
		_, err := store.Write(ctx, "job-1", domain.Profile{Format: "mp4"}, strings.NewReader("small"))
		require.NoError(t, err)

		freed, err := store.Evict(ctx, func(string) bool { return true })
		require.NoError(t, err)
		assert.Zero(t, freed)
	})

	t.Run("evicts least recently read first", func(t *testing.T) {
		store := newTestStore(t, Config{MaxBytes: 150})

		cold, err := store.Write(ctx, "job-cold", domain.Profile{Format: "mp4"}, strings.NewReader(strings.Repeat("c", 100)))
		require.NoError(t, err)
		hot, err := store.Write(ctx, "job-hot", domain.Profile{Format: "mp4"}, strings.NewReader(strings.Repeat("h", 100)))
		require.NoError(t, err)

		// Touch the hot artifact so the cold one is older in read order.
		rc, err := store.Open(hot)
		require.NoError(t, err)
		rc.Close()

		freed, err := store.Evict(ctx, func(string) bool { return true })
		require.NoError(t, err)
		assert.Equal(t, int64(100), freed)

		_, err = store.Open(cold)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		rc, err = store.Open(hot)
		require.NoError(t, err)
		rc.Close()
	})

	t.Run("pinned jobs survive", func(t *testing.T) {
		store := newTestStore(t, Config{MaxBytes: 50})

		pinned, err := store.Write(ctx, "job-live", domain.Profile{Format: "mp4"}, strings.NewReader(strings.Repeat("p", 100)))
		require.NoError(t, err)

		freed, err := store.Evict(ctx, func(jobID string) bool { return jobID != "job-live" })
		require.NoError(t, err)
		assert.Zero(t, freed)

		rc, err := store.Open(pinned)
		require.NoError(t, err)
		rc.Close()
	})

	t.Run("retention floor protects fresh artifacts", func(t *testing.T) {
		store := newTestStore(t, Config{MaxBytes: 50, RetentionFloor: time.Hour})

		fresh, err := store.Write(ctx, "job-new", domain.Profile{Format: "mp4"}, strings.NewReader(strings.Repeat("f", 100)))
		require.NoError(t, err)

		freed, err := store.Evict(ctx, func(string) bool { return true })
		require.NoError(t, err)
		assert.Zero(t, freed)

		rc, err := store.Open(fresh)
		require.NoError(t, err)
		rc.Close()
	})
}
