package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mediascribe/config"
	"mediascribe/process"
	"mediascribe/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() *config.Config {
	return &config.Config{
		DownloadAttempts:  3,
		DownloadBackoff:   time.Millisecond,
		DownloadChunkSize: 4,
		DownloadTimeout:   5 * time.Second,
		ResolveTimeout:    5 * time.Second,
		MaxInputSize:      1 << 20,
		FFBin:             "ffmpeg",
		PythonBin:         "python3",
		YtDlpBin:          "yt-dlp",
	}
}

func newTestDownloader(t *testing.T, cfg *config.Config) *Downloader {
	monitor := process.NewMonitor(zaptest.NewLogger(t))
	monitor.Tick = 10 * time.Millisecond
	return NewDownloader(cfg, monitor, zaptest.NewLogger(t))
}

func runningTask(t *testing.T) (*task.Registry, string) {
	t.Helper()
	reg := task.NewRegistry()
	id := reg.Create("local").ID
	require.True(t, reg.Start(id))
	return reg, id
}

func TestIsExtractorURL(t *testing.T) {
	assert.True(t, IsExtractorURL("https://www.youtube.com/watch?v=abc"))
	assert.True(t, IsExtractorURL("https://youtu.be/abc"))
	assert.True(t, IsExtractorURL("https://M.YouTube.com/watch?v=abc"))
	assert.False(t, IsExtractorURL("https://example.com/video.mp4"))
	assert.False(t, IsExtractorURL("https://notyoutube.com/watch"))
	assert.False(t, IsExtractorURL("::not a url"))
}

func TestFormatFromURL(t *testing.T) {
	assert.Equal(t, "wav", FormatFromURL("https://x.test/a/b.WAV?sig=1", "mp3"))
	assert.Equal(t, "ogg", FormatFromURL("https://x.test/a.ogg", "mp3"))
	assert.Equal(t, "mp3", FormatFromURL("https://x.test/a.m4a", "mp3"))
	assert.Equal(t, "mp3", FormatFromURL("https://x.test/stream", "mp3"))
}

func TestFetch_Direct(t *testing.T) {
	payload := strings.Repeat("0123456789", 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	reg, id := runningTask(t)
	dir := t.TempDir()
	local, err := newTestDownloader(t, testConfig()).Fetch(context.Background(), srv.URL+"/media/clip.MP3", dir, false,
		reg.Reporter(id).Span(10, 30))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "input.mp3"), local)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	snap, _ := reg.Snapshot(id)
	assert.Equal(t, 30, snap.Progress)
}

func TestFetch_DirectNotFoundExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	reg, id := runningTask(t)
	_, err := newTestDownloader(t, testConfig()).Fetch(context.Background(), srv.URL+"/missing.mp4", t.TempDir(), false,
		reg.Reporter(id).Span(10, 30))
	require.Error(t, err)
	assert.Equal(t, task.KindTransientNetwork, task.KindOf(err))
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "3 attempt(s)")
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetch_DirectRecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("media"))
	}))
	defer srv.Close()

	reg, id := runningTask(t)
	_, err := newTestDownloader(t, testConfig()).Fetch(context.Background(), srv.URL+"/a.mp4", t.TempDir(), false,
		reg.Reporter(id))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_DirectTooLarge(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxInputSize = 16
	reg, id := runningTask(t)
	_, err := newTestDownloader(t, cfg).Fetch(context.Background(), srv.URL+"/a.mp4", t.TempDir(), false, reg.Reporter(id))
	require.Error(t, err)
	assert.Equal(t, task.KindInvalidInput, task.KindOf(err))
	assert.Equal(t, int32(1), hits.Load(), "size violations are not retried")
}

func TestFetch_DirectCanceled(t *testing.T) {
	reg, id := runningTask(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("abcd"))
		w.(http.Flusher).Flush()
		_, _ = reg.RequestCancel(id)
		w.Write([]byte(strings.Repeat("x", 996)))
	}))
	defer srv.Close()

	_, err := newTestDownloader(t, testConfig()).Fetch(context.Background(), srv.URL+"/a.mp4", t.TempDir(), false, reg.Reporter(id))
	assert.ErrorIs(t, err, task.ErrCanceled)
}

func fakeExtractor(t *testing.T, script string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestFetch_Extractor(t *testing.T) {
	cfg := testConfig()
	cfg.YtDlpBin = fakeExtractor(t, `
out=""
prev=""
for arg; do
  if [ "$prev" = "-o" ]; then out="$arg"; fi
  prev="$arg"
done
dir=$(dirname "$out")
echo "@progress downloaded=50 total=100 speed=2048 eta=3"
echo "media" > "$dir/abc.mp4"
echo "@progress downloaded=100 total=100 speed=2048 eta=0"
echo "$dir/abc.mp4"
`)
	reg, id := runningTask(t)
	dir := t.TempDir()

	local, err := newTestDownloader(t, cfg).Fetch(context.Background(), "https://youtu.be/abc", dir, false,
		reg.Reporter(id).Span(10, 30))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc.mp4"), local)
}

func TestFetch_ExtractorRetries(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempts")
	cfg := testConfig()
	cfg.YtDlpBin = fakeExtractor(t, `echo x >> "`+marker+`"; echo "ERROR: TLS handshake timeout" >&2; exit 1`)
	reg, id := runningTask(t)

	_, err := newTestDownloader(t, cfg).Fetch(context.Background(), "https://www.youtube.com/watch?v=abc", t.TempDir(), true,
		reg.Reporter(id))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS handshake timeout")

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "x"))
}

func TestResolveDirectURL(t *testing.T) {
	cfg := testConfig()
	cfg.YtDlpBin = fakeExtractor(t, `echo "https://cdn.example.com/v/abc.webm?expire=1"; echo "https://cdn.example.com/a/abc.m4a"`)
	reg, id := runningTask(t)

	direct, ext, err := newTestDownloader(t, cfg).ResolveDirectURL(context.Background(), "https://youtu.be/abc", true, reg.Reporter(id))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/v/abc.webm?expire=1", direct)
	assert.Equal(t, "webm", ext)
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: 1500 * time.Millisecond}
	assert.Equal(t, 1500*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 3*time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 1500*time.Millisecond, b.NextBackOff())
}
