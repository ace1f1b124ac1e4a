package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/italolelis/torbox_watcher/internal/extract"
	"github.com/italolelis/torbox_watcher/internal/session"
	"github.com/italolelis/torbox_watcher/internal/torbox"
	"github.com/italolelis/torbox_watcher/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchHarness struct {
	fetcher  *Fetcher
	jobs     *tracker.Tracker
	registry *session.Registry
}

func newFetchHarness(t *testing.T) *fetchHarness {
	t.Helper()

	jobs := tracker.New()
	registry := session.NewRegistry()
	reporter := session.NewReporter(time.Hour, registry)
	normalizer := extract.NewNormalizer(reporter, registry)

	f := NewFetcher(nil, jobs, registry, reporter, normalizer, nil)
	f.sleep = func(time.Duration) {}

	t.Cleanup(f.Close)

	return &fetchHarness{fetcher: f, jobs: jobs, registry: registry}
}

func testJob(t *testing.T, h *fetchHarness, downloadDir string) tracker.Job {
	t.Helper()

	job := tracker.Job{
		Identifier:  "42",
		Kind:        torbox.KindTorrent,
		Name:        "my-release",
		DownloadDir: downloadDir,
	}
	require.True(t, h.jobs.Track(job))

	return job
}

func TestFetch_DownloadsWithContentDispositionName(t *testing.T) {
	content := []byte("the file content")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="My.Release.mkv"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))

		if r.Method == http.MethodHead {
			return
		}

		w.Write(content)
	}))
	defer ts.Close()

	h := newFetchHarness(t)
	destDir := t.TempDir()
	job := testJob(t, h, destDir)

	h.fetcher.Fetch(context.Background(), job, ts.URL)

	got, err := os.ReadFile(filepath.Join(destDir, "My.Release.mkv"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	select {
	case event := <-h.fetcher.OnDownloadFinished:
		assert.Equal(t, "42", event.Identifier)
		assert.Equal(t, filepath.Join(destDir, "My.Release.mkv"), event.Path)
	default:
		t.Fatal("expected a finished event")
	}

	_, tracked := h.jobs.Lookup("42")
	assert.False(t, tracked, "job must leave the tracker after the transfer")
	assert.False(t, h.registry.Has("42"), "session must leave the registry")
}

func TestFetch_ResumesPartialFile(t *testing.T) {
	content := []byte("0123456789abcdef")

	var sawRange string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Header().Set("Content-Disposition", `attachment; filename="data.bin"`)

			return
		}

		sawRange = r.Header.Get("Range")

		var offset int

		if sawRange != "" {
			fmt.Sscanf(sawRange, "bytes=%d-", &offset)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
			w.WriteHeader(http.StatusPartialContent)
		}

		w.Write(content[offset:])
	}))
	defer ts.Close()

	h := newFetchHarness(t)
	destDir := t.TempDir()
	job := testJob(t, h, destDir)

	// half the file is already on disk from an interrupted run
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "data.bin"), content[:8], 0o644))

	h.fetcher.Fetch(context.Background(), job, ts.URL)

	assert.Equal(t, "bytes=8-", sawRange)

	got, err := os.ReadFile(filepath.Join(destDir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got, "resumed file must be byte-identical")
}

func TestFetch_RestartsWhenServerIgnoresRange(t *testing.T) {
	content := []byte("full content, no ranges here")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="data.bin"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))

		if r.Method == http.MethodHead {
			return
		}

		// always 200 with the whole body, Range or not
		w.Write(content)
	}))
	defer ts.Close()

	h := newFetchHarness(t)
	destDir := t.TempDir()
	job := testJob(t, h, destDir)

	require.NoError(t, os.WriteFile(filepath.Join(destDir, "data.bin"), []byte("stale partial bytes"), 0o644))

	h.fetcher.Fetch(context.Background(), job, ts.URL)

	got, err := os.ReadFile(filepath.Join(destDir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got, "a 200 on resume must replace the partial file")
}

func TestFetch_RetriesTruncatedStream(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuv")

	var gets int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Header().Set("Content-Disposition", `attachment; filename="data.bin"`)

			return
		}

		gets++

		if gets == 1 {
			// declare the full length but cut the stream halfway
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Write(content[:16])

			return
		}

		var offset int

		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-", &offset)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[offset:])
	}))
	defer ts.Close()

	h := newFetchHarness(t)
	destDir := t.TempDir()
	job := testJob(t, h, destDir)

	h.fetcher.Fetch(context.Background(), job, ts.URL)

	assert.Equal(t, 2, gets, "the truncated first attempt must be resumed, not restarted")

	got, err := os.ReadFile(filepath.Join(destDir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetch_TerminalStatusReportsError(t *testing.T) {
	var gets int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}

		gets++
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	h := newFetchHarness(t)
	job := testJob(t, h, t.TempDir())

	h.fetcher.Fetch(context.Background(), job, ts.URL)

	assert.Equal(t, 1, gets, "a 404 must not be retried")

	select {
	case event := <-h.fetcher.OnDownloadError:
		require.Error(t, event.Err)
		assert.Contains(t, event.Err.Error(), "404")
	default:
		t.Fatal("expected an error event")
	}

	_, tracked := h.jobs.Lookup("42")
	assert.False(t, tracked, "a failed job must still leave the tracker")
}

func TestFetch_ExtractsZipArchives(t *testing.T) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	f, err := zw.Create("Release/inner.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("zipped"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	archive := buf.Bytes()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="release.zip"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(archive)))

		if r.Method == http.MethodHead {
			return
		}

		w.Write(archive)
	}))
	defer ts.Close()

	h := newFetchHarness(t)
	destDir := t.TempDir()
	job := testJob(t, h, destDir)

	h.fetcher.Fetch(context.Background(), job, ts.URL)

	got, err := os.ReadFile(filepath.Join(destDir, "Release", "inner.txt"))
	require.NoError(t, err)
	assert.Equal(t, "zipped", string(got))

	_, statErr := os.Stat(filepath.Join(destDir, "release.zip"))
	assert.True(t, os.IsNotExist(statErr), "archive must be removed after extraction")

	select {
	case <-h.fetcher.OnDownloadFinished:
	default:
		t.Fatal("expected a finished event")
	}
}

func TestProbe_FilenameFallbacks(t *testing.T) {
	tests := []struct {
		name        string
		headers     map[string]string
		urlPath     string
		displayName string
		want        string
	}{
		{
			name:        "content disposition wins",
			headers:     map[string]string{"Content-Disposition": `attachment; filename="from-header.mkv"`},
			urlPath:     "/file.zip",
			displayName: "display",
			want:        "from-header.mkv",
		},
		{
			name:        "url extension appended",
			urlPath:     "/path/file.rar",
			displayName: "display",
			want:        "display.rar",
		},
		{
			name:        "url extension not duplicated",
			urlPath:     "/path/file.rar",
			displayName: "display.rar",
			want:        "display.rar",
		},
		{
			name:        "zip content type",
			headers:     map[string]string{"Content-Type": "application/zip"},
			urlPath:     "/download",
			displayName: "display",
			want:        "display.zip",
		},
		{
			name:        "no hints keeps display name",
			urlPath:     "/download",
			displayName: "display",
			want:        "display",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
			}))
			defer ts.Close()

			h := newFetchHarness(t)

			_, filename, err := h.fetcher.probe(context.Background(), ts.URL+tt.urlPath, tt.displayName)
			require.NoError(t, err)
			assert.Equal(t, tt.want, filename)
		})
	}
}

func TestURLExtension(t *testing.T) {
	assert.Equal(t, ".zip", urlExtension("https://cdn.example.com/a/b/file.zip?token=x"))
	assert.Equal(t, "", urlExtension("https://cdn.example.com/a/b/file"))
	assert.Equal(t, "", urlExtension("https://cdn.example.com/file.toolong"))
}

func TestFetch_LeavesRegistryCleanOnZipPath(t *testing.T) {
	// the extraction session key differs from the transfer key; both must be
	// gone once Fetch returns
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	f, err := zw.Create("a.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	archive := buf.Bytes()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="a.zip"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(archive)))

		if r.Method == http.MethodHead {
			return
		}

		w.Write(archive)
	}))
	defer ts.Close()

	h := newFetchHarness(t)
	job := testJob(t, h, t.TempDir())

	h.fetcher.Fetch(context.Background(), job, ts.URL)

	assert.Equal(t, 0, h.registry.Len())
}

func TestNewHTTPClient_NoOverallTimeout(t *testing.T) {
	client := NewHTTPClient()
	assert.Zero(t, client.Timeout, "streaming downloads must not carry a total deadline")

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, transport.ResponseHeaderTimeout)
}
