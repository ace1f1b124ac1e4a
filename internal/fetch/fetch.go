package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/torbox_watcher/internal/extract"
	"github.com/italolelis/torbox_watcher/internal/logctx"
	"github.com/italolelis/torbox_watcher/internal/session"
	"github.com/italolelis/torbox_watcher/internal/telemetry"
	"github.com/italolelis/torbox_watcher/internal/torbox"
	"github.com/italolelis/torbox_watcher/internal/tracker"
)

const (
	maxAttempts  = 10
	chunkSize    = 8 * 1024 * 1024
	backoffStep  = 5 * time.Second
	maxBackoff   = 30 * time.Second
	maxExtension = 5 // longest filename extension worth trusting from a URL

	dirPerm = 0o755
)

// Event reports a terminal transfer outcome on the fetcher's channels.
type Event struct {
	Identifier  string
	Kind        torbox.Kind
	Name        string
	Path        string
	DownloadDir string
	Err         error
}

// Fetcher is the transfer engine: it streams one artifact to disk with
// resume support, drives the progress session for it, and hands archives to
// the normalizer. The job is removed from the tracker whatever the outcome;
// recovery from a terminal failure is manual resubmission, not an automatic
// retry of the whole job.
type Fetcher struct {
	httpClient *http.Client
	tracker    *tracker.Tracker
	registry   *session.Registry
	reporter   *session.Reporter
	normalizer *extract.Normalizer
	tel        *telemetry.Telemetry
	sleep      func(time.Duration)

	OnDownloadFinished chan *Event
	OnDownloadError    chan *Event
}

func NewFetcher(
	httpClient *http.Client,
	jobs *tracker.Tracker,
	registry *session.Registry,
	reporter *session.Reporter,
	normalizer *extract.Normalizer,
	tel *telemetry.Telemetry,
) *Fetcher {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	return &Fetcher{
		httpClient: httpClient,
		tracker:    jobs,
		registry:   registry,
		reporter:   reporter,
		normalizer: normalizer,
		tel:        tel,
		sleep:      time.Sleep,

		OnDownloadFinished: make(chan *Event, 16),
		OnDownloadError:    make(chan *Event, 16),
	}
}

func (f *Fetcher) Close() {
	close(f.OnDownloadFinished)
	close(f.OnDownloadError)
}

// NewHTTPClient builds a client suited for long streaming downloads: bounded
// connect and header waits, no overall deadline on the body.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// Fetch downloads the artifact behind downloadURL into the job's destination
// directory, resuming a partial prior attempt when one is on disk.
func (f *Fetcher) Fetch(ctx context.Context, job tracker.Job, downloadURL string) {
	logger := logctx.LoggerFromContext(ctx).With("identifier", job.Identifier, "name", job.Name)

	start := time.Now()

	var sess *session.TransferSession

	// Final cleanup runs regardless of outcome: the session is stopped, the
	// registry entry dropped, and the job untracked. All idempotent.
	defer func() {
		if sess != nil {
			sess.Stop()
		}

		f.registry.Remove(job.Identifier)
		f.tracker.Remove(job.Identifier)
		f.tel.JobTracked(ctx, -1)
		f.tel.DownloadEnded(ctx, string(job.Kind))
	}()

	f.tel.DownloadStarted(ctx, string(job.Kind))

	// The session goes into the registry before the probe so the poll loop
	// sees this job as active from the first moment of the transfer.
	sess = session.NewTransferSession(job.Identifier, job.Name, 0, 0)
	f.reporter.Watch(ctx, job.Identifier, "download progress", sess)

	totalSize, filename, err := f.probe(ctx, downloadURL, job.Name)
	if err != nil {
		logger.Error("download probe failed", "err", err)
		f.fail(ctx, job, "", err)

		return
	}

	destPath := filepath.Join(job.DownloadDir, filename)

	if err := os.MkdirAll(job.DownloadDir, dirPerm); err != nil {
		logger.Error("failed to create download directory", "err", err)
		f.fail(ctx, job, destPath, err)

		return
	}

	offset := resumeOffset(destPath)
	if offset > 0 {
		logger.Info("resuming download", "resume_from", humanize.Bytes(uint64(offset)))
	}

	sess.SetResolved(filename, totalSize)
	sess.SetDownloaded(offset)

	logger.Info("starting download",
		"target", destPath,
		"total_size", humanize.Bytes(uint64(totalSize)),
	)

	if err := f.stream(ctx, downloadURL, destPath, sess, offset); err != nil {
		logger.Error("download failed", "err", err)
		f.fail(ctx, job, destPath, err)

		return
	}

	sess.MarkComplete()
	f.tel.RecordDownload(ctx, string(job.Kind), "success", time.Since(start))

	logger.Info("download finished",
		"target", destPath,
		"size", humanize.Bytes(uint64(sess.Downloaded())),
		"elapsed", time.Since(start).Round(time.Second).String(),
	)

	if strings.EqualFold(filepath.Ext(destPath), ".zip") {
		sess.Stop()

		if err := f.normalizer.Extract(ctx, destPath, job.DownloadDir); err != nil {
			// Extraction is best-effort after a successful transfer: the
			// archive stays on disk and the job still counts as done.
			f.tel.RecordExtraction(ctx, "failure")
		} else {
			f.tel.RecordExtraction(ctx, "success")
		}
	}

	f.OnDownloadFinished <- &Event{
		Identifier:  job.Identifier,
		Kind:        job.Kind,
		Name:        job.Name,
		Path:        destPath,
		DownloadDir: job.DownloadDir,
	}
}

func (f *Fetcher) fail(ctx context.Context, job tracker.Job, destPath string, err error) {
	f.tel.RecordDownload(ctx, string(job.Kind), "failure", 0)

	f.OnDownloadError <- &Event{
		Identifier:  job.Identifier,
		Kind:        job.Kind,
		Name:        job.Name,
		Path:        destPath,
		DownloadDir: job.DownloadDir,
		Err:         err,
	}
}

// probe resolves the total size and the destination filename from a HEAD
// request, falling back to the URL path extension and then the display name.
func (f *Fetcher) probe(ctx context.Context, downloadURL, displayName string) (int64, string, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, downloadURL, nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	totalSize := resp.ContentLength
	if totalSize < 0 {
		totalSize = 0
	}

	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		if name := params["filename"]; name != "" {
			return totalSize, name, nil
		}
	}

	contentType := resp.Header.Get("Content-Type")

	if ext := urlExtension(downloadURL); ext != "" {
		if strings.HasSuffix(displayName, ext) {
			return totalSize, displayName, nil
		}

		return totalSize, displayName + ext, nil
	}

	if strings.Contains(contentType, "zip") {
		return totalSize, displayName + ".zip", nil
	}

	if filepath.Ext(displayName) == "" {
		logger.Warn("could not determine file extension, saving without one",
			"name", displayName,
			"content_type", contentType,
		)
	}

	return totalSize, displayName, nil
}

// urlExtension pulls a plausible extension from the URL path, ignoring the
// query string.
func urlExtension(downloadURL string) string {
	u, err := url.Parse(downloadURL)
	if err != nil {
		return ""
	}

	ext := filepath.Ext(u.Path)
	if ext == "" || len(ext) > maxExtension {
		return ""
	}

	return ext
}

// stream runs the bounded retry loop around the ranged GET. Transient
// network errors re-read the on-disk size as the new resume offset and back
// off linearly, capped at 30s.
func (f *Fetcher) stream(ctx context.Context, downloadURL, destPath string, sess *session.TransferSession, offset int64) error {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := min(maxBackoff, backoffStep*time.Duration(attempt-1))
			logger.Warn("transient download error, retrying",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"wait", wait.String(),
				"err", lastErr,
			)
			f.sleep(wait)

			offset = resumeOffset(destPath)
			sess.SetDownloaded(offset)
		}

		final, err := f.attempt(ctx, downloadURL, destPath, sess, offset)
		if err == nil {
			return nil
		}

		if final {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("download failed after %d attempts: %w", maxAttempts, lastErr)
}

// attempt performs one ranged GET. The bool return marks errors that must
// not be retried.
func (f *Fetcher) attempt(ctx context.Context, downloadURL, destPath string, sess *session.TransferSession, offset int64) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return true, fmt.Errorf("failed to build download request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return true, fmt.Errorf("unexpected download status %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND

	if offset > 0 && resp.StatusCode == http.StatusOK {
		// No range support server-side: discard the partial file and start over.
		logger.Warn("server does not support resume, restarting from zero")
		sess.SetDownloaded(0)

		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	} else if offset == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	out, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return true, fmt.Errorf("failed to open destination file: %w", err)
	}
	defer out.Close()

	if writeFailed, err := f.copyChunks(ctx, out, resp.Body, sess); err != nil {
		// A failed disk write is terminal; a truncated or reset stream is
		// transient and resumable.
		if writeFailed {
			return true, fmt.Errorf("failed to write chunk: %w", err)
		}

		return false, fmt.Errorf("stream interrupted: %w", err)
	}

	return false, nil
}

// copyChunks streams the body to disk in large chunks, updating the session
// per chunk so the reporter sees live byte counts. The bool return is true
// when the failure came from the write side.
func (f *Fetcher) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, sess *session.TransferSession) (bool, error) {
	buf := make([]byte, chunkSize)

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return true, werr
			}

			sess.Add(int64(n))
			f.tel.AddDownloadedBytes(ctx, int64(n))
		}

		if err == io.EOF {
			return false, nil
		}

		if err != nil {
			return false, err
		}
	}
}

func resumeOffset(destPath string) int64 {
	info, err := os.Stat(destPath)
	if err != nil {
		return 0
	}

	return info.Size()
}
