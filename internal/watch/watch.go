package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/torbox_watcher/internal/config"
	"github.com/italolelis/torbox_watcher/internal/fetch"
	"github.com/italolelis/torbox_watcher/internal/logctx"
	"github.com/italolelis/torbox_watcher/internal/session"
	"github.com/italolelis/torbox_watcher/internal/telemetry"
	"github.com/italolelis/torbox_watcher/internal/torbox"
	"github.com/italolelis/torbox_watcher/internal/tracker"
	"golang.org/x/sync/errgroup"
)

const dirPerm = 0o755

// Client is the slice of the TorBox API the watcher drives.
type Client interface {
	SubmitTorrentFile(ctx context.Context, filePath string, opts torbox.SubmitOptions) (*torbox.SubmitResult, error)
	SubmitMagnet(ctx context.Context, magnet string, opts torbox.SubmitOptions) (*torbox.SubmitResult, error)
	SubmitNZB(ctx context.Context, filePath string, opts torbox.SubmitOptions) (*torbox.SubmitResult, error)
	ListByID(ctx context.Context, kind torbox.Kind, id string) ([]torbox.Item, error)
	RequestDownloadURL(ctx context.Context, kind torbox.Kind, serviceID string) (string, error)
}

// Options configures the watcher's policy knobs.
type Options struct {
	Mappings               []config.DirMapping
	DefaultDownloadDir     string
	MaxStatusCheckFailures int
	MaxParallelSubmits     int
	SeedPreference         int
	PostProcessing         int
	AllowZip               bool
	QueueImmediately       bool
}

// Watcher drives a job from watch-dir discovery through remote submission,
// polling, and hand-off to the transfer engine.
type Watcher struct {
	api      Client
	jobs     *tracker.Tracker
	registry *session.Registry
	fetcher  *fetch.Fetcher
	tel      *telemetry.Telemetry
	opts     Options
}

func NewWatcher(
	api Client,
	jobs *tracker.Tracker,
	registry *session.Registry,
	fetcher *fetch.Fetcher,
	tel *telemetry.Telemetry,
	opts Options,
) *Watcher {
	if opts.MaxParallelSubmits <= 0 {
		opts.MaxParallelSubmits = 1
	}

	return &Watcher{
		api:      api,
		jobs:     jobs,
		registry: registry,
		fetcher:  fetcher,
		tel:      tel,
		opts:     opts,
	}
}

// EnsureDirs creates the configured watch and download directories.
func (w *Watcher) EnsureDirs() error {
	for _, m := range w.opts.Mappings {
		if err := os.MkdirAll(m.WatchDir, dirPerm); err != nil {
			return fmt.Errorf("failed to create watch dir: %w", err)
		}

		if err := os.MkdirAll(m.DownloadDir, dirPerm); err != nil {
			return fmt.Errorf("failed to create download dir: %w", err)
		}
	}

	return nil
}

// Cycle runs one watch iteration: scan for new submission files, then poll
// the status of everything tracked.
func (w *Watcher) Cycle(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if err := w.ScanWatchDirs(ctx); err != nil {
		logger.Error("watch directory scan failed", "err", err)
	}

	w.CheckStatuses(ctx)
}

// ScanWatchDirs walks the configured watch directories and submits every
// .torrent, .magnet and .nzb file it finds. Successfully tracked submissions
// have their source file deleted.
func (w *Watcher) ScanWatchDirs(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	for _, mapping := range w.opts.Mappings {
		entries, err := os.ReadDir(mapping.WatchDir)
		if err != nil {
			return fmt.Errorf("failed to read watch dir %s: %w", mapping.WatchDir, err)
		}

		wg, scanCtx := errgroup.WithContext(ctx)
		sem := make(chan struct{}, w.opts.MaxParallelSubmits)

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}

			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext != ".torrent" && ext != ".magnet" && ext != ".nzb" {
				continue
			}

			filePath := filepath.Join(mapping.WatchDir, entry.Name())
			downloadDir := mapping.DownloadDir
			sem <- struct{}{}

			wg.Go(func() error {
				defer func() { <-sem }()

				tracked, err := w.submitFile(scanCtx, filePath, downloadDir)
				if err != nil {
					logger.Error("failed to submit file", "file", filePath, "err", err)

					return nil // one bad file must not abort the scan
				}

				if tracked {
					if err := os.Remove(filePath); err != nil {
						logger.Error("failed to delete submitted file", "file", filePath, "err", err)
					} else {
						logger.Info("deleted submitted file", "file", filePath)
					}
				}

				return nil
			})
		}

		if err := wg.Wait(); err != nil {
			return err
		}
	}

	return nil
}

// submitFile pushes one watch-dir file to TorBox and tracks the job. The
// bool return reports whether tracking was initiated; a duplicate identifier
// leaves the source file in place.
func (w *Watcher) submitFile(ctx context.Context, filePath, downloadDir string) (bool, error) {
	logger := logctx.LoggerFromContext(ctx).With("file", filePath)

	name := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	opts := torbox.SubmitOptions{
		Name:             name,
		SeedPreference:   w.opts.SeedPreference,
		PostProcessing:   w.opts.PostProcessing,
		AllowZip:         w.opts.AllowZip,
		QueueImmediately: w.opts.QueueImmediately,
	}

	var (
		result *torbox.SubmitResult
		err    error
	)

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".torrent":
		if err := validateTorrent(filePath); err != nil {
			return false, err
		}

		result, err = w.api.SubmitTorrentFile(ctx, filePath, opts)
	case ".magnet":
		var magnet string

		magnet, err = readMagnet(filePath)
		if err == nil {
			result, err = w.api.SubmitMagnet(ctx, magnet, opts)
		}
	case ".nzb":
		result, err = w.api.SubmitNZB(ctx, filePath, opts)
	default:
		return false, fmt.Errorf("unsupported submission file: %s", filePath)
	}

	kind := torbox.KindTorrent
	if strings.EqualFold(filepath.Ext(filePath), ".nzb") {
		kind = torbox.KindUsenet
	}

	if err != nil {
		w.tel.RecordSubmission(ctx, string(kind), "failure")

		return false, fmt.Errorf("submission failed: %w", err)
	}

	identifier := result.Identifier()
	logger.Info("submitted to TorBox", "identifier", identifier, "kind", kind)

	tracked := w.jobs.Track(tracker.Job{
		Identifier:  identifier,
		Kind:        kind,
		Name:        name,
		OriginFile:  filePath,
		ServiceID:   result.ServiceID,
		Hash:        result.Hash,
		DownloadDir: downloadDir,
	})
	if !tracked {
		logger.Warn("identifier already tracked, skipping duplicate", "identifier", identifier)

		return false, nil
	}

	w.tel.RecordSubmission(ctx, string(kind), "success")
	w.tel.JobTracked(ctx, 1)

	return true, nil
}

// TrackRemote implements the dashboard trigger contract: track a job that
// already exists server-side, without a local submission file.
func (w *Watcher) TrackRemote(ctx context.Context, kind torbox.Kind, serviceID, hash, name, downloadDir string) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	identifier := serviceID
	if identifier == "" {
		identifier = hash
	}

	if identifier == "" {
		return false, fmt.Errorf("cannot track %q: missing both id and hash", name)
	}

	if downloadDir == "" {
		downloadDir = w.opts.DefaultDownloadDir
	}

	logger.Info("tracking remote item",
		"identifier", identifier,
		"kind", kind,
		"name", name,
		"download_dir", downloadDir,
	)

	tracked := w.jobs.Track(tracker.Job{
		Identifier:  identifier,
		Kind:        kind,
		Name:        name,
		ServiceID:   serviceID,
		Hash:        hash,
		DownloadDir: downloadDir,
	})
	if tracked {
		w.tel.JobTracked(ctx, 1)
	}

	return tracked, nil
}

// CheckStatuses polls the remote status of every tracked job. Jobs with an
// active session are skipped for the cycle: a transfer in progress is
// authoritative over a stale poll.
func (w *Watcher) CheckStatuses(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	jobs := w.jobs.Snapshot()
	if len(jobs) == 0 {
		return
	}

	logger.Info("checking tracked downloads", "tracked", len(jobs))

	for _, job := range jobs {
		if w.registry.Has(job.Identifier) {
			logger.Debug("skipping status check, download already active", "identifier", job.Identifier)

			continue
		}

		w.checkJob(ctx, job)
	}
}

func (w *Watcher) checkJob(ctx context.Context, job tracker.Job) {
	logger := logctx.LoggerFromContext(ctx).With("identifier", job.Identifier, "kind", job.Kind)

	queryID := job.ServiceID
	if queryID == "" {
		queryID = job.Identifier
	}

	items, err := w.api.ListByID(ctx, job.Kind, queryID)
	w.tel.RecordClientOperation(ctx, "mylist", err)

	if err != nil {
		logger.Error("status check failed", "err", err)
		w.recordCheckFailure(ctx, job)

		return
	}

	item, ok := matchItem(items, job)
	if !ok {
		logger.Warn("tracked job not present in status response", "query_id", queryID)
		w.recordCheckFailure(ctx, job)

		return
	}

	w.jobs.ResetFailure(job.Identifier)

	logger.Info("remote status",
		"name", job.Name,
		"state", strings.ToUpper(item.DownloadState),
		"progress", fmt.Sprintf("%.1f%%", item.Progress*100),
		"size", humanize.Bytes(uint64(item.Size)),
	)

	if item.Name != "" && (item.Name != job.Name || item.MultiFile() != job.MultiFile) {
		w.jobs.UpdateName(job.Identifier, item.Name, item.MultiFile())
		job.Name = item.Name
		job.MultiFile = item.MultiFile()
	}

	if item.DownloadPresent {
		w.startDownload(ctx, job)
	}
}

// recordCheckFailure applies the consecutive-failure policy: after the
// configured number of failed checks the job is dropped from tracking.
func (w *Watcher) recordCheckFailure(ctx context.Context, job tracker.Job) {
	logger := logctx.LoggerFromContext(ctx)

	count, ok := w.jobs.IncrementFailure(job.Identifier)
	if !ok {
		return
	}

	if count >= w.opts.MaxStatusCheckFailures {
		logger.Warn("giving up on job after repeated status failures",
			"identifier", job.Identifier,
			"failures", count,
		)
		w.jobs.Remove(job.Identifier)
		w.tel.JobTracked(ctx, -1)
	}
}

// startDownload requests the direct URL and hands the job to the transfer
// engine on its own goroutine, so an in-progress transfer never blocks the
// next poll cycle.
func (w *Watcher) startDownload(ctx context.Context, job tracker.Job) {
	logger := logctx.LoggerFromContext(ctx).With("identifier", job.Identifier)

	requestID := job.ServiceID
	if requestID == "" {
		requestID = job.Identifier
	}

	downloadURL, err := w.api.RequestDownloadURL(ctx, job.Kind, requestID)
	w.tel.RecordClientOperation(ctx, "requestdl", err)

	if err != nil {
		logger.Error("failed to request download url", "err", err)
		w.jobs.Remove(job.Identifier)
		w.tel.JobTracked(ctx, -1)

		return
	}

	logger.Info("download ready", "name", job.Name)

	go w.fetcher.Fetch(ctx, job, downloadURL)
}

// matchItem finds the status entry belonging to the job: by service id
// first, then by hash, then by hash-as-identifier for jobs tracked without a
// service id.
func matchItem(items []torbox.Item, job tracker.Job) (torbox.Item, bool) {
	for _, item := range items {
		switch {
		case job.ServiceID != "" && item.ServiceID() == job.ServiceID:
			return item, true
		case job.Hash != "" && item.Hash == job.Hash:
			return item, true
		case job.ServiceID == "" && item.Hash == job.Identifier:
			return item, true
		}
	}

	return torbox.Item{}, false
}
