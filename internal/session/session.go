package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Session is the common surface of an in-flight transfer or extraction: the
// reporter polls the stop flag and renders progress until the work is done.
type Session interface {
	Stopped() bool
	ProgressArgs() []any
}

// TransferSession tracks one HTTP download in flight. Byte counters are
// atomics because the transfer goroutine updates them per chunk while the
// reporter reads them concurrently.
type TransferSession struct {
	identifier string

	downloaded atomic.Int64
	stopped    atomic.Bool
	complete   atomic.Bool

	mu         sync.Mutex
	filename   string
	total      int64
	start      time.Time
	lastSample time.Time
	lastBytes  int64
}

// NewTransferSession creates a session seeded with the resume offset.
func NewTransferSession(identifier, filename string, total, offset int64) *TransferSession {
	now := time.Now()
	s := &TransferSession{
		identifier: identifier,
		filename:   filename,
		total:      total,
		start:      now,
		lastSample: now,
		lastBytes:  offset,
	}
	s.downloaded.Store(offset)

	return s
}

func (s *TransferSession) Identifier() string { return s.identifier }

// SetResolved updates the filename and total size once the metadata probe
// answers. Called before any chunk is written.
func (s *TransferSession) SetResolved(filename string, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.filename = filename
	s.total = total
}

func (s *TransferSession) Filename() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filename
}

func (s *TransferSession) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.total
}

// Add records a received chunk.
func (s *TransferSession) Add(n int64) { s.downloaded.Add(n) }

// SetDownloaded resets the transferred counter, used when a resume offset is
// re-read from disk or discarded after a failed range request. The rate
// sample is re-seeded so resumed bytes don't count as fresh throughput.
func (s *TransferSession) SetDownloaded(n int64) {
	s.downloaded.Store(n)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastBytes = n
	s.lastSample = time.Now()
}

func (s *TransferSession) Downloaded() int64 { return s.downloaded.Load() }

func (s *TransferSession) Stop()         { s.stopped.Store(true) }
func (s *TransferSession) Stopped() bool { return s.stopped.Load() }

func (s *TransferSession) MarkComplete() { s.complete.Store(true) }
func (s *TransferSession) Complete() bool {
	return s.complete.Load()
}

func (s *TransferSession) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return time.Since(s.start)
}

// Speed samples bytes per second since the previous sample. It is a per-tick
// rate, not a cumulative average.
func (s *TransferSession) Speed() float64 {
	downloaded := s.downloaded.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastSample).Seconds()
	if elapsed <= 0 {
		return 0
	}

	speed := float64(downloaded-s.lastBytes) / elapsed
	s.lastSample = now
	s.lastBytes = downloaded

	return speed
}

// Progress returns the completion percentage. ok is false when the total
// size is unknown.
func (s *TransferSession) Progress() (float64, bool) {
	total := s.Total()
	if total <= 0 {
		return 0, false
	}

	return float64(s.downloaded.Load()) / float64(total) * 100, true
}

// ProgressArgs renders the session state as slog key-value pairs.
func (s *TransferSession) ProgressArgs() []any {
	speed := s.Speed()
	downloaded := s.downloaded.Load()
	total := s.Total()

	args := []any{
		"file", s.Filename(),
		"elapsed", formatClock(s.Elapsed()),
		"downloaded", humanize.Bytes(uint64(downloaded)),
		"speed", humanize.Bytes(uint64(speed)) + "/s",
	}

	if pct, ok := s.Progress(); ok {
		args = append(args,
			"progress", fmt.Sprintf("%.1f%%", pct),
			"total", humanize.Bytes(uint64(total)),
		)

		if speed > 0 {
			eta := time.Duration(float64(total-downloaded) / speed * float64(time.Second))
			args = append(args, "eta", formatClock(eta))
		}
	}

	return args
}

// ExtractionSession tracks one archive extraction in flight.
type ExtractionSession struct {
	key        string
	archive    string
	totalFiles int
	totalBytes int64
	start      time.Time

	files   atomic.Int64
	bytes   atomic.Int64
	stopped atomic.Bool
}

// NewExtractionSession creates a session for one archive. Totals may be zero
// when the archive couldn't be fully analyzed.
func NewExtractionSession(key, archive string, totalFiles int, totalBytes int64) *ExtractionSession {
	return &ExtractionSession{
		key:        key,
		archive:    archive,
		totalFiles: totalFiles,
		totalBytes: totalBytes,
		start:      time.Now(),
	}
}

func (s *ExtractionSession) Key() string     { return s.key }
func (s *ExtractionSession) Archive() string { return s.archive }

// Add records one extracted entry of the given uncompressed size.
func (s *ExtractionSession) Add(fileSize int64) {
	s.files.Add(1)
	s.bytes.Add(fileSize)
}

func (s *ExtractionSession) ExtractedFiles() int64 { return s.files.Load() }
func (s *ExtractionSession) ExtractedBytes() int64 { return s.bytes.Load() }

func (s *ExtractionSession) Stop()         { s.stopped.Store(true) }
func (s *ExtractionSession) Stopped() bool { return s.stopped.Load() }

func (s *ExtractionSession) Elapsed() time.Duration { return time.Since(s.start) }

// AvgSpeed is the cumulative extraction rate in bytes per second.
func (s *ExtractionSession) AvgSpeed() float64 {
	elapsed := s.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}

	return float64(s.bytes.Load()) / elapsed
}

// Progress returns the completion percentage, preferring file counts over
// byte totals. ok is false when neither total is known.
func (s *ExtractionSession) Progress() (float64, bool) {
	if s.totalFiles > 0 {
		return float64(s.files.Load()) / float64(s.totalFiles) * 100, true
	}

	if s.totalBytes > 0 {
		return float64(s.bytes.Load()) / float64(s.totalBytes) * 100, true
	}

	return 0, false
}

// ProgressArgs renders the session state as slog key-value pairs.
func (s *ExtractionSession) ProgressArgs() []any {
	args := []any{
		"archive", s.archive,
		"elapsed", formatClock(s.Elapsed()),
		"extracted_files", s.files.Load(),
		"extracted", humanize.Bytes(uint64(s.bytes.Load())),
	}

	if s.totalFiles > 0 {
		args = append(args, "total_files", s.totalFiles)
	}

	if pct, ok := s.Progress(); ok {
		args = append(args, "progress", fmt.Sprintf("%.1f%%", pct))
	}

	return args
}

// formatClock renders a duration as MM:SS.
func formatClock(d time.Duration) string {
	secs := int(d.Seconds())

	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
