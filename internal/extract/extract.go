package extract

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/torbox_watcher/internal/logctx"
	"github.com/italolelis/torbox_watcher/internal/session"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Normalizer extracts a downloaded archive into the destination directory,
// choosing the output layout from the archive's internal structure: a
// single-rooted archive lands as its own top directory, everything else goes
// under a directory named after the archive.
type Normalizer struct {
	reporter *session.Reporter
	registry *session.Registry
}

func NewNormalizer(reporter *session.Reporter, registry *session.Registry) *Normalizer {
	return &Normalizer{reporter: reporter, registry: registry}
}

// SessionKey derives the registry key for an archive extraction.
func SessionKey(archivePath string) string {
	return "extract_" + archivePath
}

// Extract unpacks the archive and deletes it on success. On failure the
// archive is preserved for manual inspection and the error is returned for
// logging only; extraction failure is never fatal to the caller's job.
func (n *Normalizer) Extract(ctx context.Context, archivePath, destDir string) error {
	logger := logctx.LoggerFromContext(ctx).With("archive", archivePath)

	key := SessionKey(archivePath)

	defer n.registry.Remove(key)

	extractDir, totalFiles, totalBytes, err := n.analyze(ctx, archivePath, destDir)
	if err != nil {
		logger.Error("failed to analyze archive", "err", err)

		return err
	}

	logger.Info("extracting archive",
		"extract_dir", extractDir,
		"file_count", totalFiles,
		"total_size", humanize.Bytes(uint64(totalBytes)),
	)

	sess := session.NewExtractionSession(key, filepath.Base(archivePath), totalFiles, totalBytes)
	n.reporter.Watch(ctx, key, "extraction progress", sess)

	defer sess.Stop()

	if err := n.extractAll(archivePath, extractDir, sess); err != nil {
		logger.Error("archive extraction failed, archive preserved", "err", err)

		return err
	}

	logger.Info("extraction complete",
		"extracted_files", sess.ExtractedFiles(),
		"size", humanize.Bytes(uint64(sess.ExtractedBytes())),
		"elapsed", sess.Elapsed().Round(1e9).String(),
		"avg_speed", humanize.Bytes(uint64(sess.AvgSpeed()))+"/s",
	)

	if err := os.Remove(archivePath); err != nil {
		logger.Error("failed to delete extracted archive", "err", err)

		return err
	}

	logger.Info("deleted archive", "path", archivePath)

	return nil
}

// analyze inspects the archive layout and decides the extraction directory.
// An archive with exactly one top-level segment that is a directory extracts
// straight into destDir; everything else (multiple roots, or a lone top-level
// file) gets a subdirectory named after the archive stem.
func (n *Normalizer) analyze(ctx context.Context, archivePath, destDir string) (string, int, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	topLevel := make(map[string]struct{})
	nested := false

	totalFiles := 0

	var totalBytes int64

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, "./")
		root, rest, _ := strings.Cut(name, "/")
		topLevel[root] = struct{}{}

		if rest != "" {
			nested = true
		}

		if !f.FileInfo().IsDir() {
			totalFiles++
			totalBytes += int64(f.UncompressedSize64)
		}
	}

	if len(topLevel) == 1 && nested {
		logger.Debug("archive has a single top-level directory, extracting in place")

		return destDir, totalFiles, totalBytes, nil
	}

	stem := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	extractDir := filepath.Join(destDir, stem)

	if err := os.MkdirAll(extractDir, dirPerm); err != nil {
		return "", 0, 0, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	return extractDir, totalFiles, totalBytes, nil
}

func (n *Normalizer) extractAll(archivePath, extractDir string, sess *session.ExtractionSession) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}

		if err := n.extractEntry(f, extractDir); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}

		sess.Add(int64(f.UncompressedSize64))
	}

	return nil
}

func (n *Normalizer) extractEntry(f *zip.File, extractDir string) error {
	target, err := sanitizePath(extractDir, f.Name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("failed to create entry directory: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}

	return nil
}

// sanitizePath rejects entries that would escape the extraction directory.
func sanitizePath(extractDir, name string) (string, error) {
	target := filepath.Join(extractDir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(extractDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry path escapes extraction directory: %s", name)
	}

	return target, nil
}
