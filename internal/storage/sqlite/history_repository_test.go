package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/torbox_watcher/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRepository_RoundTrip(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	repo := NewHistoryRepository(db)

	first := storage.DownloadRecord{
		Identifier: "42",
		Kind:       "torrent",
		Name:       "older",
		Dir:        "/downloads",
		Status:     "downloaded",
		FinishedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	second := storage.DownloadRecord{
		Identifier: "9",
		Kind:       "usenet",
		Name:       "newer",
		Dir:        "/downloads",
		Status:     "failed",
		FinishedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, repo.RecordDownload(first))
	require.NoError(t, repo.RecordDownload(second))

	records, err := repo.GetHistory(10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "newer", records[0].Name, "newest first")
	assert.Equal(t, "failed", records[0].Status)
	assert.Equal(t, "older", records[1].Name)
	assert.Equal(t, first.FinishedAt, records[1].FinishedAt)
}

func TestHistoryRepository_Limit(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	repo := NewHistoryRepository(db)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordDownload(storage.DownloadRecord{
			Identifier: "x",
			Status:     "downloaded",
			FinishedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := repo.GetHistory(3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
