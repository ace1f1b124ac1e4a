package sqlite

import (
	"database/sql"
	"time"

	"github.com/italolelis/torbox_watcher/internal/storage"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

func (r *HistoryRepository) RecordDownload(record storage.DownloadRecord) error {
	finishedAt := record.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO download_history (identifier, kind, name, dir, status, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.Identifier, record.Kind, record.Name, record.Dir, record.Status, finishedAt.Format(time.RFC3339))

	return err
}

func (r *HistoryRepository) GetHistory(limit int) ([]storage.DownloadRecord, error) {
	rows, err := r.db.Query(`
		SELECT identifier, kind, name, dir, status, finished_at
		FROM download_history
		ORDER BY finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.DownloadRecord

	for rows.Next() {
		var (
			record     storage.DownloadRecord
			finishedAt string
		)

		if err := rows.Scan(&record.Identifier, &record.Kind, &record.Name, &record.Dir, &record.Status, &finishedAt); err != nil {
			return nil, err
		}

		if ts, err := time.Parse(time.RFC3339, finishedAt); err == nil {
			record.FinishedAt = ts
		}

		records = append(records, record)
	}

	return records, rows.Err()
}
