package storage

import "time"

// DownloadRecord is one finished (or failed) transfer, kept for the
// dashboard's history view. Live job state never touches the database.
type DownloadRecord struct {
	Identifier string
	Kind       string
	Name       string
	Dir        string
	Status     string
	FinishedAt time.Time
}

// HistoryReadRepository interface remains here.
type HistoryReadRepository interface {
	GetHistory(limit int) ([]DownloadRecord, error)
}

type HistoryWriteRepository interface {
	RecordDownload(record DownloadRecord) error
}
