package torbox

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// APIError is a terminal answer from the TorBox API: a 4xx response, a
// success=false envelope, or a 5xx that survived all retries.
type APIError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("torbox api error on %s (HTTP %d): %s", e.Endpoint, e.StatusCode, e.Detail)
	}

	return fmt.Sprintf("torbox api error on %s: %s", e.Endpoint, e.Detail)
}

// envelope is the common TorBox response shape. Data is kept raw because its
// type depends on the endpoint (object, list, or plain string).
type envelope struct {
	Success bool            `json:"success"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	return &env, nil
}

func (e *envelope) decodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}

	return json.Unmarshal(e.Data, v)
}

// decodeItems accepts both a list and a single object in the data field; the
// mylist endpoint answers with either depending on the filter.
func (e *envelope) decodeItems() ([]Item, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}

	var items []Item
	if err := json.Unmarshal(e.Data, &items); err == nil {
		return items, nil
	}

	var item Item
	if err := json.Unmarshal(e.Data, &item); err != nil {
		return nil, fmt.Errorf("unexpected mylist payload: %w", err)
	}

	return []Item{item}, nil
}

// submissionData is the raw creation payload. Torrent and usenet submissions
// name their id field differently.
type submissionData struct {
	TorrentID int64  `json:"torrent_id"`
	UsenetID  int64  `json:"usenetdownload_id"`
	ID        int64  `json:"id"`
	Hash      string `json:"hash"`
	Name      string `json:"name"`
}

// SubmitResult is the outcome of a successful submission.
type SubmitResult struct {
	Kind      Kind
	ServiceID string
	Hash      string
	Name      string
}

// Identifier resolves the tracking key: the service id when the service
// assigned one, otherwise the content hash.
func (r *SubmitResult) Identifier() string {
	if r.ServiceID != "" {
		return r.ServiceID
	}

	return r.Hash
}

func decodeSubmission(kind Kind, env *envelope) (*SubmitResult, error) {
	var data submissionData
	if err := env.decodeData(&data); err != nil {
		return nil, fmt.Errorf("failed to decode submission: %w", err)
	}

	result := &SubmitResult{Kind: kind, Hash: data.Hash, Name: data.Name}

	switch {
	case kind == KindTorrent && data.TorrentID != 0:
		result.ServiceID = strconv.FormatInt(data.TorrentID, 10)
	case kind == KindUsenet && data.UsenetID != 0:
		result.ServiceID = strconv.FormatInt(data.UsenetID, 10)
	case data.ID != 0:
		result.ServiceID = strconv.FormatInt(data.ID, 10)
	}

	if result.Identifier() == "" {
		return nil, &APIError{Endpoint: kind.submitPath(), Detail: "submission returned neither id nor hash"}
	}

	return result, nil
}

// Item is one entry of the mylist status endpoint.
type Item struct {
	ID              int64      `json:"id"`
	Hash            string     `json:"hash"`
	Name            string     `json:"name"`
	DownloadState   string     `json:"download_state"`
	Progress        float64    `json:"progress"`
	Size            int64      `json:"size"`
	DownloadPresent bool       `json:"download_present"`
	CreatedAt       string     `json:"created_at"`
	Files           []ItemFile `json:"files"`
}

// ItemFile is a file entry inside a status item.
type ItemFile struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Size      int64  `json:"size"`
}

// ServiceID returns the item's id as the string form used for tracking keys.
func (i *Item) ServiceID() string {
	return strconv.FormatInt(i.ID, 10)
}

// MultiFile reports whether the item carries more than one file.
func (i *Item) MultiFile() bool {
	return len(i.Files) > 1
}
