package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/torbox_watcher/internal/logctx"
	"github.com/italolelis/torbox_watcher/internal/session"
	"github.com/italolelis/torbox_watcher/internal/storage"
	"github.com/italolelis/torbox_watcher/internal/telemetry"
	"github.com/italolelis/torbox_watcher/internal/torbox"
	"github.com/italolelis/torbox_watcher/internal/tracker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultHistoryLimit = 100

// RemoteLister is the read side of the TorBox API the dashboard needs.
type RemoteLister interface {
	ListAll(ctx context.Context, kind torbox.Kind) ([]torbox.Item, error)
}

// RemoteTracker starts tracking a server-side item that has no watch-dir file.
type RemoteTracker interface {
	TrackRemote(ctx context.Context, kind torbox.Kind, serviceID, hash, name, downloadDir string) (bool, error)
}

// RemoteItem is the dashboard's view of one TorBox list entry.
type RemoteItem struct {
	ID              int64   `json:"id"`
	Hash            string  `json:"hash,omitempty"`
	Name            string  `json:"name"`
	Kind            string  `json:"kind"`
	DownloadState   string  `json:"download_state"`
	Progress        float64 `json:"progress"`
	Size            int64   `json:"size"`
	DownloadPresent bool    `json:"download_present"`
	Tracked         bool    `json:"tracked"`
	CreatedAt       string  `json:"created_at,omitempty"`
}

type trackRequest struct {
	ID          string `json:"id"`
	Hash        string `json:"hash"`
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	DownloadDir string `json:"download_dir"`
}

type activeSession struct {
	Key        string  `json:"key"`
	Type       string  `json:"type"`
	Name       string  `json:"name"`
	Total      int64   `json:"total_bytes,omitempty"`
	Downloaded int64   `json:"downloaded_bytes,omitempty"`
	Files      int64   `json:"extracted_files,omitempty"`
	Bytes      int64   `json:"extracted_bytes,omitempty"`
	Progress   float64 `json:"progress"`
	ElapsedSec float64 `json:"elapsed_seconds"`
}

type historyEntry struct {
	Identifier string `json:"identifier"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Dir        string `json:"dir"`
	Status     string `json:"status"`
	FinishedAt string `json:"finished_at"`
}

type DashboardHandler struct {
	username  string
	password  string
	api       RemoteLister
	watcher   RemoteTracker
	jobs      *tracker.Tracker
	registry  *session.Registry
	history   storage.HistoryReadRepository
	telemetry *telemetry.Telemetry
}

// NewDashboardHandler creates the handler behind the watcher's HTTP surface.
func NewDashboardHandler(
	username, password string,
	api RemoteLister,
	watcher RemoteTracker,
	jobs *tracker.Tracker,
	registry *session.Registry,
	history storage.HistoryReadRepository,
	t *telemetry.Telemetry,
) *DashboardHandler {
	return &DashboardHandler{
		username:  username,
		password:  password,
		api:       api,
		watcher:   watcher,
		jobs:      jobs,
		registry:  registry,
		history:   history,
		telemetry: t,
	}
}

func (h *DashboardHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "dashboard")
	})

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/api/downloads", h.HandleDownloads)
	r.Post("/api/track", h.HandleTrack)
	r.Get("/api/active", h.HandleActive)
	r.Get("/api/history", h.HandleHistory)

	if h.telemetry != nil {
		r.Handle("/metrics", h.telemetry.MetricsHandler())
	}

	return r
}

// HandleDownloads lists everything on the TorBox account, both torrents and
// usenet downloads, newest first, flagged with local tracking state.
func (h *DashboardHandler) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var out []RemoteItem

	for _, kind := range []torbox.Kind{torbox.KindTorrent, torbox.KindUsenet} {
		items, err := h.api.ListAll(r.Context(), kind)
		if err != nil {
			logger.Error("failed to list remote downloads", "kind", kind, "err", err)
			http.Error(w, "upstream list failed", http.StatusBadGateway)

			return
		}

		for _, item := range items {
			_, tracked := h.jobs.Lookup(item.ServiceID())
			if !tracked && item.Hash != "" {
				_, tracked = h.jobs.Lookup(item.Hash)
			}

			out = append(out, RemoteItem{
				ID:              item.ID,
				Hash:            item.Hash,
				Name:            item.Name,
				Kind:            string(kind),
				DownloadState:   item.DownloadState,
				Progress:        item.Progress,
				Size:            item.Size,
				DownloadPresent: item.DownloadPresent,
				Tracked:         tracked,
				CreatedAt:       item.CreatedAt,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })

	writeJSON(w, http.StatusOK, out)
}

// HandleTrack starts tracking an item already present on the account.
// Duplicates answer 409 so the UI can tell "already watched" from "new".
func (h *DashboardHandler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	kind := torbox.KindTorrent
	if req.Kind == string(torbox.KindUsenet) {
		kind = torbox.KindUsenet
	}

	tracked, err := h.watcher.TrackRemote(r.Context(), kind, req.ID, req.Hash, req.Name, req.DownloadDir)
	if err != nil {
		logger.Error("failed to track remote item", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if !tracked {
		http.Error(w, "already tracked", http.StatusConflict)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "tracking"})
}

// HandleActive reports the in-flight transfer and extraction sessions.
func (h *DashboardHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.Snapshot()

	out := make([]activeSession, 0, len(snapshot))

	for key, s := range snapshot {
		entry := activeSession{Key: key}

		switch sess := s.(type) {
		case *session.TransferSession:
			entry.Type = "transfer"
			entry.Name = sess.Filename()
			entry.Total = sess.Total()
			entry.Downloaded = sess.Downloaded()
			entry.ElapsedSec = sess.Elapsed().Seconds()

			if pct, ok := sess.Progress(); ok {
				entry.Progress = pct
			}
		case *session.ExtractionSession:
			entry.Type = "extraction"
			entry.Name = sess.Archive()
			entry.Files = sess.ExtractedFiles()
			entry.Bytes = sess.ExtractedBytes()
			entry.ElapsedSec = sess.Elapsed().Seconds()

			if pct, ok := sess.Progress(); ok {
				entry.Progress = pct
			}
		default:
			entry.Type = "unknown"
		}

		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	writeJSON(w, http.StatusOK, out)
}

// HandleHistory returns the most recent finished transfers.
func (h *DashboardHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.history.GetHistory(defaultHistoryLimit)
	if err != nil {
		logger.Error("failed to read download history", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)

		return
	}

	out := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, historyEntry{
			Identifier: rec.Identifier,
			Kind:       rec.Kind,
			Name:       rec.Name,
			Dir:        rec.Dir,
			Status:     rec.Status,
			FinishedAt: rec.FinishedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *DashboardHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
