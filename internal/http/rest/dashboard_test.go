package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/torbox_watcher/internal/session"
	"github.com/italolelis/torbox_watcher/internal/storage"
	"github.com/italolelis/torbox_watcher/internal/torbox"
	"github.com/italolelis/torbox_watcher/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	torrents []torbox.Item
	usenet   []torbox.Item
	err      error
}

func (f *fakeLister) ListAll(_ context.Context, kind torbox.Kind) ([]torbox.Item, error) {
	if f.err != nil {
		return nil, f.err
	}

	if kind == torbox.KindUsenet {
		return f.usenet, nil
	}

	return f.torrents, nil
}

type fakeRemoteTracker struct {
	tracked bool
	err     error

	gotKind torbox.Kind
	gotID   string
	gotHash string
}

func (f *fakeRemoteTracker) TrackRemote(_ context.Context, kind torbox.Kind, serviceID, hash, _, _ string) (bool, error) {
	f.gotKind = kind
	f.gotID = serviceID
	f.gotHash = hash

	return f.tracked, f.err
}

type fakeHistory struct {
	records []storage.DownloadRecord
	err     error
}

func (f *fakeHistory) GetHistory(_ int) ([]storage.DownloadRecord, error) {
	return f.records, f.err
}

func newTestHandler(lister *fakeLister, rt *fakeRemoteTracker, jobs *tracker.Tracker, registry *session.Registry, history *fakeHistory) http.Handler {
	if jobs == nil {
		jobs = tracker.New()
	}

	if registry == nil {
		registry = session.NewRegistry()
	}

	h := NewDashboardHandler("", "", lister, rt, jobs, registry, history, nil)

	return h.Routes()
}

func TestHandleDownloads(t *testing.T) {
	jobs := tracker.New()
	require.True(t, jobs.Track(tracker.Job{Identifier: "1"}))

	lister := &fakeLister{
		torrents: []torbox.Item{
			{ID: 1, Name: "tracked-one", CreatedAt: "2026-01-02T00:00:00Z"},
			{ID: 2, Name: "untracked", CreatedAt: "2026-01-03T00:00:00Z"},
		},
		usenet: []torbox.Item{
			{ID: 7, Name: "nzb-item", CreatedAt: "2026-01-01T00:00:00Z"},
		},
	}

	handler := newTestHandler(lister, &fakeRemoteTracker{}, jobs, nil, &fakeHistory{})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/downloads", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var items []RemoteItem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &items))
	require.Len(t, items, 3)

	assert.Equal(t, "untracked", items[0].Name, "newest first")
	assert.Equal(t, "nzb-item", items[2].Name)

	for _, item := range items {
		if item.ID == 1 {
			assert.True(t, item.Tracked)
		} else {
			assert.False(t, item.Tracked)
		}
	}
}

func TestHandleDownloads_UpstreamFailure(t *testing.T) {
	handler := newTestHandler(&fakeLister{err: errors.New("down")}, &fakeRemoteTracker{}, nil, nil, &fakeHistory{})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/downloads", nil))

	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestHandleTrack(t *testing.T) {
	rt := &fakeRemoteTracker{tracked: true}
	handler := newTestHandler(&fakeLister{}, rt, nil, nil, &fakeHistory{})

	body := strings.NewReader(`{"id": "42", "hash": "abc", "kind": "usenet", "name": "show"}`)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/track", body))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, torbox.KindUsenet, rt.gotKind)
	assert.Equal(t, "42", rt.gotID)
	assert.Equal(t, "abc", rt.gotHash)
}

func TestHandleTrack_DuplicateConflicts(t *testing.T) {
	handler := newTestHandler(&fakeLister{}, &fakeRemoteTracker{tracked: false}, nil, nil, &fakeHistory{})

	body := strings.NewReader(`{"id": "42"}`)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/track", body))

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleTrack_BadRequests(t *testing.T) {
	handler := newTestHandler(&fakeLister{}, &fakeRemoteTracker{err: errors.New("missing both id and hash")}, nil, nil, &fakeHistory{})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/track", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/track", strings.NewReader(`{"name": "x"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleActive(t *testing.T) {
	registry := session.NewRegistry()

	transfer := session.NewTransferSession("42", "file.mkv", 1000, 0)
	transfer.Add(400)
	registry.Add("42", transfer)

	extraction := session.NewExtractionSession("extract_a", "a.zip", 10, 0)
	extraction.Add(100)
	registry.Add("extract_a", extraction)

	handler := newTestHandler(&fakeLister{}, &fakeRemoteTracker{}, nil, registry, &fakeHistory{})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/active", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var active []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &active))
	require.Len(t, active, 2)

	assert.Equal(t, "transfer", active[0]["type"])
	assert.Equal(t, "file.mkv", active[0]["name"])
	assert.InDelta(t, 40.0, active[0]["progress"], 0.01)

	assert.Equal(t, "extraction", active[1]["type"])
	assert.Equal(t, "a.zip", active[1]["name"])
}

func TestHandleHistory(t *testing.T) {
	history := &fakeHistory{
		records: []storage.DownloadRecord{{
			Identifier: "42",
			Kind:       "torrent",
			Name:       "done-item",
			Status:     "downloaded",
			FinishedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		}},
	}

	handler := newTestHandler(&fakeLister{}, &fakeRemoteTracker{}, nil, nil, history)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "done-item", entries[0]["name"])
	assert.Equal(t, "2026-02-01T10:00:00Z", entries[0]["finished_at"])
}

func TestBasicAuth(t *testing.T) {
	h := NewDashboardHandler("admin", "secret", &fakeLister{}, &fakeRemoteTracker{}, tracker.New(), session.NewRegistry(), &fakeHistory{}, nil)
	handler := h.Routes()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/active", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/active", nil)
	req.SetBasicAuth("admin", "wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/active", nil)
	req.SetBasicAuth("admin", "secret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
