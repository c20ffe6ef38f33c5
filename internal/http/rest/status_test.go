package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/gamecloud_sync/internal/actions"
	"github.com/italolelis/gamecloud_sync/internal/download"
	"github.com/italolelis/gamecloud_sync/internal/gamecloud"
	"github.com/italolelis/gamecloud_sync/internal/realtime"
	"github.com/italolelis/gamecloud_sync/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSession struct {
	stats      *download.Stats
	refreshErr error
	ended      bool
	refreshed  bool
}

func (m *mockSession) Status() session.Status {
	return session.Status{
		Connection: realtime.StateConnected,
		Connected:  true,
		Stores:     map[string]session.StoreStatus{"downloads": {Items: 1, IsInitialized: true, TTL: "1m0s"}},
	}
}

func (m *mockSession) Downloads() []download.View {
	return []download.View{{
		Record:     download.Record{ID: "d1", Status: download.StatusDownloading, Progress: 42},
		IsRealTime: true,
		LastUpdate: "T2",
	}}
}

func (m *mockSession) Library() []download.LibraryView {
	return []download.LibraryView{{LibraryEntry: download.LibraryEntry{ID: "g1", Title: "Game One"}}}
}

func (m *mockSession) Stats() (download.Stats, bool) {
	if m.stats == nil {
		return download.Stats{}, false
	}

	return *m.stats, true
}

func (m *mockSession) RefreshAll(context.Context) error {
	m.refreshed = true

	return m.refreshErr
}

func (m *mockSession) End() {
	m.ended = true
}

type mockDispatcher struct {
	err        error
	lastID     string
	lastAction gamecloud.Action
	gameCalled bool
}

func (m *mockDispatcher) Download(_ context.Context, id string, action gamecloud.Action) error {
	m.lastID, m.lastAction = id, action

	return m.err
}

func (m *mockDispatcher) Game(_ context.Context, id string, action gamecloud.Action) error {
	m.gameCalled = true
	m.lastID, m.lastAction = id, action

	return m.err
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	return rec
}

func TestStatusHandler_Reads(t *testing.T) {
	h := NewStatusHandler(&mockSession{stats: &download.Stats{TotalGames: 3}}, &mockDispatcher{}, "", "", nil).Routes()

	t.Run("status", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/status")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		var got session.Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, realtime.StateConnected, got.Connection)
		assert.Equal(t, 1, got.Stores["downloads"].Items)
	})

	t.Run("downloads", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/downloads")
		require.Equal(t, http.StatusOK, rec.Code)

		var got []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "d1", got[0]["id"])
		assert.InDelta(t, 42.0, got[0]["progress"], 0)
		assert.Equal(t, true, got[0]["is_real_time"])
	})

	t.Run("library", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/library")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"title":"Game One"`)
	})

	t.Run("stats", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/stats")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"total_games":3`)
	})

	t.Run("metrics without telemetry", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStatusHandler_StatsNotLoaded(t *testing.T) {
	h := NewStatusHandler(&mockSession{}, &mockDispatcher{}, "", "", nil).Routes()

	rec := serve(h, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"statistics not loaded"}`, rec.Body.String())
}

func TestStatusHandler_DownloadAction(t *testing.T) {
	d := &mockDispatcher{}
	h := NewStatusHandler(&mockSession{}, d, "", "", nil).Routes()

	rec := serve(h, http.MethodPost, "/downloads/d1/pause")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "d1", d.lastID)
	assert.Equal(t, gamecloud.ActionPause, d.lastAction)
	assert.False(t, d.gameCalled)

	rec = serve(h, http.MethodPost, "/games/g1/resume")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, d.gameCalled)
	assert.Equal(t, "g1", d.lastID)

	rec = serve(h, http.MethodPost, "/downloads/d1/explode")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not linked", fmt.Errorf("game g2: %w", actions.ErrDownloadNotFound), http.StatusNotFound},
		{"upstream 404", &gamecloud.HTTPError{Operation: "pause_download", StatusCode: 404}, http.StatusNotFound},
		{"auth", &gamecloud.AuthError{Operation: "pause_download"}, http.StatusUnauthorized},
		{"upstream 500", fmt.Errorf("failed: %w", &gamecloud.HTTPError{Operation: "pause_download", StatusCode: 500}), http.StatusBadGateway},
		{"network", &gamecloud.NetworkError{Operation: "pause_download", Err: errors.New("refused")}, http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"session ended", session.ErrEnded, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewStatusHandler(&mockSession{}, &mockDispatcher{err: tt.err}, "", "", nil).Routes()

			rec := serve(h, http.MethodPost, "/downloads/d1/cancel")
			assert.Equal(t, tt.want, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body.Error)
		})
	}
}

func TestStatusHandler_Session(t *testing.T) {
	s := &mockSession{}
	h := NewStatusHandler(s, &mockDispatcher{}, "", "", nil).Routes()

	rec := serve(h, http.MethodPost, "/session/refresh")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.refreshed)

	rec = serve(h, http.MethodPost, "/session/end")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, s.ended)

	s.refreshErr = &gamecloud.HTTPError{Operation: "list_downloads", StatusCode: 503}
	rec = serve(h, http.MethodPost, "/session/refresh")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	s.refreshErr = session.ErrEnded
	rec = serve(h, http.MethodPost, "/session/refresh")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusHandler_BasicAuth(t *testing.T) {
	d := &mockDispatcher{}
	h := NewStatusHandler(&mockSession{}, d, "admin", "secret", nil).Routes()

	rec := serve(h, http.MethodPost, "/downloads/d1/pause")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/downloads/d1/pause", nil)
	req.SetBasicAuth("admin", "wrong")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, d.lastID)

	req = httptest.NewRequest(http.MethodPost, "/downloads/d1/pause", nil)
	req.SetBasicAuth("admin", "secret")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "d1", d.lastID)

	// reads stay open
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/status").Code)
}
