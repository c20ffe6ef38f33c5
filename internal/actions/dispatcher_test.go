package actions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/gamecloud_sync/internal/cache"
	"github.com/italolelis/gamecloud_sync/internal/download"
	"github.com/italolelis/gamecloud_sync/internal/gamecloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Op     string
	ID     string
	Action gamecloud.Action
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeAPI) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, c)

	return f.err
}

func (f *fakeAPI) DownloadAction(_ context.Context, id string, action gamecloud.Action) error {
	return f.record(call{Op: "download", ID: id, Action: action})
}

func (f *fakeAPI) CreateDownload(_ context.Context, req download.CreateRequest) error {
	return f.record(call{Op: "create", ID: req.GameID})
}

func (f *fakeAPI) UpdateLibraryEntry(_ context.Context, id string, _ download.LibraryPatch) error {
	return f.record(call{Op: "update", ID: id})
}

func (f *fakeAPI) DeleteLibraryEntry(_ context.Context, id string) error {
	return f.record(call{Op: "delete", ID: id})
}

type fixture struct {
	api            *fakeAPI
	dispatcher     *Dispatcher
	downloadLoads  *atomic.Int32
	libraryLoads   *atomic.Int32
	statsLoads     *atomic.Int32
	library        *cache.Store[download.LibraryEntry]
	downloadsStore *cache.Store[download.Record]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		api:           &fakeAPI{},
		downloadLoads: &atomic.Int32{},
		libraryLoads:  &atomic.Int32{},
		statsLoads:    &atomic.Int32{},
	}

	f.downloadsStore = cache.New("downloads", time.Minute, func(context.Context) ([]download.Record, error) {
		f.downloadLoads.Add(1)
		return []download.Record{{ID: "d1", Status: download.StatusDownloading}}, nil
	})

	f.library = cache.New("library", time.Minute, func(context.Context) ([]download.LibraryEntry, error) {
		f.libraryLoads.Add(1)
		return []download.LibraryEntry{
			{ID: "g1", Title: "Game One", Download: &download.LibraryDownload{ID: "d1"}},
			{ID: "g2", Title: "Game Two"},
		}, nil
	})

	stats := cache.New("stats", time.Minute, func(context.Context) ([]download.Stats, error) {
		f.statsLoads.Add(1)
		return []download.Stats{{TotalGames: 2}}, nil
	})

	require.NoError(t, f.downloadsStore.Fetch(context.Background()))
	require.NoError(t, f.library.Fetch(context.Background()))
	require.NoError(t, stats.Fetch(context.Background()))

	f.dispatcher = NewDispatcher(f.api, f.downloadsStore, f.library, stats, nil)

	return f
}

func (f *fixture) loads() (int32, int32, int32) {
	return f.downloadLoads.Load(), f.libraryLoads.Load(), f.statsLoads.Load()
}

func TestDispatcher_DownloadActions(t *testing.T) {
	tests := []struct {
		name   string
		run    func(d *Dispatcher) error
		action gamecloud.Action
	}{
		{"pause", func(d *Dispatcher) error { return d.PauseDownload(context.Background(), "d1") }, gamecloud.ActionPause},
		{"resume", func(d *Dispatcher) error { return d.ResumeDownload(context.Background(), "d1") }, gamecloud.ActionResume},
		{"cancel", func(d *Dispatcher) error { return d.CancelDownload(context.Background(), "d1") }, gamecloud.ActionCancel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			require.NoError(t, tt.run(f.dispatcher))

			assert.Equal(t, []call{{Op: "download", ID: "d1", Action: tt.action}}, f.api.calls)

			downloads, library, stats := f.loads()
			assert.Equal(t, int32(2), downloads)
			// d1 is linked from g1, so the library is refreshed too
			assert.Equal(t, int32(2), library)
			assert.Equal(t, int32(1), stats)
		})
	}
}

func TestDispatcher_UnlinkedDownloadSkipsLibrary(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.dispatcher.PauseDownload(context.Background(), "d9"))

	downloads, library, _ := f.loads()
	assert.Equal(t, int32(2), downloads)
	assert.Equal(t, int32(1), library)
}

func TestDispatcher_GameActionsResolveDownload(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.dispatcher.PauseGame(context.Background(), "g1"))
	require.NoError(t, f.dispatcher.ResumeGame(context.Background(), "g1"))
	require.NoError(t, f.dispatcher.CancelGame(context.Background(), "g1"))

	assert.Equal(t, []call{
		{Op: "download", ID: "d1", Action: gamecloud.ActionPause},
		{Op: "download", ID: "d1", Action: gamecloud.ActionResume},
		{Op: "download", ID: "d1", Action: gamecloud.ActionCancel},
	}, f.api.calls)
}

func TestDispatcher_GameWithoutDownload(t *testing.T) {
	f := newFixture(t)

	err := f.dispatcher.PauseGame(context.Background(), "g2")
	require.ErrorIs(t, err, ErrDownloadNotFound)

	err = f.dispatcher.CancelGame(context.Background(), "missing")
	require.ErrorIs(t, err, ErrDownloadNotFound)

	assert.Empty(t, f.api.calls)
}

func TestDispatcher_FailureSkipsRefresh(t *testing.T) {
	f := newFixture(t)
	f.api.err = &gamecloud.HTTPError{Operation: "pause_download", StatusCode: 500}

	err := f.dispatcher.PauseDownload(context.Background(), "d1")
	require.Error(t, err)

	var httpErr *gamecloud.HTTPError
	require.ErrorAs(t, err, &httpErr)

	downloads, library, stats := f.loads()
	assert.Equal(t, int32(1), downloads)
	assert.Equal(t, int32(1), library)
	assert.Equal(t, int32(1), stats)
	assert.Len(t, f.api.calls, 1)
}

func TestDispatcher_CreateDownloadRefreshesEverything(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.dispatcher.CreateDownload(context.Background(), download.CreateRequest{GameID: "g2"}))

	downloads, library, stats := f.loads()
	assert.Equal(t, int32(2), downloads)
	assert.Equal(t, int32(2), library)
	assert.Equal(t, int32(2), stats)
}

func TestDispatcher_LibraryMutations(t *testing.T) {
	f := newFixture(t)

	title := "Renamed"
	require.NoError(t, f.dispatcher.UpdateLibraryEntry(context.Background(), "g1", download.LibraryPatch{Title: &title}))

	downloads, library, stats := f.loads()
	assert.Equal(t, int32(1), downloads)
	assert.Equal(t, int32(2), library)
	assert.Equal(t, int32(1), stats)

	require.NoError(t, f.dispatcher.DeleteLibraryEntry(context.Background(), "g2"))

	downloads, library, stats = f.loads()
	assert.Equal(t, int32(1), downloads)
	assert.Equal(t, int32(3), library)
	assert.Equal(t, int32(2), stats)
}

func TestDispatcher_RefreshFailureIsNotReturned(t *testing.T) {
	api := &fakeAPI{}

	downloads := cache.New("downloads", time.Minute, func(context.Context) ([]download.Record, error) {
		return nil, errors.New("upstream down")
	})
	library := cache.New("library", time.Minute, func(context.Context) ([]download.LibraryEntry, error) {
		return nil, nil
	})
	stats := cache.New("stats", time.Minute, func(context.Context) ([]download.Stats, error) {
		return nil, nil
	})

	d := NewDispatcher(api, downloads, library, stats, nil)

	require.NoError(t, d.PauseDownload(context.Background(), "d1"))
	assert.Equal(t, "upstream down", downloads.Snapshot().Error)
}
