package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/gamecloud_sync/internal/cache"
	"github.com/italolelis/gamecloud_sync/internal/download"
	"github.com/italolelis/gamecloud_sync/internal/gamecloud"
	"github.com/italolelis/gamecloud_sync/internal/logctx"
	"github.com/italolelis/gamecloud_sync/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// ErrDownloadNotFound is returned when a game has no linked download.
var ErrDownloadNotFound = errors.New("download not found")

// API is the subset of the REST client the dispatcher drives.
type API interface {
	DownloadAction(ctx context.Context, id string, action gamecloud.Action) error
	CreateDownload(ctx context.Context, req download.CreateRequest) error
	UpdateLibraryEntry(ctx context.Context, id string, patch download.LibraryPatch) error
	DeleteLibraryEntry(ctx context.Context, id string) error
}

// refresher is implemented by every cache.Store.
type refresher interface {
	Name() string
	Refresh(ctx context.Context) error
}

// Dispatcher issues user mutations and refreshes the stores they affect.
type Dispatcher struct {
	api       API
	downloads *cache.Store[download.Record]
	library   *cache.Store[download.LibraryEntry]
	stats     *cache.Store[download.Stats]
	tel       *telemetry.Telemetry
}

// NewDispatcher wires a dispatcher. tel may be nil.
func NewDispatcher(
	api API,
	downloads *cache.Store[download.Record],
	library *cache.Store[download.LibraryEntry],
	stats *cache.Store[download.Stats],
	tel *telemetry.Telemetry,
) *Dispatcher {
	return &Dispatcher{
		api:       api,
		downloads: downloads,
		library:   library,
		stats:     stats,
		tel:       tel,
	}
}

// PauseDownload pauses the download id.
func (d *Dispatcher) PauseDownload(ctx context.Context, id string) error {
	return d.Download(ctx, id, gamecloud.ActionPause)
}

// ResumeDownload resumes the download id.
func (d *Dispatcher) ResumeDownload(ctx context.Context, id string) error {
	return d.Download(ctx, id, gamecloud.ActionResume)
}

// CancelDownload cancels the download id.
func (d *Dispatcher) CancelDownload(ctx context.Context, id string) error {
	return d.Download(ctx, id, gamecloud.ActionCancel)
}

// Download performs action on the download id, then refreshes the
// downloads store and, when a library entry links that download, the
// library store.
func (d *Dispatcher) Download(ctx context.Context, id string, action gamecloud.Action) error {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id, "action", string(action))

	err := d.tel.InstrumentAction(ctx, string(action)+"_download", func(ctx context.Context) error {
		return d.api.DownloadAction(ctx, id, action)
	})
	if err != nil {
		logger.ErrorContext(ctx, "download action failed", "err", err)

		return fmt.Errorf("failed to %s download %s: %w", action, id, err)
	}

	logger.InfoContext(ctx, "download action applied")

	targets := []refresher{d.downloads}
	if _, linked := d.gameForDownload(id); linked {
		targets = append(targets, d.library)
	}

	d.refresh(ctx, targets...)

	return nil
}

// PauseGame pauses the download linked to the library entry gameID.
func (d *Dispatcher) PauseGame(ctx context.Context, gameID string) error {
	return d.Game(ctx, gameID, gamecloud.ActionPause)
}

// ResumeGame resumes the download linked to the library entry gameID.
func (d *Dispatcher) ResumeGame(ctx context.Context, gameID string) error {
	return d.Game(ctx, gameID, gamecloud.ActionResume)
}

// CancelGame cancels the download linked to the library entry gameID.
func (d *Dispatcher) CancelGame(ctx context.Context, gameID string) error {
	return d.Game(ctx, gameID, gamecloud.ActionCancel)
}

// Game resolves the download linked to gameID from the library store and
// performs action on it.
func (d *Dispatcher) Game(ctx context.Context, gameID string, action gamecloud.Action) error {
	entry, ok := d.library.Find(func(e download.LibraryEntry) bool {
		return e.ID == gameID
	})
	if !ok || entry.Download == nil || entry.Download.ID == "" {
		return fmt.Errorf("game %s: %w", gameID, ErrDownloadNotFound)
	}

	return d.Download(ctx, entry.Download.ID, action)
}

// CreateDownload starts a download and refreshes every store.
func (d *Dispatcher) CreateDownload(ctx context.Context, req download.CreateRequest) error {
	err := d.tel.InstrumentAction(ctx, "create_download", func(ctx context.Context) error {
		return d.api.CreateDownload(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("failed to create download for game %s: %w", req.GameID, err)
	}

	d.refresh(ctx, d.downloads, d.library, d.stats)

	return nil
}

// UpdateLibraryEntry patches a library entry and refreshes the library.
func (d *Dispatcher) UpdateLibraryEntry(ctx context.Context, id string, patch download.LibraryPatch) error {
	err := d.tel.InstrumentAction(ctx, "update_library_entry", func(ctx context.Context) error {
		return d.api.UpdateLibraryEntry(ctx, id, patch)
	})
	if err != nil {
		return fmt.Errorf("failed to update library entry %s: %w", id, err)
	}

	d.refresh(ctx, d.library)

	return nil
}

// DeleteLibraryEntry removes a library entry and refreshes the library and
// the statistics.
func (d *Dispatcher) DeleteLibraryEntry(ctx context.Context, id string) error {
	err := d.tel.InstrumentAction(ctx, "delete_library_entry", func(ctx context.Context) error {
		return d.api.DeleteLibraryEntry(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete library entry %s: %w", id, err)
	}

	d.refresh(ctx, d.library, d.stats)

	return nil
}

func (d *Dispatcher) gameForDownload(downloadID string) (download.LibraryEntry, bool) {
	return d.library.Find(func(e download.LibraryEntry) bool {
		return e.Download != nil && e.Download.ID == downloadID
	})
}

// refresh reloads targets concurrently. Failures stay in the stores.
func (d *Dispatcher) refresh(ctx context.Context, targets ...refresher) {
	logger := logctx.LoggerFromContext(ctx)

	var g errgroup.Group

	for _, target := range targets {
		g.Go(func() error {
			if err := target.Refresh(ctx); err != nil {
				logger.WarnContext(ctx, "store refresh after action failed", "store", target.Name(), "err", err)

				return err
			}

			return nil
		})
	}

	_ = g.Wait()
}
