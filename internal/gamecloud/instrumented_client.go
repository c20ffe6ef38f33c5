package gamecloud

import (
	"context"

	"github.com/italolelis/gamecloud_sync/internal/download"
	"github.com/italolelis/gamecloud_sync/internal/telemetry"
)

const component = "gamecloud"

// InstrumentedClient wraps Client with one span per upstream operation.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

// ListLibrary lists the library with telemetry.
func (c *InstrumentedClient) ListLibrary(ctx context.Context) ([]download.LibraryEntry, error) {
	var result []download.LibraryEntry

	err := c.telemetry.InstrumentOperation(ctx, "list_library", component, func(ctx context.Context) error {
		var err error

		result, err = c.client.ListLibrary(ctx)

		return err
	})

	return result, err
}

// ListDownloads lists the downloads with telemetry.
func (c *InstrumentedClient) ListDownloads(ctx context.Context) ([]download.Record, error) {
	var result []download.Record

	err := c.telemetry.InstrumentOperation(ctx, "list_downloads", component, func(ctx context.Context) error {
		var err error

		result, err = c.client.ListDownloads(ctx)

		return err
	})

	return result, err
}

// GetStats gets the statistics with telemetry.
func (c *InstrumentedClient) GetStats(ctx context.Context) ([]download.Stats, error) {
	var result []download.Stats

	err := c.telemetry.InstrumentOperation(ctx, "get_stats", component, func(ctx context.Context) error {
		var err error

		result, err = c.client.GetStats(ctx)

		return err
	})

	return result, err
}

// CreateDownload creates a download with telemetry.
func (c *InstrumentedClient) CreateDownload(ctx context.Context, req download.CreateRequest) error {
	return c.telemetry.InstrumentOperation(ctx, "create_download", component, func(ctx context.Context) error {
		return c.client.CreateDownload(ctx, req)
	})
}

// DownloadAction performs a download action with telemetry.
func (c *InstrumentedClient) DownloadAction(ctx context.Context, id string, action Action) error {
	return c.telemetry.InstrumentOperation(ctx, string(action)+"_download", component, func(ctx context.Context) error {
		return c.client.DownloadAction(ctx, id, action)
	})
}

// UpdateLibraryEntry updates a library entry with telemetry.
func (c *InstrumentedClient) UpdateLibraryEntry(ctx context.Context, id string, patch download.LibraryPatch) error {
	return c.telemetry.InstrumentOperation(ctx, "update_library_entry", component, func(ctx context.Context) error {
		return c.client.UpdateLibraryEntry(ctx, id, patch)
	})
}

// DeleteLibraryEntry deletes a library entry with telemetry.
func (c *InstrumentedClient) DeleteLibraryEntry(ctx context.Context, id string) error {
	return c.telemetry.InstrumentOperation(ctx, "delete_library_entry", component, func(ctx context.Context) error {
		return c.client.DeleteLibraryEntry(ctx, id)
	})
}

// ResetAuth drops any cached bearer token.
func (c *InstrumentedClient) ResetAuth() {
	c.client.ResetAuth()
}
