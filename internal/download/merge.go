package download

// View is a Record with the latest push overlay applied.
type View struct {
	Record

	// IsRealTime is true when a push event contributed to this view.
	IsRealTime bool   `json:"is_real_time"`
	LastUpdate string `json:"last_update,omitempty"`
}

// Lookup returns the most recent push event for a download id.
type Lookup func(id string) (PushEvent, bool)

// Merge overlays ev on base. Fields present in ev win; absent fields fall
// back to base. A nil ev yields base unchanged with IsRealTime false.
func Merge(base Record, ev *PushEvent) View {
	if ev == nil {
		return View{Record: base}
	}

	merged := base

	if ev.Name != nil {
		merged.Name = *ev.Name
	}

	if ev.InfoHash != nil {
		merged.InfoHash = *ev.InfoHash
	}

	if ev.Size != nil {
		merged.TotalBytes = *ev.Size
	}

	if ev.Downloaded != nil {
		merged.DownloadedBytes = *ev.Downloaded
	}

	// Rates arrive as fractional bytes per second; records keep whole bytes.
	if ev.DownloadRate != nil {
		merged.DownloadRate = int64(*ev.DownloadRate)
	}

	if ev.UploadRate != nil {
		merged.UploadRate = int64(*ev.UploadRate)
	}

	if ev.Progress != nil {
		merged.Progress = *ev.Progress
	}

	if ev.Status != nil {
		merged.Status = *ev.Status
	}

	if ev.ETA != nil {
		eta := *ev.ETA
		merged.ETA = &eta
	}

	if ev.Peers != nil {
		merged.PeersConnected = *ev.Peers
	}

	if ev.Seeds != nil {
		merged.SeedsConnected = *ev.Seeds
	}

	if ev.UpdatedAt != "" {
		merged.UpdatedAt = ev.UpdatedAt
	}

	return View{
		Record:     merged,
		IsRealTime: true,
		LastUpdate: ev.UpdatedAt,
	}
}

// MergeAll merges every record against lookup, preserving order.
func MergeAll(records []Record, lookup Lookup) []View {
	views := make([]View, 0, len(records))

	for _, r := range records {
		if lookup == nil {
			views = append(views, Merge(r, nil))

			continue
		}

		if ev, ok := lookup(r.ID); ok {
			views = append(views, Merge(r, &ev))
		} else {
			views = append(views, Merge(r, nil))
		}
	}

	return views
}

// LibraryView is a library entry whose embedded download carries the push
// overlay.
type LibraryView struct {
	LibraryEntry

	IsRealTime bool `json:"is_real_time"`
}

// MergeLibrary overlays ev on the entry's embedded download. Entries
// without a download are returned unchanged.
func MergeLibrary(entry LibraryEntry, ev *PushEvent) LibraryView {
	if entry.Download == nil || ev == nil {
		return LibraryView{LibraryEntry: entry}
	}

	dl := *entry.Download

	if ev.Progress != nil {
		dl.Progress = *ev.Progress
	}

	if ev.Status != nil {
		dl.Status = *ev.Status
	}

	if ev.Size != nil {
		dl.TotalBytes = *ev.Size
	}

	if ev.Downloaded != nil {
		dl.DownloadedBytes = *ev.Downloaded
	}

	entry.Download = &dl

	return LibraryView{LibraryEntry: entry, IsRealTime: true}
}

// MergeLibraryAll applies MergeLibrary to every entry using lookup keyed by
// the embedded download id.
func MergeLibraryAll(entries []LibraryEntry, lookup Lookup) []LibraryView {
	views := make([]LibraryView, 0, len(entries))

	for _, e := range entries {
		if e.Download == nil || lookup == nil {
			views = append(views, MergeLibrary(e, nil))

			continue
		}

		if ev, ok := lookup(e.Download.ID); ok {
			views = append(views, MergeLibrary(e, &ev))
		} else {
			views = append(views, MergeLibrary(e, nil))
		}
	}

	return views
}
