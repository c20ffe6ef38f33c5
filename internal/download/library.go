package download

import "encoding/json"

// LibraryEntry is a game in the user's library, optionally linked to a
// download.
type LibraryEntry struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Genre       string           `json:"genre,omitempty"`
	Description string           `json:"description,omitempty"`
	Developer   string           `json:"developer,omitempty"`
	Publisher   string           `json:"publisher,omitempty"`
	ImageURL    string           `json:"image_url,omitempty"`
	CoverURL    string           `json:"cover_url,omitempty"`
	Size        int64            `json:"size,omitempty"`
	Status      string           `json:"status,omitempty"`
	TorrentURL  string           `json:"torrent_url,omitempty"`
	CreatedAt   string           `json:"created_at,omitempty"`
	UpdatedAt   string           `json:"updated_at,omitempty"`
	Download    *LibraryDownload `json:"download,omitempty"`
}

// LibraryDownload is the download summary embedded in a library entry.
type LibraryDownload struct {
	ID              string  `json:"id"`
	Status          Status  `json:"status"`
	Progress        float64 `json:"progress"`
	TotalBytes      int64   `json:"total_bytes"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
}

// UnmarshalJSON accepts both the total_bytes/downloaded_bytes and the
// total_size/downloaded_size spellings.
func (d *LibraryDownload) UnmarshalJSON(b []byte) error {
	type plain LibraryDownload

	var aux struct {
		plain
		TotalSize      *int64 `json:"total_size"`
		DownloadedSize *int64 `json:"downloaded_size"`
	}

	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	*d = LibraryDownload(aux.plain)

	if aux.TotalSize != nil && d.TotalBytes == 0 {
		d.TotalBytes = *aux.TotalSize
	}

	if aux.DownloadedSize != nil && d.DownloadedBytes == 0 {
		d.DownloadedBytes = *aux.DownloadedSize
	}

	return nil
}

// LibraryPatch is the body of a library entry update. Nil fields are left
// untouched upstream.
type LibraryPatch struct {
	Title       *string `json:"title,omitempty"`
	Genre       *string `json:"genre,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// Stats are the aggregate numbers shown on the dashboard.
type Stats struct {
	TotalGames          int   `json:"total_games"`
	ActiveDownloads     int   `json:"active_downloads"`
	CompletedDownloads  int   `json:"completed_downloads"`
	TotalDownloadedSize int64 `json:"total_downloaded_size"`
	TotalUploadSize     int64 `json:"total_upload_size"`
}
