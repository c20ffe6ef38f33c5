package download

// Status is the lifecycle state of a download as reported by the upstream.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusPaused      Status = "paused"
	StatusError       Status = "error"
	StatusSeeding     Status = "seeding"
)

// Valid reports whether s is one of the known statuses. Unknown values are
// still carried through unchanged.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusCompleted, StatusPaused, StatusError, StatusSeeding:
		return true
	}

	return false
}

// Active reports whether the download is still transferring or waiting to.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusDownloading
}

// Record is the authoritative snapshot of a download as returned by the
// REST API.
type Record struct {
	ID              string  `json:"id"`
	GameID          string  `json:"game_id,omitempty"`
	Name            string  `json:"name,omitempty"`
	InfoHash        string  `json:"info_hash,omitempty"`
	Status          Status  `json:"status"`
	Progress        float64 `json:"progress"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	DownloadRate    int64   `json:"download_speed"`
	UploadRate      int64   `json:"upload_speed"`
	PeersConnected  int     `json:"peers_connected"`
	SeedsConnected  int     `json:"seeds_connected"`
	// ETA is the estimated seconds to completion; nil when unknown.
	ETA       *int64 `json:"eta,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// CreateRequest asks the upstream to start downloading a game.
type CreateRequest struct {
	GameID     string `json:"game_id"`
	TorrentURL string `json:"torrent_url,omitempty"`
}
