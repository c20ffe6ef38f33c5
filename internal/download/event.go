package download

import "encoding/json"

// TypeDownloadProgress is the only push message type the client acts on.
const TypeDownloadProgress = "download_progress"

// Message is the envelope of every frame on the push channel.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PushEvent is an incremental progress update for one download. Every field
// except ID is optional; a nil field means the server did not send it.
type PushEvent struct {
	ID           string   `json:"id"`
	InfoHash     *string  `json:"info_hash,omitempty"`
	Name         *string  `json:"name,omitempty"`
	Size         *int64   `json:"size,omitempty"`
	Downloaded   *int64   `json:"downloaded,omitempty"`
	DownloadRate *float64 `json:"download_rate,omitempty"`
	UploadRate   *float64 `json:"upload_rate,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`
	Status       *Status  `json:"status,omitempty"`
	ETA          *int64   `json:"eta,omitempty"`
	Peers        *int     `json:"peers,omitempty"`
	Seeds        *int     `json:"seeds,omitempty"`
	UpdatedAt    string   `json:"updated_at,omitempty"`
}

// Ptr returns a pointer to v. Handy for building events in code.
func Ptr[T any](v T) *T {
	return &v
}
