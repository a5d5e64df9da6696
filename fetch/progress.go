// Package fetch retrieves remote experiment artifacts: pretrained weights
// snapshots and lens zoo specifications. Sources can be plain HTTP(S), S3,
// or local paths; archives holding weight bundles can be unpacked in place.
package fetch

// Status represents the current state of an artifact fetch.
type Status string

const (
	StatusExtracting Status = "extracting"
)

// Progress reports the state of a single artifact fetch.
type Progress struct {
	Source          string  `json:"source"`
	Status          Status  `json:"status"`
	Message         string  `json:"message"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      int64   `json:"total_bytes"`
	Percent         float64 `json:"percent"`
	Error           string  `json:"error,omitempty"`
}

// ProgressCallback is called to report fetch progress.
type ProgressCallback func(Progress)

// ByteProgressCallback is called to report raw byte progress during download.
type ByteProgressCallback func(downloaded, total int64)
