package domain

// ServerUploader marks catalog entries discovered on disk at startup
// rather than uploaded through the wire.
const ServerUploader = "Server"

// SharedFile is one immutable catalog entry.
type SharedFile struct {
	Size     int64  `json:"size"`
	Uploader string `json:"uploader"`
}
