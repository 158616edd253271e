package types

// Video represents a video file discovered in the videos directory.
type Video struct {
	// Stable identifier: the file name without extension.
	// example: clip-01
	ID string `json:"id" example:"clip-01"`
	// File name including extension.
	// example: clip-01.mp4
	Name string `json:"name" example:"clip-01.mp4"`
	// Absolute path handed to the worker as video source.
	// example: /data/videos/clip-01.mp4
	Path string `json:"path" example:"/data/videos/clip-01.mp4"`
	// File size in bytes.
	// example: 10485760
	SizeBytes int64 `json:"size_bytes" example:"10485760"`
}
