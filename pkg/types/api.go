package types

import "time"

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// MessageResponse acknowledges an operation without a payload.
type MessageResponse struct {
	Message string `json:"message" example:"session closed"`
}

// VideosResponse wraps the list of videos returned by GET /videos.
type VideosResponse struct {
	Videos []Video `json:"videos"`
}

// SessionStatus describes one open tracking session.
type SessionStatus struct {
	VideoID    string `json:"video_id" example:"clip-01"`
	FrameCount int    `json:"frame_count" example:"240"`
	Height     int    `json:"height" example:"720"`
	Width      int    `json:"width" example:"1280"`
	// Object currently tracked, absent before the first bbox prompt.
	ActiveObjectID *int `json:"active_object_id,omitempty" example:"1"`
	HasObject      bool `json:"has_object" example:"true"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Lifecycle state of the inference worker: not_loaded, loading, ready or error.
	// example: ready
	State string `json:"state" example:"ready"`
	// Load failure message while in the error state.
	Error string `json:"error,omitempty"`
	// Process ID of the worker when one is running.
	// example: 12345
	PID int `json:"pid,omitempty" example:"12345"`
	// Requests sent to the worker and not yet answered.
	Pending int `json:"pending" example:"0"`
	// Worker resident memory in bytes, when it could be sampled.
	RSSBytes uint64 `json:"rss_bytes,omitempty" example:"2147483648"`
	// Worker CPU usage in percent since start.
	CPUPercent float64 `json:"cpu_percent,omitempty" example:"12.5"`
	// Last malformed or unexpected worker output.
	LastProtocolError string          `json:"last_protocol_error,omitempty"`
	Sessions          []SessionStatus `json:"sessions"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// InitSessionRequest opens a session. Source overrides the catalog path.
type InitSessionRequest struct {
	Source string `json:"source,omitempty" example:"/data/videos/clip-01.mp4"`
}

// BBoxPromptRequest adds a box prompt. Coordinates are normalized to [0, 1].
type BBoxPromptRequest struct {
	FrameIdx int        `json:"frame_idx" example:"0"`
	BBox     [4]float64 `json:"bbox" example:"[0.1,0.2,0.4,0.6]"`
	// Optional text hint for text-conditioned models.
	Text string `json:"text,omitempty" example:"person"`
}

// PointPromptRequest refines the tracked object with clicks.
// Labels are 1 for foreground and 0 for background.
type PointPromptRequest struct {
	FrameIdx int          `json:"frame_idx" example:"0"`
	Points   [][2]float64 `json:"points" example:"[[0.5,0.5]]"`
	Labels   []int        `json:"labels" example:"[1]"`
}

// MaskResponse carries one mask encoded as a grayscale PNG.
type MaskResponse struct {
	VideoID   string `json:"video_id" example:"clip-01"`
	FrameIdx  int    `json:"frame_idx" example:"0"`
	Height    int    `json:"height" example:"720"`
	Width     int    `json:"width" example:"1280"`
	PNGBase64 string `json:"png_base64"`
}

// InjectMaskRequest replaces the object mask on a frame.
type InjectMaskRequest struct {
	FrameIdx  int    `json:"frame_idx" example:"12"`
	ObjID     int    `json:"obj_id" example:"1"`
	PNGBase64 string `json:"png_base64"`
}

// PropagateRequest tracks the active object across frames.
type PropagateRequest struct {
	StartFrameIdx int `json:"start_frame_idx" example:"0"`
	MaxFrames     int `json:"max_frames" example:"100"`
	// forward (default) or backward.
	Direction string `json:"direction,omitempty" example:"forward"`
	// Persist every returned frame to the mask store.
	Save bool `json:"save,omitempty" example:"true"`
	// Include per-frame PNG masks in the response.
	IncludeMasks bool `json:"include_masks,omitempty" example:"false"`
}

// FrameMask is one propagated frame.
type FrameMask struct {
	FrameIdx int         `json:"frame_idx" example:"3"`
	BBox     *[4]float64 `json:"bbox,omitempty"`
	// Present when the request asked for masks.
	PNGBase64 string `json:"png_base64,omitempty"`
}

// PropagateResponse is returned by POST /sessions/{videoID}/propagate.
type PropagateResponse struct {
	FramesProcessed int         `json:"frames_processed" example:"100"`
	Saved           int         `json:"saved" example:"100"`
	Frames          []FrameMask `json:"frames"`
}

// PromptRecord is one recorded prompt of a frame. Coords is x1, y1, x2, y2
// for a bbox and x, y for a point, normalized to [0, 1].
type PromptRecord struct {
	ID        int64     `json:"id" example:"7"`
	FrameIdx  int       `json:"frame_idx" example:"12"`
	Kind      string    `json:"kind" example:"positive_point"`
	Coords    []float64 `json:"coords"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptListResponse is returned by GET /videos/{videoID}/frames/{frameIdx}/prompts.
type PromptListResponse struct {
	VideoID  string         `json:"video_id" example:"clip-01"`
	FrameIdx int            `json:"frame_idx" example:"12"`
	Prompts  []PromptRecord `json:"prompts"`
}

// DeletePromptResponse is returned by DELETE /videos/{videoID}/prompts/{promptID}.
type DeletePromptResponse struct {
	Deleted   int64 `json:"deleted" example:"7"`
	Remaining int   `json:"remaining" example:"2"`
}
