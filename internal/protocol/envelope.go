// Package protocol defines the envelopes exchanged between the supervisor and
// the inference worker process, and the line-delimited JSON codec that
// carries them over the worker's stdin/stdout pipes.
//
// Commands flow supervisor -> worker, results flow worker -> supervisor.
// Every command that expects an answer carries a request_id which the worker
// echoes on the matching "<type>_result" envelope. Status envelopes
// (type "status") carry no request id and report model loading progress.
package protocol

// Command types.
const (
	CmdLoadModel      = "load_model"
	CmdInitSession    = "init_session"
	CmdAddBBoxPrompt  = "add_bbox_prompt"
	CmdAddPointPrompt = "add_point_prompt"
	CmdPropagate      = "propagate"
	CmdCloseSession   = "close_session"
	CmdResetState     = "reset_state"
	CmdRemoveObject   = "remove_object"
	CmdInjectMask     = "inject_mask"
	CmdShutdown       = "shutdown"
)

// Result-only types.
const (
	TypeStatus = "status"
	TypeError  = "error"
)

// Status values. ok/error appear on command results; loading_model, ready
// and error appear on status envelopes.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusLoadingModel = "loading_model"
	StatusReady        = "ready"
)

var commandTypes = map[string]bool{
	CmdLoadModel:      true,
	CmdInitSession:    true,
	CmdAddBBoxPrompt:  true,
	CmdAddPointPrompt: true,
	CmdPropagate:      true,
	CmdCloseSession:   true,
	CmdResetState:     true,
	CmdRemoveObject:   true,
	CmdInjectMask:     true,
	CmdShutdown:       true,
}

// IsCommandType reports whether t is a known command type.
func IsCommandType(t string) bool { return commandTypes[t] }

// ResultType returns the result type the worker answers cmdType with.
func ResultType(cmdType string) string { return cmdType + "_result" }

// IsResultType reports whether t is a type the supervisor knows how to route.
func IsResultType(t string) bool {
	if t == TypeStatus || t == TypeError {
		return true
	}
	const suffix = "_result"
	if len(t) <= len(suffix) || t[len(t)-len(suffix):] != suffix {
		return false
	}
	return commandTypes[t[:len(t)-len(suffix)]]
}

// Direction is the traversal direction of a propagation.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Valid reports whether d is forward or backward.
func (d Direction) Valid() bool { return d == Forward || d == Backward }

// BBox is a box as [x1, y1, x2, y2]. Prompt boxes use normalized [0,1]
// coordinates; boxes reported by propagation are in pixels.
type BBox [4]float64

// Command is a supervisor -> worker envelope. Only the fields relevant to
// Type are set; the rest are omitted on the wire.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	VideoID     string `json:"video_id,omitempty"`
	VideoSource string `json:"video_source,omitempty"`

	FrameIdx *int   `json:"frame_idx,omitempty"`
	BBox     *BBox  `json:"bbox,omitempty"`
	Text     string `json:"text,omitempty"`

	Points [][2]float64 `json:"points,omitempty"`
	Labels []int        `json:"labels,omitempty"`
	ObjID  *int         `json:"obj_id,omitempty"`

	StartFrameIdx *int      `json:"start_frame_idx,omitempty"`
	MaxFrames     int       `json:"max_frames,omitempty"`
	Direction     Direction `json:"direction,omitempty"`

	MaskFields
}

// Result is a worker -> supervisor envelope.
type Result struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`

	VideoID   string `json:"video_id,omitempty"`
	NumFrames int    `json:"num_frames,omitempty"`
	Height    int    `json:"height,omitempty"`
	Width     int    `json:"width,omitempty"`
	ObjID     *int   `json:"obj_id,omitempty"`

	MaskFields

	Masks []FrameMask `json:"masks,omitempty"`
}

// OK reports whether the worker accepted the command.
func (r Result) OK() bool { return r.Status == StatusOK }

// FrameMask is one element of a propagate result batch.
type FrameMask struct {
	FrameIdx int   `json:"frame_idx"`
	BBox     *BBox `json:"bbox"`
	MaskFields
}

// Int returns a pointer to v, for the optional integer fields of Command.
func Int(v int) *int { return &v }
