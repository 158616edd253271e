// Package httpapi exposes the segmentation supervisor over HTTP with chi.
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"segd/internal/annotate"
	"segd/internal/maskstore"
	"segd/internal/protocol"
	"segd/internal/supervisor"
	"segd/pkg/types"
)

// Tracker defines the supervisor methods required by the HTTP API layer.
type Tracker interface {
	Status() supervisor.Status
	Ready() bool
	StartLoading(ctx context.Context) error
	InitSession(ctx context.Context, videoID, source string) (supervisor.SessionInfo, error)
	GetSession(videoID string) (supervisor.SessionInfo, bool)
	Sessions() []supervisor.SessionInfo
	CloseSession(ctx context.Context, videoID string) bool
	ResetSession(ctx context.Context, videoID string) bool
	SubmitPrompt(ctx context.Context, videoID string, p supervisor.Prompt) (protocol.Mask, error)
	Propagate(ctx context.Context, videoID string, req supervisor.PropagateRequest) ([]supervisor.FrameResult, error)
	RemoveObject(ctx context.Context, videoID string, objID int) error
	InjectMask(ctx context.Context, videoID string, frameIdx, objID int, mask protocol.Mask) error
}

// Annotator persists and serves stored masks and prompt history. Optional.
type Annotator interface {
	Prompt(ctx context.Context, videoID string, p supervisor.Prompt) (protocol.Mask, error)
	Prompts(ctx context.Context, videoID string, frameIdx int) ([]maskstore.Prompt, error)
	DeletePrompt(ctx context.Context, videoID string, id int64) (int, error)
	PropagateAndSave(ctx context.Context, videoID string, req supervisor.PropagateRequest) (annotate.SaveResult, error)
	Mask(ctx context.Context, videoID string, frameIdx int) (protocol.Mask, error)
	ClearFrame(ctx context.Context, videoID string, frameIdx int) error
	ClearVideo(ctx context.Context, videoID string) error
}

// Catalog resolves video ids to sources.
type Catalog interface {
	List() []types.Video
	Lookup(id string) (types.Video, bool)
	Refresh() error
}

var (
	_ Tracker   = (*supervisor.Supervisor)(nil)
	_ Annotator = (*annotate.Service)(nil)
)

type server struct {
	sup     Tracker
	cat     Catalog
	ann     Annotator
	started time.Time
}

// NewMux builds the API router. ann may be nil, in which case the mask store
// routes answer 501 and propagate cannot save.
func NewMux(sup Tracker, cat Catalog, ann Annotator) http.Handler {
	s := &server{sup: sup, cat: cat, ann: ann, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/status", s.handleStatus)
	r.Post("/load", s.handleLoad)

	r.Get("/videos", s.handleVideos)
	r.Route("/videos/{videoID}", func(r chi.Router) {
		r.Get("/masks/{frameIdx}", s.handleGetMask)
		r.Delete("/masks", s.handleClearVideo)
		r.Delete("/frames/{frameIdx}", s.handleClearFrame)
		r.Get("/frames/{frameIdx}/prompts", s.handleListPrompts)
		r.Delete("/prompts/{promptID}", s.handleDeletePrompt)
	})

	r.Get("/sessions", s.handleSessions)
	r.Route("/sessions/{videoID}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/", s.handleInitSession)
		r.Delete("/", s.handleCloseSession)
		r.Post("/prompts/bbox", s.handleBBoxPrompt)
		r.Post("/prompts/points", s.handlePointPrompt)
		r.Post("/reset", s.handleReset)
		r.Post("/propagate", s.handlePropagate)
		r.Post("/masks", s.handleInjectMask)
		r.Delete("/objects/{objID}", s.handleRemoveObject)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.sup.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(s.sup.Status().State))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// fail maps err to a status, writes the error payload and logs the operation.
func (s *server) fail(w http.ResponseWriter, r *http.Request, op, videoID string, start time.Time, err error) {
	code := statusFor(err)
	if code == http.StatusServiceUnavailable {
		IncrementUnavailable(string(s.sup.Status().State))
	}
	if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
		// client went away or server is shutting down; nobody reads the body
		logOp(r, op, videoID, code, start, err)
		return
	}
	writeJSONError(w, code, err.Error())
	logOp(r, op, videoID, code, start, err)
}

func (s *server) ok(w http.ResponseWriter, r *http.Request, op, videoID string, start time.Time, code int, v any) {
	writeJSON(w, code, v)
	logOp(r, op, videoID, code, start, nil)
}

// decodeJSON reads a JSON body. Empty bodies are accepted when optional.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	if optional && r.ContentLength == 0 {
		return nil
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return statusError{code: http.StatusUnsupportedMediaType, msg: "Content-Type must be application/json"}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	b, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return statusError{code: http.StatusRequestEntityTooLarge, msg: "request body too large"}
		}
		return badRequest("unreadable body")
	}
	if optional && len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return badRequest("invalid JSON body")
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || v < 0 {
		return 0, badRequest("invalid " + name)
	}
	return v, nil
}

func sessionStatus(info supervisor.SessionInfo) types.SessionStatus {
	return types.SessionStatus{
		VideoID:        info.VideoID,
		FrameCount:     info.FrameCount,
		Height:         info.Height,
		Width:          info.Width,
		ActiveObjectID: info.ActiveObjectID,
		HasObject:      info.HasObject,
	}
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.sup.Status()
	resp := types.StatusResponse{
		State:             string(st.State),
		Error:             st.Error,
		PID:               st.PID,
		Pending:           st.Pending,
		RSSBytes:          st.RSSBytes,
		CPUPercent:        st.CPUPercent,
		LastProtocolError: st.LastProtocolError,
		Sessions:          []types.SessionStatus{},
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		ServerTimeUnix:    time.Now().Unix(),
	}
	for _, info := range s.sup.Sessions() {
		resp.Sessions = append(resp.Sessions, sessionStatus(info))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLoad starts the worker and returns immediately; poll /status.
func (s *server) handleLoad(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	// loading outlives the request
	if err := s.sup.StartLoading(serverBaseCtx); err != nil {
		s.fail(w, r, "load", "", start, err)
		return
	}
	s.ok(w, r, "load", "", start, http.StatusAccepted, types.StatusResponse{State: string(s.sup.Status().State)})
}

func (s *server) handleVideos(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "1" {
		if err := s.cat.Refresh(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, types.VideosResponse{Videos: s.cat.List()})
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	out := []types.SessionStatus{}
	for _, info := range s.sup.Sessions() {
		out = append(out, sessionStatus(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	info, ok := s.sup.GetSession(videoID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no session for video "+videoID)
		return
	}
	writeJSON(w, http.StatusOK, sessionStatus(info))
}

// source resolves the video source: an explicit override, else the catalog.
func (s *server) source(videoID, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	v, ok := s.cat.Lookup(videoID)
	if !ok {
		return "", notFound("unknown video " + videoID)
	}
	return v.Path, nil
}

func (s *server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	var req types.InitSessionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.fail(w, r, "init_session", videoID, start, err)
		return
	}
	src, err := s.source(videoID, req.Source)
	if err != nil {
		s.fail(w, r, "init_session", videoID, start, err)
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	info, err := s.sup.InitSession(ctx, videoID, src)
	if err != nil {
		s.fail(w, r, "init_session", videoID, start, err)
		return
	}
	s.ok(w, r, "init_session", videoID, start, http.StatusOK, sessionStatus(info))
}

func (s *server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	if !s.sup.CloseSession(ctx, videoID) {
		s.fail(w, r, "close_session", videoID, start, notFound("no session for video "+videoID))
		return
	}
	s.ok(w, r, "close_session", videoID, start, http.StatusOK, types.MessageResponse{Message: "session closed"})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	if !s.sup.ResetSession(ctx, videoID) {
		s.fail(w, r, "reset", videoID, start, notFound("no session for video "+videoID))
		return
	}
	s.ok(w, r, "reset", videoID, start, http.StatusOK, types.MessageResponse{Message: "tracking state reset"})
}

func (s *server) writeMask(w http.ResponseWriter, r *http.Request, op, videoID string, frameIdx int, start time.Time, m protocol.Mask) {
	b64, err := encodePNGBase64(m)
	if err != nil {
		s.fail(w, r, op, videoID, start, err)
		return
	}
	s.ok(w, r, op, videoID, start, http.StatusOK, types.MaskResponse{
		VideoID: videoID, FrameIdx: frameIdx, Height: m.Height, Width: m.Width, PNGBase64: b64,
	})
}

// submit runs a prompt through the annotator when one is configured, so
// that it lands in the frame's prompt history.
func (s *server) submit(ctx context.Context, videoID string, p supervisor.Prompt) (protocol.Mask, error) {
	if s.ann != nil {
		return s.ann.Prompt(ctx, videoID, p)
	}
	return s.sup.SubmitPrompt(ctx, videoID, p)
}

func (s *server) handleBBoxPrompt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	var req types.BBoxPromptRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.fail(w, r, "bbox_prompt", videoID, start, err)
		return
	}
	p := supervisor.BBoxPrompt{FrameIdx: req.FrameIdx, Box: protocol.BBox(req.BBox), Text: req.Text}
	if _, open := s.sup.GetSession(videoID); !open {
		// the first box on a video opens its session
		if v, ok := s.cat.Lookup(videoID); ok {
			p.Source = v.Path
		}
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	m, err := s.submit(ctx, videoID, p)
	if err != nil {
		s.fail(w, r, "bbox_prompt", videoID, start, err)
		return
	}
	s.writeMask(w, r, "bbox_prompt", videoID, req.FrameIdx, start, m)
}

func (s *server) handlePointPrompt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	var req types.PointPromptRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.fail(w, r, "point_prompt", videoID, start, err)
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	m, err := s.submit(ctx, videoID, supervisor.PointPrompt{FrameIdx: req.FrameIdx, Points: req.Points, Labels: req.Labels})
	if err != nil {
		s.fail(w, r, "point_prompt", videoID, start, err)
		return
	}
	s.writeMask(w, r, "point_prompt", videoID, req.FrameIdx, start, m)
}

func (s *server) handlePropagate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	var req types.PropagateRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.fail(w, r, "propagate", videoID, start, err)
		return
	}
	preq := supervisor.PropagateRequest{
		StartFrame: req.StartFrameIdx,
		MaxFrames:  req.MaxFrames,
		Direction:  protocol.Direction(req.Direction),
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()

	var (
		frames []supervisor.FrameResult
		saved  int
		err    error
	)
	switch {
	case req.Save && s.ann == nil:
		err = statusError{code: http.StatusNotImplemented, msg: "mask store disabled"}
	case req.Save:
		var res annotate.SaveResult
		res, err = s.ann.PropagateAndSave(ctx, videoID, preq)
		frames, saved = res.Frames, res.Saved
	default:
		frames, err = s.sup.Propagate(ctx, videoID, preq)
	}
	if err != nil {
		s.fail(w, r, "propagate", videoID, start, err)
		return
	}
	framesServedTotal.Add(float64(len(frames)))

	resp := types.PropagateResponse{FramesProcessed: len(frames), Saved: saved, Frames: make([]types.FrameMask, 0, len(frames))}
	for _, f := range frames {
		fm := types.FrameMask{FrameIdx: f.FrameIdx}
		if f.BBox != nil {
			b := [4]float64(*f.BBox)
			fm.BBox = &b
		}
		if req.IncludeMasks {
			if fm.PNGBase64, err = encodePNGBase64(f.Mask); err != nil {
				s.fail(w, r, "propagate", videoID, start, err)
				return
			}
		}
		resp.Frames = append(resp.Frames, fm)
	}
	s.ok(w, r, "propagate", videoID, start, http.StatusOK, resp)
}

func (s *server) handleInjectMask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	var req types.InjectMaskRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.fail(w, r, "inject_mask", videoID, start, err)
		return
	}
	m, err := decodePNGBase64(req.PNGBase64)
	if err != nil {
		s.fail(w, r, "inject_mask", videoID, start, badRequest(err.Error()))
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	if err := s.sup.InjectMask(ctx, videoID, req.FrameIdx, req.ObjID, m); err != nil {
		s.fail(w, r, "inject_mask", videoID, start, err)
		return
	}
	s.ok(w, r, "inject_mask", videoID, start, http.StatusOK, types.MessageResponse{Message: "mask injected"})
}

func (s *server) handleRemoveObject(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	objID, err := intParam(r, "objID")
	if err != nil {
		s.fail(w, r, "remove_object", videoID, start, err)
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	if err := s.sup.RemoveObject(ctx, videoID, objID); err != nil {
		s.fail(w, r, "remove_object", videoID, start, err)
		return
	}
	s.ok(w, r, "remove_object", videoID, start, http.StatusOK, types.MessageResponse{Message: "object removed"})
}

func (s *server) storeDisabled(w http.ResponseWriter, r *http.Request, op, videoID string, start time.Time) bool {
	if s.ann != nil {
		return false
	}
	s.fail(w, r, op, videoID, start, statusError{code: http.StatusNotImplemented, msg: "mask store disabled"})
	return true
}

// handleGetMask returns the stored mask as image/png, or JSON with ?format=json.
func (s *server) handleGetMask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	if s.storeDisabled(w, r, "get_mask", videoID, start) {
		return
	}
	frameIdx, err := intParam(r, "frameIdx")
	if err != nil {
		s.fail(w, r, "get_mask", videoID, start, err)
		return
	}
	m, err := s.ann.Mask(r.Context(), videoID, frameIdx)
	if err != nil {
		s.fail(w, r, "get_mask", videoID, start, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		s.writeMask(w, r, "get_mask", videoID, frameIdx, start, m)
		return
	}
	b, err := encodePNG(m)
	if err != nil {
		s.fail(w, r, "get_mask", videoID, start, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
	logOp(r, "get_mask", videoID, http.StatusOK, start, nil)
}

func (s *server) handleClearFrame(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	if s.storeDisabled(w, r, "clear_frame", videoID, start) {
		return
	}
	frameIdx, err := intParam(r, "frameIdx")
	if err != nil {
		s.fail(w, r, "clear_frame", videoID, start, err)
		return
	}
	if err := s.ann.ClearFrame(r.Context(), videoID, frameIdx); err != nil {
		s.fail(w, r, "clear_frame", videoID, start, err)
		return
	}
	s.ok(w, r, "clear_frame", videoID, start, http.StatusOK, types.MessageResponse{Message: "frame cleared"})
}

func (s *server) handleClearVideo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	if s.storeDisabled(w, r, "clear_video", videoID, start) {
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	if err := s.ann.ClearVideo(ctx, videoID); err != nil {
		s.fail(w, r, "clear_video", videoID, start, err)
		return
	}
	s.ok(w, r, "clear_video", videoID, start, http.StatusOK, types.MessageResponse{Message: "video cleared"})
}

func (s *server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	if s.storeDisabled(w, r, "list_prompts", videoID, start) {
		return
	}
	frameIdx, err := intParam(r, "frameIdx")
	if err != nil {
		s.fail(w, r, "list_prompts", videoID, start, err)
		return
	}
	recs, err := s.ann.Prompts(r.Context(), videoID, frameIdx)
	if err != nil {
		s.fail(w, r, "list_prompts", videoID, start, err)
		return
	}
	out := types.PromptListResponse{VideoID: videoID, FrameIdx: frameIdx, Prompts: make([]types.PromptRecord, 0, len(recs))}
	for _, p := range recs {
		out.Prompts = append(out.Prompts, types.PromptRecord{
			ID: p.ID, FrameIdx: p.FrameIdx, Kind: p.Kind, Coords: p.Coords, CreatedAt: p.CreatedAt,
		})
	}
	s.ok(w, r, "list_prompts", videoID, start, http.StatusOK, out)
}

func (s *server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	videoID := chi.URLParam(r, "videoID")
	if s.storeDisabled(w, r, "delete_prompt", videoID, start) {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "promptID"), 10, 64)
	if err != nil || id <= 0 {
		s.fail(w, r, "delete_prompt", videoID, start, badRequest("invalid promptID"))
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	left, err := s.ann.DeletePrompt(ctx, videoID, id)
	if err != nil {
		s.fail(w, r, "delete_prompt", videoID, start, err)
		return
	}
	s.ok(w, r, "delete_prompt", videoID, start, http.StatusOK, types.DeletePromptResponse{Deleted: id, Remaining: left})
}
