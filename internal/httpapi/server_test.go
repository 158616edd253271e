package httpapi

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"segd/internal/annotate"
	"segd/internal/maskstore"
	"segd/internal/protocol"
	"segd/internal/supervisor"
	"segd/pkg/types"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v body=%q", err, w.Body.String())
	}
	return v
}

func testCatalog() *mockCatalog {
	return &mockCatalog{videos: []types.Video{{ID: "clip", Name: "clip.mp4", Path: "/videos/clip.mp4"}}}
}

func TestStatusHandler(t *testing.T) {
	tr := newMockTracker()
	tr.status = supervisor.Status{State: supervisor.StateReady, PID: 42, Pending: 1, LastProtocolError: "bad line"}
	tr.sessions["clip"] = supervisor.SessionInfo{VideoID: "clip", FrameCount: 10, ActiveObjectID: protocol.Int(1), HasObject: true}
	w := do(t, NewMux(tr, testCatalog(), nil), http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := decode[types.StatusResponse](t, w)
	if body.State != "ready" || body.PID != 42 || body.Pending != 1 || body.LastProtocolError != "bad line" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ActiveObjectID == nil || *body.Sessions[0].ActiveObjectID != 1 {
		t.Fatalf("sessions: %+v", body.Sessions)
	}
}

func TestHealthAndReady(t *testing.T) {
	tr := newMockTracker()
	h := NewMux(tr, testCatalog(), nil)
	if w := do(t, h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("readyz=%d", w.Code)
	}
	tr.status.State = supervisor.StateLoading
	w := do(t, h, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("readyz while loading: %d %q", w.Code, w.Body.String())
	}
}

func TestLoadStartsWorker(t *testing.T) {
	tr := newMockTracker()
	tr.status.State = supervisor.StateNotLoaded
	w := do(t, NewMux(tr, testCatalog(), nil), http.MethodPost, "/load", "")
	if w.Code != http.StatusAccepted || tr.loads != 1 {
		t.Fatalf("status=%d loads=%d", w.Code, tr.loads)
	}
	if body := decode[types.StatusResponse](t, w); body.State != "loading" {
		t.Fatalf("state=%s", body.State)
	}

	tr.err = supervisor.ErrWorkerLocked
	if w := do(t, NewMux(tr, testCatalog(), nil), http.MethodPost, "/load", ""); w.Code != http.StatusConflict {
		t.Fatalf("locked load status=%d", w.Code)
	}
}

func TestVideosHandler(t *testing.T) {
	cat := testCatalog()
	h := NewMux(newMockTracker(), cat, nil)
	w := do(t, h, http.MethodGet, "/videos?refresh=1", "")
	if w.Code != http.StatusOK || cat.refreshes != 1 {
		t.Fatalf("status=%d refreshes=%d", w.Code, cat.refreshes)
	}
	if body := decode[types.VideosResponse](t, w); len(body.Videos) != 1 || body.Videos[0].ID != "clip" {
		t.Fatalf("videos: %+v", body)
	}
}

func TestInitSessionUsesCatalog(t *testing.T) {
	tr := newMockTracker()
	h := NewMux(tr, testCatalog(), nil)
	w := do(t, h, http.MethodPost, "/sessions/clip", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if len(tr.inits) != 1 || tr.inits[0] != "/videos/clip.mp4" {
		t.Fatalf("source not resolved from catalog: %v", tr.inits)
	}
	if body := decode[types.SessionStatus](t, w); body.VideoID != "clip" || body.FrameCount != 10 {
		t.Fatalf("unexpected session %+v", body)
	}

	// explicit source overrides the catalog
	if w := do(t, h, http.MethodPost, "/sessions/other", `{"source":"/tmp/other.mp4"}`); w.Code != http.StatusOK {
		t.Fatalf("override status=%d", w.Code)
	}
	if tr.inits[1] != "/tmp/other.mp4" {
		t.Fatalf("override ignored: %v", tr.inits)
	}
	if w := do(t, h, http.MethodPost, "/sessions/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown video status=%d", w.Code)
	}
}

func TestGetAndCloseSession(t *testing.T) {
	tr := newMockTracker()
	tr.sessions["clip"] = supervisor.SessionInfo{VideoID: "clip", FrameCount: 3}
	h := NewMux(tr, testCatalog(), nil)
	if w := do(t, h, http.MethodGet, "/sessions/clip", ""); w.Code != http.StatusOK {
		t.Fatalf("get status=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/sessions", ""); w.Code != http.StatusOK || len(decode[[]types.SessionStatus](t, w)) != 1 {
		t.Fatalf("list sessions")
	}
	if w := do(t, h, http.MethodPost, "/sessions/clip/reset", ""); w.Code != http.StatusOK {
		t.Fatalf("reset status=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/sessions/clip", ""); w.Code != http.StatusOK {
		t.Fatalf("close status=%d", w.Code)
	}
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/sessions/clip"},
		{http.MethodDelete, "/sessions/clip"},
		{http.MethodPost, "/sessions/clip/reset"},
	} {
		if w := do(t, h, tc.method, tc.path, ""); w.Code != http.StatusNotFound {
			t.Fatalf("%s %s after close: %d", tc.method, tc.path, w.Code)
		}
	}
}

func TestBBoxPromptReturnsPNG(t *testing.T) {
	tr := newMockTracker()
	tr.mask.Set(2, 1)
	h := NewMux(tr, testCatalog(), nil)
	w := do(t, h, http.MethodPost, "/sessions/clip/prompts/bbox", `{"frame_idx":2,"bbox":[0.1,0.1,0.5,0.5],"text":"cat"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	body := decode[types.MaskResponse](t, w)
	if body.FrameIdx != 2 || body.Height != 4 || body.Width != 4 {
		t.Fatalf("unexpected %+v", body)
	}
	m, err := decodePNGBase64(body.PNGBase64)
	if err != nil || m.Area() != 1 {
		t.Fatalf("png mask area %d err %v", m.Area(), err)
	}
	p, ok := tr.prompts[0].(supervisor.BBoxPrompt)
	if !ok || p.Source != "/videos/clip.mp4" || p.Text != "cat" || p.Box != (protocol.BBox{0.1, 0.1, 0.5, 0.5}) {
		t.Fatalf("unexpected prompt %+v", tr.prompts[0])
	}

	// with an open session no source is attached
	tr.sessions["clip"] = supervisor.SessionInfo{VideoID: "clip"}
	do(t, h, http.MethodPost, "/sessions/clip/prompts/bbox", `{"frame_idx":0,"bbox":[0.1,0.1,0.5,0.5]}`)
	if p := tr.prompts[1].(supervisor.BBoxPrompt); p.Source != "" {
		t.Fatalf("source attached to open session")
	}
}

func TestPointPromptForwarded(t *testing.T) {
	tr := newMockTracker()
	h := NewMux(tr, testCatalog(), nil)
	w := do(t, h, http.MethodPost, "/sessions/clip/prompts/points", `{"frame_idx":1,"points":[[0.5,0.5],[0.1,0.2]],"labels":[1,0]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	p := tr.prompts[0].(supervisor.PointPrompt)
	if p.FrameIdx != 1 || len(p.Points) != 2 || p.Labels[1] != 0 {
		t.Fatalf("unexpected prompt %+v", p)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not ready", &supervisor.NotReadyError{State: supervisor.StateLoading}, http.StatusServiceUnavailable},
		{"crashed", &supervisor.NotReadyError{State: supervisor.StateNotLoaded, Crashed: true}, http.StatusServiceUnavailable},
		{"prompt order", supervisor.ErrNoObject, http.StatusBadRequest},
		{"invalid", fmt.Errorf("%w: bbox is empty", supervisor.ErrInvalidArgument), http.StatusBadRequest},
		{"no session", fmt.Errorf("%w: clip", supervisor.ErrNoSession), http.StatusNotFound},
		{"worker point order", &supervisor.WorkerError{Type: "add_point_prompt", Msg: "no object on frame"}, http.StatusBadRequest},
		{"worker propagate order", fmt.Errorf("propagate clip: %w", &supervisor.WorkerError{Type: "propagate", Msg: "no prompts"}), http.StatusBadRequest},
		{"worker bbox", &supervisor.WorkerError{Type: "add_bbox_prompt", Msg: "cuda out of memory"}, http.StatusInternalServerError},
		{"timeout", &supervisor.TimeoutError{Type: "propagate", After: time.Second}, http.StatusInternalServerError},
		{"protocol", &supervisor.ProtocolError{Type: "propagate", Msg: "frames out of order"}, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newMockTracker()
			tr.err = tc.err
			w := do(t, NewMux(tr, testCatalog(), nil), http.MethodPost, "/sessions/clip/prompts/points", `{"frame_idx":0,"points":[[0.5,0.5]],"labels":[1]}`)
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d", w.Code, tc.want)
			}
			if body := decode[types.ErrorResponse](t, w); body.Code != tc.want || body.Error == "" {
				t.Fatalf("error body %+v", body)
			}
		})
	}
}

func TestRequestValidation(t *testing.T) {
	h := NewMux(newMockTracker(), testCatalog(), nil)

	req := httptest.NewRequest(http.MethodPost, "/sessions/clip/prompts/bbox", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type status=%d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/sessions/clip/prompts/bbox", `{"frame_idx":`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/sessions/clip/objects/abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad obj id status=%d", w.Code)
	}

	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	if w := do(t, h, http.MethodPost, "/sessions/clip/prompts/points", `{"frame_idx":0,"points":[[0.5,0.5]],"labels":[1]}`); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body status=%d", w.Code)
	}
}

func TestPropagateWithoutSave(t *testing.T) {
	tr := newMockTracker()
	m := protocol.NewMask(4, 4)
	m.Set(0, 0)
	tr.frames = []supervisor.FrameResult{
		{FrameIdx: 3, Mask: m, BBox: &protocol.BBox{0, 0, 0, 0}},
		{FrameIdx: 4, Mask: protocol.NewMask(4, 4)},
	}
	h := NewMux(tr, testCatalog(), nil)
	w := do(t, h, http.MethodPost, "/sessions/clip/propagate", `{"start_frame_idx":3,"max_frames":2,"include_masks":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	body := decode[types.PropagateResponse](t, w)
	if body.FramesProcessed != 2 || body.Saved != 0 || len(body.Frames) != 2 {
		t.Fatalf("unexpected %+v", body)
	}
	if body.Frames[0].BBox == nil || body.Frames[1].BBox != nil || body.Frames[0].PNGBase64 == "" {
		t.Fatalf("frame payloads %+v", body.Frames)
	}

	if w := do(t, h, http.MethodPost, "/sessions/clip/propagate", `{"max_frames":2,"save":true}`); w.Code != http.StatusNotImplemented {
		t.Fatalf("save without store status=%d", w.Code)
	}
}

func TestPropagateWithSave(t *testing.T) {
	ann := &mockAnnotator{saved: annotate.SaveResult{
		Frames: []supervisor.FrameResult{{FrameIdx: 0, Mask: protocol.NewMask(2, 2)}},
		Saved:  1,
	}}
	h := NewMux(newMockTracker(), testCatalog(), ann)
	w := do(t, h, http.MethodPost, "/sessions/clip/propagate", `{"max_frames":1,"save":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if body := decode[types.PropagateResponse](t, w); body.Saved != 1 || body.Frames[0].PNGBase64 != "" {
		t.Fatalf("unexpected %+v", body)
	}
}

func TestInjectAndRemove(t *testing.T) {
	tr := newMockTracker()
	h := NewMux(tr, testCatalog(), nil)
	m := protocol.NewMask(3, 5)
	m.Set(4, 2)
	b64, err := encodePNGBase64(m)
	if err != nil {
		t.Fatal(err)
	}
	w := do(t, h, http.MethodPost, "/sessions/clip/masks", fmt.Sprintf(`{"frame_idx":1,"obj_id":2,"png_base64":%q}`, b64))
	if w.Code != http.StatusOK {
		t.Fatalf("inject status=%d body=%s", w.Code, w.Body.String())
	}
	if got := tr.injected[0]; got.Height != 3 || got.Width != 5 || got.Area() != 1 {
		t.Fatalf("injected mask %dx%d area %d", got.Height, got.Width, got.Area())
	}
	if w := do(t, h, http.MethodPost, "/sessions/clip/masks", `{"frame_idx":1,"obj_id":2,"png_base64":"!!"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad png status=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/sessions/clip/objects/2", ""); w.Code != http.StatusOK {
		t.Fatalf("remove status=%d", w.Code)
	}
}

func TestMaskStoreRoutes(t *testing.T) {
	h := NewMux(newMockTracker(), testCatalog(), nil)
	if w := do(t, h, http.MethodGet, "/videos/clip/masks/0", ""); w.Code != http.StatusNotImplemented {
		t.Fatalf("store disabled status=%d", w.Code)
	}

	m := protocol.NewMask(2, 3)
	m.Set(1, 1)
	ann := &mockAnnotator{mask: m}
	h = NewMux(newMockTracker(), testCatalog(), ann)
	w := do(t, h, http.MethodGet, "/videos/clip/masks/4", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status=%d ct=%s", w.Code, w.Header().Get("Content-Type"))
	}
	got, err := decodePNGBase64(base64.StdEncoding.EncodeToString(w.Body.Bytes()))
	if err != nil || got.Area() != 1 || got.Width != 3 {
		t.Fatalf("png body: %+v %v", got, err)
	}
	if w := do(t, h, http.MethodGet, "/videos/clip/masks/4?format=json", ""); w.Code != http.StatusOK || decode[types.MaskResponse](t, w).FrameIdx != 4 {
		t.Fatalf("json mask")
	}
	if w := do(t, h, http.MethodDelete, "/videos/clip/frames/4", ""); w.Code != http.StatusOK || len(ann.cleared) != 1 {
		t.Fatalf("clear frame status=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/videos/clip/masks", ""); w.Code != http.StatusOK {
		t.Fatalf("clear video status=%d", w.Code)
	}
	ann.err = maskstore.ErrNotFound
	if w := do(t, h, http.MethodGet, "/videos/clip/masks/9", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing mask status=%d", w.Code)
	}
}

func TestPromptsGoThroughAnnotator(t *testing.T) {
	tr := newMockTracker()
	ann := &mockAnnotator{mask: protocol.NewMask(4, 4)}
	h := NewMux(tr, testCatalog(), ann)

	if w := do(t, h, http.MethodPost, "/sessions/clip/prompts/bbox", `{"frame_idx":1,"bbox":[0.1,0.1,0.5,0.5]}`); w.Code != http.StatusOK {
		t.Fatalf("bbox status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, "/sessions/clip/prompts/points", `{"frame_idx":1,"points":[[0.3,0.3]],"labels":[1]}`); w.Code != http.StatusOK {
		t.Fatalf("points status=%d", w.Code)
	}
	if len(ann.prompted) != 2 || len(tr.prompts) != 0 {
		t.Fatalf("annotator got %d prompts, tracker %d", len(ann.prompted), len(tr.prompts))
	}
	if bp, ok := ann.prompted[0].(supervisor.BBoxPrompt); !ok || bp.Source != "/videos/clip.mp4" {
		t.Fatalf("bbox prompt %+v", ann.prompted[0])
	}
}

func TestPromptHistoryRoutes(t *testing.T) {
	h := NewMux(newMockTracker(), testCatalog(), nil)
	if w := do(t, h, http.MethodGet, "/videos/clip/frames/1/prompts", ""); w.Code != http.StatusNotImplemented {
		t.Fatalf("store disabled status=%d", w.Code)
	}

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ann := &mockAnnotator{history: []maskstore.Prompt{
		{ID: 4, VideoID: "clip", FrameIdx: 1, Kind: maskstore.PromptBBox, Coords: []float64{0.1, 0.1, 0.5, 0.5}, CreatedAt: created},
		{ID: 5, VideoID: "clip", FrameIdx: 1, Kind: maskstore.PromptNegativePoint, Coords: []float64{0.9, 0.9}, CreatedAt: created},
	}}
	h = NewMux(newMockTracker(), testCatalog(), ann)

	w := do(t, h, http.MethodGet, "/videos/clip/frames/1/prompts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status=%d", w.Code)
	}
	list := decode[types.PromptListResponse](t, w)
	if list.FrameIdx != 1 || len(list.Prompts) != 2 || list.Prompts[1].Kind != "negative_point" || len(list.Prompts[0].Coords) != 4 {
		t.Fatalf("list = %+v", list)
	}
	if !list.Prompts[0].CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v", list.Prompts[0].CreatedAt)
	}

	w = do(t, h, http.MethodDelete, "/videos/clip/prompts/5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status=%d", w.Code)
	}
	if got := decode[types.DeletePromptResponse](t, w); got.Deleted != 5 || got.Remaining != 1 {
		t.Fatalf("delete = %+v", got)
	}
	if w := do(t, h, http.MethodDelete, "/videos/clip/prompts/abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status=%d", w.Code)
	}
	ann.err = maskstore.ErrNotFound
	if w := do(t, h, http.MethodDelete, "/videos/clip/prompts/99", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown prompt status=%d", w.Code)
	}
}
