// Package annotate connects tracking results to persistent annotation
// storage: it runs prompts and propagation on the supervisor, keeps the
// prompt history of every frame and writes every returned mask to a
// MaskStore.
package annotate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"segd/internal/maskstore"
	"segd/internal/protocol"
	"segd/internal/supervisor"
)

// MaskStore receives per-frame annotation output.
type MaskStore interface {
	SaveMask(ctx context.Context, videoID string, frameIdx int, m protocol.Mask) error
	SaveBBox(ctx context.Context, videoID string, frameIdx int, b protocol.BBox) error
	MarkFrameType(ctx context.Context, videoID string, frameIdx int, kind string) error
	LoadMask(ctx context.Context, videoID string, frameIdx int) (protocol.Mask, error)
	DeleteMask(ctx context.Context, videoID string, frameIdx int) error
	ClearFrame(ctx context.Context, videoID string, frameIdx int) error
	DeleteVideo(ctx context.Context, videoID string) error

	AddPrompt(ctx context.Context, p maskstore.Prompt) (maskstore.Prompt, error)
	ListPrompts(ctx context.Context, videoID string, frameIdx int) ([]maskstore.Prompt, error)
	GetPrompt(ctx context.Context, videoID string, id int64) (maskstore.Prompt, error)
	DeletePrompt(ctx context.Context, videoID string, id int64) error
}

// Tracker is the part of the supervisor the service drives.
type Tracker interface {
	SubmitPrompt(ctx context.Context, videoID string, p supervisor.Prompt) (protocol.Mask, error)
	Propagate(ctx context.Context, videoID string, req supervisor.PropagateRequest) ([]supervisor.FrameResult, error)
	GetSession(videoID string) (supervisor.SessionInfo, bool)
	ResetSession(ctx context.Context, videoID string) bool
}

var (
	_ MaskStore = (*maskstore.Store)(nil)
	_ Tracker   = (*supervisor.Supervisor)(nil)
)

// Service persists tracking output.
type Service struct {
	tracker Tracker
	store   MaskStore
	log     zerolog.Logger
}

// New returns a Service. A nil logger disables logging.
func New(tracker Tracker, store MaskStore, log *zerolog.Logger) *Service {
	s := &Service{tracker: tracker, store: store, log: zerolog.Nop()}
	if log != nil {
		s.log = log.With().Str("component", "annotate").Logger()
	}
	return s
}

// SaveResult summarizes a PropagateAndSave call.
type SaveResult struct {
	Frames []supervisor.FrameResult
	Saved  int
	BBoxes int
}

// PropagateAndSave propagates the tracked object of videoID and stores every
// returned frame: its mask, its bbox when the worker reported one, and the
// frame type "train". A store failure stops at the failing frame; frames
// already written stay written.
func (s *Service) PropagateAndSave(ctx context.Context, videoID string, req supervisor.PropagateRequest) (SaveResult, error) {
	frames, err := s.tracker.Propagate(ctx, videoID, req)
	if err != nil {
		return SaveResult{}, err
	}
	out := SaveResult{Frames: frames}
	for _, f := range frames {
		if err := s.store.SaveMask(ctx, videoID, f.FrameIdx, f.Mask); err != nil {
			return out, fmt.Errorf("frame %d: %w", f.FrameIdx, err)
		}
		if f.BBox != nil {
			if err := s.store.SaveBBox(ctx, videoID, f.FrameIdx, *f.BBox); err != nil {
				return out, fmt.Errorf("frame %d: %w", f.FrameIdx, err)
			}
			out.BBoxes++
		}
		if err := s.store.MarkFrameType(ctx, videoID, f.FrameIdx, maskstore.FrameTrain); err != nil {
			return out, fmt.Errorf("frame %d: %w", f.FrameIdx, err)
		}
		out.Saved++
	}
	s.log.Info().Str("video_id", videoID).Str("direction", string(req.Direction)).
		Int("start", req.StartFrame).Int("saved", out.Saved).Int("bboxes", out.BBoxes).Msg("propagation saved")
	return out, nil
}

// Mask returns the stored mask of a frame. A frame without a stored mask
// yields an all-zero mask sized like the video when its session is open.
func (s *Service) Mask(ctx context.Context, videoID string, frameIdx int) (protocol.Mask, error) {
	m, err := s.store.LoadMask(ctx, videoID, frameIdx)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, maskstore.ErrNotFound) {
		return protocol.Mask{}, err
	}
	info, ok := s.tracker.GetSession(videoID)
	if !ok {
		return protocol.Mask{}, err
	}
	if frameIdx < 0 || frameIdx >= info.FrameCount {
		return protocol.Mask{}, fmt.Errorf("frame %d outside [0, %d)", frameIdx, info.FrameCount)
	}
	return protocol.NewMask(info.Height, info.Width), nil
}

// ClearFrame removes the stored output and the prompt history of one frame.
// Tracking state is not touched.
func (s *Service) ClearFrame(ctx context.Context, videoID string, frameIdx int) error {
	return s.store.ClearFrame(ctx, videoID, frameIdx)
}

// ClearVideo removes all stored output for videoID and resets its tracking
// state when a session is open.
func (s *Service) ClearVideo(ctx context.Context, videoID string) error {
	if err := s.store.DeleteVideo(ctx, videoID); err != nil {
		return err
	}
	if s.tracker.ResetSession(ctx, videoID) {
		s.log.Debug().Str("video_id", videoID).Msg("tracking state reset")
	}
	return nil
}

// Prompt submits p to the tracker. On success the prompt is appended to the
// history of its frame and the returned mask is stored for that frame.
func (s *Service) Prompt(ctx context.Context, videoID string, p supervisor.Prompt) (protocol.Mask, error) {
	m, err := s.tracker.SubmitPrompt(ctx, videoID, p)
	if err != nil {
		return protocol.Mask{}, err
	}
	frameIdx, records := historyOf(videoID, p)
	for _, rec := range records {
		if _, err := s.store.AddPrompt(ctx, rec); err != nil {
			return m, fmt.Errorf("frame %d: %w", frameIdx, err)
		}
	}
	if m.Height > 0 && m.Width > 0 {
		if err := s.store.SaveMask(ctx, videoID, frameIdx, m); err != nil {
			return m, fmt.Errorf("frame %d: %w", frameIdx, err)
		}
	}
	s.log.Debug().Str("video_id", videoID).Int("frame_idx", frameIdx).Int("recorded", len(records)).Msg("prompt recorded")
	return m, nil
}

// Prompts lists the recorded prompts of a frame, oldest first.
func (s *Service) Prompts(ctx context.Context, videoID string, frameIdx int) ([]maskstore.Prompt, error) {
	return s.store.ListPrompts(ctx, videoID, frameIdx)
}

// DeletePrompt removes one recorded prompt and rebuilds its frame from the
// prompts that remain: the session is reset and they are applied again in
// order. Points recorded before the first remaining bbox have no object to
// refine and are kept but not applied. When nothing is applied the stored
// mask of the frame is dropped. Without an open session only the record is
// removed. It returns the number of prompts left on the frame.
func (s *Service) DeletePrompt(ctx context.Context, videoID string, id int64) (int, error) {
	p, err := s.store.GetPrompt(ctx, videoID, id)
	if err != nil {
		return 0, err
	}
	if err := s.store.DeletePrompt(ctx, videoID, id); err != nil {
		return 0, err
	}
	rest, err := s.store.ListPrompts(ctx, videoID, p.FrameIdx)
	if err != nil {
		return 0, err
	}
	if !s.tracker.ResetSession(ctx, videoID) {
		s.log.Debug().Str("video_id", videoID).Int64("prompt_id", id).Msg("prompt deleted without open session")
		return len(rest), nil
	}

	var (
		last    protocol.Mask
		applied int
	)
	for _, sp := range replayable(p.FrameIdx, rest) {
		m, err := s.tracker.SubmitPrompt(ctx, videoID, sp)
		if err != nil {
			return len(rest), fmt.Errorf("re-apply frame %d: %w", p.FrameIdx, err)
		}
		last = m
		applied++
	}
	if applied == 0 || last.Height == 0 {
		if err := s.store.DeleteMask(ctx, videoID, p.FrameIdx); err != nil {
			return len(rest), err
		}
	} else if err := s.store.SaveMask(ctx, videoID, p.FrameIdx, last); err != nil {
		return len(rest), fmt.Errorf("frame %d: %w", p.FrameIdx, err)
	}
	s.log.Info().Str("video_id", videoID).Int64("prompt_id", id).Int("frame_idx", p.FrameIdx).
		Int("remaining", len(rest)).Int("applied", applied).Msg("prompt deleted")
	return len(rest), nil
}

// historyOf converts p to the records kept for it. A point prompt yields one
// record per point.
func historyOf(videoID string, p supervisor.Prompt) (int, []maskstore.Prompt) {
	switch p := p.(type) {
	case supervisor.BBoxPrompt:
		return p.FrameIdx, []maskstore.Prompt{{
			VideoID: videoID, FrameIdx: p.FrameIdx, Kind: maskstore.PromptBBox,
			Coords: []float64{p.Box[0], p.Box[1], p.Box[2], p.Box[3]},
		}}
	case supervisor.PointPrompt:
		out := make([]maskstore.Prompt, 0, len(p.Points))
		for i, pt := range p.Points {
			kind := maskstore.PromptNegativePoint
			if i < len(p.Labels) && p.Labels[i] == 1 {
				kind = maskstore.PromptPositivePoint
			}
			out = append(out, maskstore.Prompt{VideoID: videoID, FrameIdx: p.FrameIdx, Kind: kind, Coords: []float64{pt[0], pt[1]}})
		}
		return p.FrameIdx, out
	}
	return 0, nil
}

// replayable turns recorded prompts back into tracker prompts. Consecutive
// points are merged into one PointPrompt.
func replayable(frameIdx int, recs []maskstore.Prompt) []supervisor.Prompt {
	var (
		out    []supervisor.Prompt
		points *supervisor.PointPrompt
		boxed  bool
	)
	flush := func() {
		if points != nil {
			out = append(out, *points)
			points = nil
		}
	}
	for _, r := range recs {
		switch r.Kind {
		case maskstore.PromptBBox:
			if len(r.Coords) != 4 {
				continue
			}
			flush()
			out = append(out, supervisor.BBoxPrompt{FrameIdx: frameIdx, Box: protocol.BBox{r.Coords[0], r.Coords[1], r.Coords[2], r.Coords[3]}})
			boxed = true
		case maskstore.PromptPositivePoint, maskstore.PromptNegativePoint:
			if !boxed || len(r.Coords) != 2 {
				continue
			}
			if points == nil {
				points = &supervisor.PointPrompt{FrameIdx: frameIdx}
			}
			label := 0
			if r.Kind == maskstore.PromptPositivePoint {
				label = 1
			}
			points.Points = append(points.Points, [2]float64{r.Coords[0], r.Coords[1]})
			points.Labels = append(points.Labels, label)
		}
	}
	flush()
	return out
}
