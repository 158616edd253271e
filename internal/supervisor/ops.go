package supervisor

import (
	"context"
	"fmt"
	"sort"

	"segd/internal/protocol"
)

// InitSession opens a worker-side session for videoID, decoding source on the
// worker. A session that already exists is returned without contacting the
// worker.
func (s *Supervisor) InitSession(ctx context.Context, videoID, source string) (SessionInfo, error) {
	if videoID == "" {
		return SessionInfo{}, invalidf("empty video id")
	}
	s.mu.Lock()
	if err := s.ensureReadyLocked(); err != nil {
		s.mu.Unlock()
		return SessionInfo{}, err
	}
	if info, ok := s.sessions[videoID]; ok {
		s.mu.Unlock()
		return info.clone(), nil
	}
	if source == "" {
		s.mu.Unlock()
		return SessionInfo{}, invalidf("video %s has no source", videoID)
	}
	timeout := s.cfg.Timeouts.Init
	if !s.warmed {
		timeout = s.cfg.Timeouts.FirstInit
	}
	s.mu.Unlock()

	res, gen, err := s.roundTrip(ctx, protocol.Command{
		Type:        protocol.CmdInitSession,
		VideoID:     videoID,
		VideoSource: source,
	}, timeout)
	if err != nil {
		return SessionInfo{}, err
	}
	info := SessionInfo{VideoID: videoID, FrameCount: res.NumFrames, Height: res.Height, Width: res.Width}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return SessionInfo{}, &NotReadyError{State: s.stateLocked(), Reason: "worker restarted during session init"}
	}
	s.warmed = true
	if existing, ok := s.sessions[videoID]; ok {
		// a concurrent init won; the worker keeps a single session per video
		return existing.clone(), nil
	}
	s.sessions[videoID] = &info
	openSessions.Set(float64(len(s.sessions)))
	s.log.Info().Str("video_id", videoID).Int("frames", info.FrameCount).Int("height", info.Height).Int("width", info.Width).Msg("session opened")
	s.publish(Event{Name: EventSessionOpened, VideoID: videoID, Fields: map[string]any{"frames": info.FrameCount}})
	return info.clone(), nil
}

// GetSession returns a copy of the session for videoID.
func (s *Supervisor) GetSession(videoID string) (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[videoID]
	if !ok {
		return SessionInfo{}, false
	}
	return info.clone(), true
}

// Sessions lists open sessions ordered by video id.
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, info.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out
}

// CloseSession drops the session for videoID. It reports false when there was
// none. Worker errors are logged and swallowed; the local record is removed
// regardless.
func (s *Supervisor) CloseSession(ctx context.Context, videoID string) bool {
	s.mu.Lock()
	s.reconcileLocked()
	_, ok := s.sessions[videoID]
	if ok {
		delete(s.sessions, videoID)
		openSessions.Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if _, _, err := s.roundTrip(ctx, protocol.Command{Type: protocol.CmdCloseSession, VideoID: videoID}, s.cfg.Timeouts.Close); err != nil {
		s.log.Warn().Err(err).Str("video_id", videoID).Msg("close_session failed, dropped locally")
	}
	s.publish(Event{Name: EventSessionClosed, VideoID: videoID})
	return true
}

// ResetSession clears all prompts and tracked objects of the session. Like
// CloseSession it is best effort: the local object state is cleared even when
// the worker does not answer. It reports false when there is no session.
func (s *Supervisor) ResetSession(ctx context.Context, videoID string) bool {
	s.mu.Lock()
	s.reconcileLocked()
	info, ok := s.sessions[videoID]
	if ok {
		info.ActiveObjectID = nil
		info.HasObject = false
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if _, _, err := s.roundTrip(ctx, protocol.Command{Type: protocol.CmdResetState, VideoID: videoID}, s.cfg.Timeouts.Reset); err != nil {
		s.log.Warn().Err(err).Str("video_id", videoID).Msg("reset_state failed, cleared locally")
	}
	s.publish(Event{Name: EventSessionReset, VideoID: videoID})
	return true
}

// SubmitPrompt applies p to the frame and returns the resulting mask.
//
// A BBoxPrompt creates the session when it is missing and Source is set, and
// makes the returned object active. A PointPrompt refines the active object
// and fails with ErrPromptOrder, without contacting the worker, when no bbox
// prompt came first.
func (s *Supervisor) SubmitPrompt(ctx context.Context, videoID string, p Prompt) (protocol.Mask, error) {
	if p == nil {
		return protocol.Mask{}, invalidf("nil prompt")
	}
	if err := p.validate(); err != nil {
		return protocol.Mask{}, err
	}
	switch p := p.(type) {
	case BBoxPrompt:
		return s.submitBBox(ctx, videoID, p)
	case PointPrompt:
		return s.submitPoints(ctx, videoID, p)
	default:
		return protocol.Mask{}, invalidf("unsupported prompt %T", p)
	}
}

func (s *Supervisor) submitBBox(ctx context.Context, videoID string, p BBoxPrompt) (protocol.Mask, error) {
	if _, err := s.readySession(videoID); err != nil {
		if !IsNoSession(err) || p.Source == "" {
			return protocol.Mask{}, err
		}
		if _, err := s.InitSession(ctx, videoID, p.Source); err != nil {
			return protocol.Mask{}, err
		}
	}
	box := p.Box
	res, gen, err := s.roundTrip(ctx, protocol.Command{
		Type:     protocol.CmdAddBBoxPrompt,
		VideoID:  videoID,
		FrameIdx: protocol.Int(p.FrameIdx),
		BBox:     &box,
		Text:     p.Text,
	}, s.cfg.Timeouts.Prompt)
	if err != nil {
		return protocol.Mask{}, err
	}
	mask, err := protocol.DecodeMask(res.MaskFields)
	if err != nil {
		return protocol.Mask{}, &ProtocolError{Type: protocol.CmdAddBBoxPrompt, Msg: err.Error()}
	}
	objID := s.cfg.DefaultObjectID
	if res.ObjID != nil {
		objID = *res.ObjID
	}
	s.updateSession(gen, videoID, func(info *SessionInfo) {
		info.ActiveObjectID = protocol.Int(objID)
		info.HasObject = true
	})
	return mask, nil
}

func (s *Supervisor) submitPoints(ctx context.Context, videoID string, p PointPrompt) (protocol.Mask, error) {
	info, err := s.readySession(videoID)
	if err != nil {
		return protocol.Mask{}, err
	}
	if !info.HasObject || info.ActiveObjectID == nil {
		return protocol.Mask{}, ErrNoObject
	}
	objID := *info.ActiveObjectID

	res, _, err := s.roundTrip(ctx, protocol.Command{
		Type:     protocol.CmdAddPointPrompt,
		VideoID:  videoID,
		FrameIdx: protocol.Int(p.FrameIdx),
		Points:   p.Points,
		Labels:   p.Labels,
		ObjID:    protocol.Int(objID),
	}, s.cfg.Timeouts.Prompt)
	if err != nil {
		return protocol.Mask{}, err
	}
	mask, err := protocol.DecodeMask(res.MaskFields)
	if err != nil {
		return protocol.Mask{}, &ProtocolError{Type: protocol.CmdAddPointPrompt, Msg: err.Error()}
	}
	return mask, nil
}

// Propagate tracks the active object from req.StartFrame in req.Direction and
// returns at most req.MaxFrames results in traversal order.
func (s *Supervisor) Propagate(ctx context.Context, videoID string, req PropagateRequest) ([]FrameResult, error) {
	if req.Direction == "" {
		req.Direction = protocol.Forward
	}
	if !req.Direction.Valid() {
		return nil, invalidf("direction %q", req.Direction)
	}
	if req.StartFrame < 0 || req.MaxFrames <= 0 {
		return nil, invalidf("start frame %d, max frames %d", req.StartFrame, req.MaxFrames)
	}
	info, err := s.readySession(videoID)
	if err != nil {
		return nil, err
	}
	if !info.HasObject {
		return nil, ErrNoObject
	}
	if info.FrameCount > 0 && req.StartFrame >= info.FrameCount {
		return nil, invalidf("start frame %d beyond last frame %d", req.StartFrame, info.FrameCount-1)
	}

	res, _, err := s.roundTrip(ctx, protocol.Command{
		Type:          protocol.CmdPropagate,
		VideoID:       videoID,
		StartFrameIdx: protocol.Int(req.StartFrame),
		MaxFrames:     req.MaxFrames,
		Direction:     req.Direction,
	}, s.cfg.Timeouts.Propagate)
	if err != nil {
		return nil, err
	}
	if err := checkFrameOrder(res.Masks, req.StartFrame, req.Direction); err != nil {
		return nil, &ProtocolError{Type: protocol.CmdPropagate, Msg: err.Error()}
	}
	frames := res.Masks
	if len(frames) > req.MaxFrames {
		s.log.Debug().Int("got", len(frames)).Int("max", req.MaxFrames).Msg("truncating propagate result")
		frames = frames[:req.MaxFrames]
	}
	out := make([]FrameResult, 0, len(frames))
	for _, fm := range frames {
		mask, err := protocol.DecodeMask(fm.MaskFields)
		if err != nil {
			return nil, &ProtocolError{Type: protocol.CmdPropagate, Msg: fmt.Sprintf("frame %d: %v", fm.FrameIdx, err)}
		}
		out = append(out, FrameResult{FrameIdx: fm.FrameIdx, Mask: mask, BBox: fm.BBox})
	}
	return out, nil
}

// checkFrameOrder verifies that frames start at or past start and move
// strictly in the traversal direction.
func checkFrameOrder(frames []protocol.FrameMask, start int, dir protocol.Direction) error {
	step := 1
	if dir == protocol.Backward {
		step = -1
	}
	prev := start - step
	for i, fm := range frames {
		if (fm.FrameIdx-prev)*step <= 0 {
			return fmt.Errorf("frame %d at position %d is out of %s order (previous %d)", fm.FrameIdx, i, dir, prev)
		}
		prev = fm.FrameIdx
	}
	return nil
}

// RemoveObject deletes an object from the session's tracking state. Removing
// the active object leaves the session without one.
func (s *Supervisor) RemoveObject(ctx context.Context, videoID string, objID int) error {
	if _, err := s.readySession(videoID); err != nil {
		return err
	}
	_, gen, err := s.roundTrip(ctx, protocol.Command{
		Type:    protocol.CmdRemoveObject,
		VideoID: videoID,
		ObjID:   protocol.Int(objID),
	}, s.cfg.Timeouts.Default)
	if err != nil {
		return err
	}
	s.updateSession(gen, videoID, func(info *SessionInfo) {
		if info.ActiveObjectID != nil && *info.ActiveObjectID == objID {
			info.ActiveObjectID = nil
			info.HasObject = false
		}
	})
	return nil
}

// InjectMask seeds the tracker with a known mask for objID on one frame, for
// example one drawn or corrected by hand. The object becomes active.
func (s *Supervisor) InjectMask(ctx context.Context, videoID string, frameIdx, objID int, mask protocol.Mask) error {
	info, err := s.readySession(videoID)
	if err != nil {
		return err
	}
	if frameIdx < 0 || (info.FrameCount > 0 && frameIdx >= info.FrameCount) {
		return invalidf("frame index %d", frameIdx)
	}
	if _, err := protocol.DecodeMask(mask.Fields()); err != nil {
		return invalidf("mask: %v", err)
	}
	if info.Height > 0 && (mask.Height != info.Height || mask.Width != info.Width) {
		return invalidf("mask is %dx%d, video is %dx%d", mask.Height, mask.Width, info.Height, info.Width)
	}
	_, gen, err := s.roundTrip(ctx, protocol.Command{
		Type:       protocol.CmdInjectMask,
		VideoID:    videoID,
		FrameIdx:   protocol.Int(frameIdx),
		ObjID:      protocol.Int(objID),
		MaskFields: mask.Fields(),
	}, s.cfg.Timeouts.Default)
	if err != nil {
		return err
	}
	s.updateSession(gen, videoID, func(info *SessionInfo) {
		info.ActiveObjectID = protocol.Int(objID)
		info.HasObject = true
	})
	return nil
}

// readySession checks the command precondition, then looks up the session.
func (s *Supervisor) readySession(videoID string) (SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReadyLocked(); err != nil {
		return SessionInfo{}, err
	}
	info, ok := s.sessions[videoID]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w %s", ErrNoSession, videoID)
	}
	return info.clone(), nil
}

// updateSession applies fn to the session if the worker that produced the
// change is still the current one and the session was not closed meanwhile.
func (s *Supervisor) updateSession(gen uint64, videoID string, fn func(*SessionInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if info, ok := s.sessions[videoID]; ok {
		fn(info)
	}
}

func (s *Supervisor) clearSessionsLocked() {
	if len(s.sessions) > 0 {
		s.log.Info().Int("sessions", len(s.sessions)).Msg("clearing session registry")
	}
	clear(s.sessions)
	openSessions.Set(0)
}
