package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"segd/internal/protocol"
)

// Synthetic is a model stand-in that needs no GPU. Every video has Frames
// frames of Height x Width pixels. An object is a rectangle; propagation
// shifts it one pixel right per frame away from the prompted frame.
type Synthetic struct {
	Frames    int
	Height    int
	Width     int
	LoadDelay time.Duration
	// LoadError makes LoadModel fail with this text.
	LoadError string

	mu       sync.Mutex
	sessions map[string]*synthSession
}

type synthObject struct {
	frame int
	box   [4]int // x1, y1, x2, y2 inclusive
}

type synthSession struct {
	objects map[int]*synthObject
	active  int
	nextID  int
}

func (s *Synthetic) LoadModel(ctx context.Context) error {
	if s.LoadDelay > 0 {
		t := time.NewTimer(s.LoadDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.LoadError != "" {
		return errors.New(s.LoadError)
	}
	if s.Frames <= 0 || s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("invalid synthetic geometry %d frames of %dx%d", s.Frames, s.Height, s.Width)
	}
	s.mu.Lock()
	s.sessions = make(map[string]*synthSession)
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) Handle(_ context.Context, cmd protocol.Command) (protocol.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd.Type {
	case protocol.CmdInitSession:
		if cmd.VideoSource == "" {
			return protocol.Result{}, fmt.Errorf("video %s: no source", cmd.VideoID)
		}
		if _, ok := s.sessions[cmd.VideoID]; !ok {
			s.sessions[cmd.VideoID] = &synthSession{objects: make(map[int]*synthObject), nextID: 1}
		}
		return protocol.Result{VideoID: cmd.VideoID, NumFrames: s.Frames, Height: s.Height, Width: s.Width}, nil
	case protocol.CmdCloseSession:
		delete(s.sessions, cmd.VideoID)
		return protocol.Result{VideoID: cmd.VideoID}, nil
	case protocol.CmdResetState:
		if sess, ok := s.sessions[cmd.VideoID]; ok {
			sess.objects = make(map[int]*synthObject)
			sess.active = 0
		}
		return protocol.Result{VideoID: cmd.VideoID}, nil
	}

	sess, ok := s.sessions[cmd.VideoID]
	if !ok {
		return protocol.Result{}, fmt.Errorf("no session for video %s", cmd.VideoID)
	}
	switch cmd.Type {
	case protocol.CmdAddBBoxPrompt:
		return s.addBBox(sess, cmd)
	case protocol.CmdAddPointPrompt:
		return s.addPoints(sess, cmd)
	case protocol.CmdPropagate:
		return s.propagate(sess, cmd)
	case protocol.CmdRemoveObject:
		if cmd.ObjID == nil {
			return protocol.Result{}, fmt.Errorf("obj_id required")
		}
		delete(sess.objects, *cmd.ObjID)
		if sess.active == *cmd.ObjID {
			sess.active = 0
		}
		return protocol.Result{VideoID: cmd.VideoID, ObjID: cmd.ObjID}, nil
	case protocol.CmdInjectMask:
		return s.injectMask(sess, cmd)
	}
	return protocol.Result{}, fmt.Errorf("unsupported command %s", cmd.Type)
}

func (s *Synthetic) frame(p *int) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("frame_idx required")
	}
	if *p < 0 || *p >= s.Frames {
		return 0, fmt.Errorf("frame %d out of range [0,%d)", *p, s.Frames)
	}
	return *p, nil
}

func (s *Synthetic) addBBox(sess *synthSession, cmd protocol.Command) (protocol.Result, error) {
	f, err := s.frame(cmd.FrameIdx)
	if err != nil {
		return protocol.Result{}, err
	}
	if cmd.BBox == nil {
		return protocol.Result{}, fmt.Errorf("bbox required")
	}
	b := *cmd.BBox
	obj := &synthObject{frame: f, box: [4]int{s.px(b[0], s.Width), s.px(b[1], s.Height), s.px(b[2], s.Width), s.px(b[3], s.Height)}}
	id := sess.nextID
	sess.nextID++
	sess.objects[id] = obj
	sess.active = id
	return protocol.Result{VideoID: cmd.VideoID, ObjID: protocol.Int(id), MaskFields: s.render(obj.box, 0).Fields()}, nil
}

func (s *Synthetic) addPoints(sess *synthSession, cmd protocol.Command) (protocol.Result, error) {
	f, err := s.frame(cmd.FrameIdx)
	if err != nil {
		return protocol.Result{}, err
	}
	id := sess.active
	if cmd.ObjID != nil {
		id = *cmd.ObjID
	}
	obj, ok := sess.objects[id]
	if !ok {
		return protocol.Result{}, fmt.Errorf("object %d not tracked, add a bbox prompt first", id)
	}
	if len(cmd.Points) != len(cmd.Labels) {
		return protocol.Result{}, fmt.Errorf("%d points but %d labels", len(cmd.Points), len(cmd.Labels))
	}
	// positive clicks grow the rectangle to include them
	for i, pt := range cmd.Points {
		if cmd.Labels[i] != 1 {
			continue
		}
		x, y := s.px(pt[0], s.Width), s.px(pt[1], s.Height)
		obj.box[0], obj.box[1] = min(obj.box[0], x), min(obj.box[1], y)
		obj.box[2], obj.box[3] = max(obj.box[2], x), max(obj.box[3], y)
	}
	obj.frame = f
	return protocol.Result{VideoID: cmd.VideoID, ObjID: protocol.Int(id), MaskFields: s.render(obj.box, 0).Fields()}, nil
}

func (s *Synthetic) propagate(sess *synthSession, cmd protocol.Command) (protocol.Result, error) {
	obj, ok := sess.objects[sess.active]
	if !ok {
		return protocol.Result{}, fmt.Errorf("no tracked object")
	}
	start, err := s.frame(cmd.StartFrameIdx)
	if err != nil {
		return protocol.Result{}, err
	}
	step := 1
	if cmd.Direction == protocol.Backward {
		step = -1
	}
	var masks []protocol.FrameMask
	for f := start; f >= 0 && f < s.Frames; f += step {
		if cmd.MaxFrames > 0 && len(masks) >= cmd.MaxFrames {
			break
		}
		m := s.render(obj.box, f-obj.frame)
		fm := protocol.FrameMask{FrameIdx: f, MaskFields: m.Fields()}
		if b, ok := m.Bounds(); ok {
			fm.BBox = &b
		}
		masks = append(masks, fm)
	}
	return protocol.Result{VideoID: cmd.VideoID, Masks: masks}, nil
}

func (s *Synthetic) injectMask(sess *synthSession, cmd protocol.Command) (protocol.Result, error) {
	f, err := s.frame(cmd.FrameIdx)
	if err != nil {
		return protocol.Result{}, err
	}
	if cmd.ObjID == nil {
		return protocol.Result{}, fmt.Errorf("obj_id required")
	}
	m, err := protocol.DecodeMask(cmd.MaskFields)
	if err != nil {
		return protocol.Result{}, err
	}
	if m.Height != s.Height || m.Width != s.Width {
		return protocol.Result{}, fmt.Errorf("mask is %dx%d, video is %dx%d", m.Height, m.Width, s.Height, s.Width)
	}
	b, ok := m.Bounds()
	if !ok {
		return protocol.Result{}, fmt.Errorf("mask is empty")
	}
	sess.objects[*cmd.ObjID] = &synthObject{frame: f, box: [4]int{int(b[0]), int(b[1]), int(b[2]), int(b[3])}}
	sess.active = *cmd.ObjID
	if *cmd.ObjID >= sess.nextID {
		sess.nextID = *cmd.ObjID + 1
	}
	return protocol.Result{VideoID: cmd.VideoID, ObjID: cmd.ObjID}, nil
}

// px maps a normalized coordinate to a pixel index in [0, size).
func (s *Synthetic) px(v float64, size int) int {
	p := int(math.Round(v * float64(size-1)))
	return min(max(p, 0), size-1)
}

func (s *Synthetic) render(box [4]int, shift int) protocol.Mask {
	m := protocol.NewMask(s.Height, s.Width)
	for y := box[1]; y <= box[3]; y++ {
		for x := box[0] + shift; x <= box[2]+shift; x++ {
			m.Set(x, y)
		}
	}
	return m
}
