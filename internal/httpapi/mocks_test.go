package httpapi

import (
	"context"
	"sync"

	"segd/internal/annotate"
	"segd/internal/maskstore"
	"segd/internal/protocol"
	"segd/internal/supervisor"
	"segd/pkg/types"
)

// mockTracker returns canned values; err, when set, fails every operation.
type mockTracker struct {
	mu       sync.Mutex
	status   supervisor.Status
	sessions map[string]supervisor.SessionInfo
	mask     protocol.Mask
	frames   []supervisor.FrameResult
	err      error

	prompts  []supervisor.Prompt
	injected []protocol.Mask
	inits    []string
	loads    int
}

func newMockTracker() *mockTracker {
	return &mockTracker{
		status:   supervisor.Status{State: supervisor.StateReady},
		sessions: map[string]supervisor.SessionInfo{},
		mask:     protocol.NewMask(4, 4),
	}
}

func (m *mockTracker) Status() supervisor.Status { return m.status }
func (m *mockTracker) Ready() bool               { return m.status.State == supervisor.StateReady }

func (m *mockTracker) StartLoading(context.Context) error {
	m.loads++
	if m.err != nil {
		return m.err
	}
	m.status.State = supervisor.StateLoading
	return nil
}

func (m *mockTracker) InitSession(_ context.Context, videoID, source string) (supervisor.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits = append(m.inits, source)
	if m.err != nil {
		return supervisor.SessionInfo{}, m.err
	}
	info := supervisor.SessionInfo{VideoID: videoID, FrameCount: 10, Height: 4, Width: 4}
	m.sessions[videoID] = info
	return info, nil
}

func (m *mockTracker) GetSession(videoID string) (supervisor.SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[videoID]
	return info, ok
}

func (m *mockTracker) Sessions() []supervisor.SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []supervisor.SessionInfo
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *mockTracker) CloseSession(_ context.Context, videoID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[videoID]
	delete(m.sessions, videoID)
	return ok
}

func (m *mockTracker) ResetSession(_ context.Context, videoID string) bool {
	_, ok := m.GetSession(videoID)
	return ok
}

func (m *mockTracker) SubmitPrompt(_ context.Context, _ string, p supervisor.Prompt) (protocol.Mask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, p)
	if m.err != nil {
		return protocol.Mask{}, m.err
	}
	return m.mask, nil
}

func (m *mockTracker) Propagate(context.Context, string, supervisor.PropagateRequest) ([]supervisor.FrameResult, error) {
	return m.frames, m.err
}

func (m *mockTracker) RemoveObject(context.Context, string, int) error { return m.err }

func (m *mockTracker) InjectMask(_ context.Context, _ string, _, _ int, mask protocol.Mask) error {
	m.injected = append(m.injected, mask)
	return m.err
}

type mockCatalog struct {
	videos    []types.Video
	refreshes int
}

func (c *mockCatalog) List() []types.Video { return append([]types.Video(nil), c.videos...) }

func (c *mockCatalog) Lookup(id string) (types.Video, bool) {
	for _, v := range c.videos {
		if v.ID == id {
			return v, true
		}
	}
	return types.Video{}, false
}

func (c *mockCatalog) Refresh() error { c.refreshes++; return nil }

type mockAnnotator struct {
	saved   annotate.SaveResult
	mask    protocol.Mask
	err     error
	cleared []int

	prompted []supervisor.Prompt
	history  []maskstore.Prompt
	deleted  []int64
}

func (a *mockAnnotator) Prompt(_ context.Context, _ string, p supervisor.Prompt) (protocol.Mask, error) {
	a.prompted = append(a.prompted, p)
	return a.mask, a.err
}

func (a *mockAnnotator) Prompts(context.Context, string, int) ([]maskstore.Prompt, error) {
	return a.history, a.err
}

func (a *mockAnnotator) DeletePrompt(_ context.Context, _ string, id int64) (int, error) {
	if a.err != nil {
		return 0, a.err
	}
	a.deleted = append(a.deleted, id)
	return len(a.history) - len(a.deleted), nil
}

func (a *mockAnnotator) PropagateAndSave(context.Context, string, supervisor.PropagateRequest) (annotate.SaveResult, error) {
	return a.saved, a.err
}

func (a *mockAnnotator) Mask(context.Context, string, int) (protocol.Mask, error) { return a.mask, a.err }

func (a *mockAnnotator) ClearFrame(_ context.Context, _ string, frameIdx int) error {
	a.cleared = append(a.cleared, frameIdx)
	return a.err
}

func (a *mockAnnotator) ClearVideo(context.Context, string) error { return a.err }
