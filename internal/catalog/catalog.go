// Package catalog maps video ids to files in the videos directory. The id of
// a video is its file name without extension.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"segd/internal/common/fsutil"
	"segd/pkg/types"
)

// Extensions lists the file suffixes treated as videos (lower case).
var Extensions = []string{".mp4", ".mov", ".avi", ".mkv", ".webm"}

// Catalog is a rescannable index of a videos directory.
type Catalog struct {
	dir string

	mu     sync.RWMutex
	videos map[string]types.Video
}

// New resolves dir and performs the first scan.
func New(dir string) (*Catalog, error) {
	abs, err := fsutil.Resolve(dir)
	if err != nil {
		return nil, err
	}
	c := &Catalog{dir: abs}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the scanned directory.
func (c *Catalog) Dir() string { return c.dir }

// Refresh rescans the directory. On error the previous index is kept.
func (c *Catalog) Refresh() error {
	videos, err := ScanDir(c.dir)
	if err != nil {
		return err
	}
	idx := make(map[string]types.Video, len(videos))
	for _, v := range videos {
		idx[v.ID] = v
	}
	c.mu.Lock()
	c.videos = idx
	c.mu.Unlock()
	return nil
}

// Lookup returns the video with the given id.
func (c *Catalog) Lookup(id string) (types.Video, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.videos[id]
	return v, ok
}

// List returns all videos sorted by id.
func (c *Catalog) List() []types.Video {
	c.mu.RLock()
	out := make([]types.Video, 0, len(c.videos))
	for _, v := range c.videos {
		out = append(out, v)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScanDir lists the video files directly inside dir. When two files share a
// stem (clip.mp4, clip.mov) the first in name order keeps the stem as id and
// the others use their full file name.
func ScanDir(dir string) ([]types.Video, error) {
	base, err := fsutil.Resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var videos []types.Video
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !isVideo(e.Name()) {
			continue
		}
		name := e.Name()
		id := strings.TrimSuffix(name, filepath.Ext(name))
		if id == "" || seen[id] {
			id = name
		}
		seen[id] = true
		v := types.Video{ID: id, Name: name, Path: filepath.Join(base, name)}
		if info, err := e.Info(); err == nil {
			v.SizeBytes = info.Size()
		}
		videos = append(videos, v)
	}
	return videos, nil
}

func isVideo(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
