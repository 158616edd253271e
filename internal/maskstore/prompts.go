package maskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Prompt kinds recorded by AddPrompt.
const (
	PromptBBox          = "bbox"
	PromptPositivePoint = "positive_point"
	PromptNegativePoint = "negative_point"
)

// Prompt is one recorded user prompt on a frame. Coords holds x1, y1, x2, y2
// for a bbox and x, y for a point, in normalized [0, 1] coordinates.
type Prompt struct {
	ID        int64
	VideoID   string
	FrameIdx  int
	Kind      string
	Coords    []float64
	CreatedAt time.Time
}

// AddPrompt records p and returns it with ID and CreatedAt filled in.
func (s *Store) AddPrompt(ctx context.Context, p Prompt) (Prompt, error) {
	ctx = ensureContext(ctx)
	var x2, y2 sql.NullFloat64
	switch p.Kind {
	case PromptBBox:
		if len(p.Coords) != 4 {
			return Prompt{}, fmt.Errorf("add prompt: bbox needs 4 coordinates, got %d", len(p.Coords))
		}
		x2 = sql.NullFloat64{Float64: p.Coords[2], Valid: true}
		y2 = sql.NullFloat64{Float64: p.Coords[3], Valid: true}
	case PromptPositivePoint, PromptNegativePoint:
		if len(p.Coords) != 2 {
			return Prompt{}, fmt.Errorf("add prompt: point needs 2 coordinates, got %d", len(p.Coords))
		}
	default:
		return Prompt{}, fmt.Errorf("add prompt: unknown kind %q", p.Kind)
	}
	created := time.Now().UTC()
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO prompts (video_id, frame_idx, kind, x1, y1, x2, y2, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.VideoID, p.FrameIdx, p.Kind, p.Coords[0], p.Coords[1], x2, y2, created.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		p.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Prompt{}, fmt.Errorf("add prompt: %w", err)
	}
	p.CreatedAt = created
	return p, nil
}

// ListPrompts returns the prompts of one frame in the order they were added.
func (s *Store) ListPrompts(ctx context.Context, videoID string, frameIdx int) ([]Prompt, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, video_id, frame_idx, kind, x1, y1, x2, y2, created_at
		FROM prompts WHERE video_id = ? AND frame_idx = ? ORDER BY id`, videoID, frameIdx)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()
	var out []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPrompt returns prompt id of videoID, or ErrNotFound.
func (s *Store) GetPrompt(ctx context.Context, videoID string, id int64) (Prompt, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, video_id, frame_idx, kind, x1, y1, x2, y2, created_at
		FROM prompts WHERE video_id = ? AND id = ?`, videoID, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Prompt{}, ErrNotFound
	}
	return p, err
}

// DeletePrompt removes prompt id of videoID. It returns ErrNotFound when no
// such prompt exists.
func (s *Store) DeletePrompt(ctx context.Context, videoID string, id int64) error {
	ctx = ensureContext(ctx)
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM prompts WHERE video_id = ? AND id = ?`, videoID, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrompt(r rowScanner) (Prompt, error) {
	var (
		p       Prompt
		x1, y1  float64
		x2, y2  sql.NullFloat64
		created string
	)
	if err := r.Scan(&p.ID, &p.VideoID, &p.FrameIdx, &p.Kind, &x1, &y1, &x2, &y2, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Prompt{}, err
		}
		return Prompt{}, fmt.Errorf("scan prompt: %w", err)
	}
	p.Coords = []float64{x1, y1}
	if x2.Valid && y2.Valid {
		p.Coords = append(p.Coords, x2.Float64, y2.Float64)
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Prompt{}, fmt.Errorf("parse prompt time: %w", err)
	}
	p.CreatedAt = t
	return p, nil
}
