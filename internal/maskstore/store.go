// Package maskstore persists annotation output: per-frame masks, bounding
// boxes, frame types and the prompts that produced them, keyed by video id
// and frame index. Masks are stored
// zstd-compressed in a SQLite database.
package maskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"segd/internal/common/fsutil"
	"segd/internal/protocol"
)

// Frame types recorded by MarkFrameType.
const (
	FrameTrain = "train"
	FrameVal   = "val"
	FrameSkip  = "skip"
)

// ErrNotFound is returned by the Load helpers when nothing is stored for the key.
var ErrNotFound = errors.New("maskstore: not found")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// EncodeAll/DecodeAll are safe for concurrent use on a shared coder.
var (
	blobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	blobDecoder, _ = zstd.NewReader(nil)
)

// Store is a SQLite-backed mask store.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path, creating parent directories.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("maskstore: empty path")
	}
	if err := fsutil.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs op until it succeeds, fails with a non-busy error, the
// attempts are exhausted or ctx ends.
func retryOnBusy(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = busyRetryInitialBackoff
	b.MaxInterval = busyRetryMaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, busyRetryAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isSQLiteBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// SaveMask stores m for (videoID, frameIdx), replacing any previous mask.
func (s *Store) SaveMask(ctx context.Context, videoID string, frameIdx int, m protocol.Mask) error {
	if videoID == "" || frameIdx < 0 {
		return fmt.Errorf("save mask: invalid key %q/%d", videoID, frameIdx)
	}
	if _, err := protocol.DecodeMask(m.Fields()); err != nil {
		return fmt.Errorf("save mask: %w", err)
	}
	blob := blobEncoder.EncodeAll(m.Data, make([]byte, 0, len(m.Data)/8+64))
	err := s.execWithRetry(ctx, `INSERT INTO masks (video_id, frame_idx, height, width, dtype, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id, frame_idx) DO UPDATE SET
			height = excluded.height, width = excluded.width, dtype = excluded.dtype,
			data = excluded.data, updated_at = excluded.updated_at`,
		videoID, frameIdx, m.Height, m.Width, m.DType, blob, now())
	if err != nil {
		return fmt.Errorf("save mask: %w", err)
	}
	return nil
}

// LoadMask returns the mask stored for (videoID, frameIdx).
func (s *Store) LoadMask(ctx context.Context, videoID string, frameIdx int) (protocol.Mask, error) {
	ctx = ensureContext(ctx)
	var (
		m    protocol.Mask
		blob []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT height, width, dtype, data FROM masks WHERE video_id = ? AND frame_idx = ?`,
		videoID, frameIdx,
	).Scan(&m.Height, &m.Width, &m.DType, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Mask{}, ErrNotFound
	}
	if err != nil {
		return protocol.Mask{}, fmt.Errorf("load mask: %w", err)
	}
	m.Data, err = blobDecoder.DecodeAll(blob, nil)
	if err != nil {
		return protocol.Mask{}, fmt.Errorf("decompress mask %s/%d: %w", videoID, frameIdx, err)
	}
	if _, err := protocol.DecodeMask(m.Fields()); err != nil {
		return protocol.Mask{}, fmt.Errorf("stored mask %s/%d: %w", videoID, frameIdx, err)
	}
	return m, nil
}

// SaveBBox stores the pixel bounding box for (videoID, frameIdx).
func (s *Store) SaveBBox(ctx context.Context, videoID string, frameIdx int, b protocol.BBox) error {
	if videoID == "" || frameIdx < 0 {
		return fmt.Errorf("save bbox: invalid key %q/%d", videoID, frameIdx)
	}
	err := s.execWithRetry(ctx, `INSERT INTO bboxes (video_id, frame_idx, x1, y1, x2, y2, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id, frame_idx) DO UPDATE SET
			x1 = excluded.x1, y1 = excluded.y1, x2 = excluded.x2, y2 = excluded.y2,
			updated_at = excluded.updated_at`,
		videoID, frameIdx, b[0], b[1], b[2], b[3], now())
	if err != nil {
		return fmt.Errorf("save bbox: %w", err)
	}
	return nil
}

// LoadBBox returns the bounding box stored for (videoID, frameIdx).
func (s *Store) LoadBBox(ctx context.Context, videoID string, frameIdx int) (protocol.BBox, error) {
	ctx = ensureContext(ctx)
	var b protocol.BBox
	err := s.db.QueryRowContext(ctx,
		`SELECT x1, y1, x2, y2 FROM bboxes WHERE video_id = ? AND frame_idx = ?`,
		videoID, frameIdx,
	).Scan(&b[0], &b[1], &b[2], &b[3])
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.BBox{}, ErrNotFound
	}
	if err != nil {
		return protocol.BBox{}, fmt.Errorf("load bbox: %w", err)
	}
	return b, nil
}

// MarkFrameType records how a frame is used downstream.
func (s *Store) MarkFrameType(ctx context.Context, videoID string, frameIdx int, kind string) error {
	switch kind {
	case FrameTrain, FrameVal, FrameSkip:
	default:
		return fmt.Errorf("mark frame type: unknown kind %q", kind)
	}
	err := s.execWithRetry(ctx, `INSERT INTO frame_types (video_id, frame_idx, kind, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(video_id, frame_idx) DO UPDATE SET kind = excluded.kind, updated_at = excluded.updated_at`,
		videoID, frameIdx, kind, now())
	if err != nil {
		return fmt.Errorf("mark frame type: %w", err)
	}
	return nil
}

// FrameType returns the recorded kind of a frame.
func (s *Store) FrameType(ctx context.Context, videoID string, frameIdx int) (string, error) {
	ctx = ensureContext(ctx)
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind FROM frame_types WHERE video_id = ? AND frame_idx = ?`, videoID, frameIdx,
	).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("frame type: %w", err)
	}
	return kind, nil
}

// MaskFrames lists the frame indices with a stored mask, ascending.
func (s *Store) MaskFrames(ctx context.Context, videoID string) ([]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT frame_idx FROM masks WHERE video_id = ? ORDER BY frame_idx`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list mask frames: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan mask frame: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// DeleteVideo removes everything stored for videoID.
func (s *Store) DeleteVideo(ctx context.Context, videoID string) error {
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"masks", "bboxes", "frame_types", "prompts"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE video_id = ?", videoID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// DeleteMask removes the stored mask of one frame only.
func (s *Store) DeleteMask(ctx context.Context, videoID string, frameIdx int) error {
	if err := s.execWithRetry(ctx, "DELETE FROM masks WHERE video_id = ? AND frame_idx = ?", videoID, frameIdx); err != nil {
		return fmt.Errorf("delete mask: %w", err)
	}
	return nil
}

// ClearFrame removes the mask, bbox and prompts of one frame. The frame type
// is kept.
func (s *Store) ClearFrame(ctx context.Context, videoID string, frameIdx int) error {
	ctx = ensureContext(ctx)
	for _, table := range []string{"masks", "bboxes", "prompts"} {
		if err := s.execWithRetry(ctx, "DELETE FROM "+table+" WHERE video_id = ? AND frame_idx = ?", videoID, frameIdx); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// FramesOfType lists the frames of videoID marked with kind, ascending.
func (s *Store) FramesOfType(ctx context.Context, videoID, kind string) ([]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT frame_idx FROM frame_types WHERE video_id = ? AND kind = ? ORDER BY frame_idx`, videoID, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s frames: %w", kind, err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}
