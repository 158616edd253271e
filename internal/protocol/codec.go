package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"
)

// SyntaxError reports a line that could not be decoded. The stream itself is
// still usable; callers skip the line and keep reading.
type SyntaxError struct {
	Line int
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed envelope on line %d: %v", e.Line, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Encoder writes one JSON envelope per line. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode marshals v and writes it followed by a newline in a single write.
func (e *Encoder) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	b = append(b, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(b)
	return err
}

// Decoder reads line-delimited envelopes. Not safe for concurrent use; a
// stream has exactly one reader.
type Decoder struct {
	r    *bufio.Reader
	line int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 1<<20)}
}

// Decode reads the next non-empty line into v. It returns io.EOF at the end
// of the stream and *SyntaxError for a line that is not valid JSON.
func (d *Decoder) Decode(v any) error {
	for {
		b, err := d.r.ReadBytes('\n')
		if len(b) > 0 {
			d.line++
			b = bytes.TrimSpace(b)
			if len(b) == 0 {
				if err != nil {
					return err
				}
				continue
			}
			if uerr := json.Unmarshal(b, v); uerr != nil {
				return &SyntaxError{Line: d.line, Err: uerr}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
