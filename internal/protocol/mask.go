package protocol

import (
	"fmt"
	"math"
)

// Element types a mask buffer may carry.
const (
	DTypeUint8   = "uint8"
	DTypeBool    = "bool"
	DTypeUint16  = "uint16"
	DTypeFloat32 = "float32"
)

// MaskFields is the wire form of a mask: a raw buffer plus explicit shape and
// element type. The receiver reconstructs the mask without any image codec.
type MaskFields struct {
	MaskBytes []byte `json:"mask_bytes,omitempty"`
	MaskShape []int  `json:"mask_shape,omitempty"`
	MaskDType string `json:"mask_dtype,omitempty"`
}

// Empty reports whether no mask is attached.
func (f MaskFields) Empty() bool { return len(f.MaskShape) == 0 && len(f.MaskBytes) == 0 }

// Mask is a decoded row-major (height, width) buffer.
type Mask struct {
	Height int
	Width  int
	DType  string
	Data   []byte
}

// NewMask allocates a zeroed uint8 mask.
func NewMask(height, width int) Mask {
	return Mask{Height: height, Width: width, DType: DTypeUint8, Data: make([]byte, height*width)}
}

func itemSize(dtype string) (int, bool) {
	switch dtype {
	case DTypeUint8, DTypeBool:
		return 1, true
	case DTypeUint16:
		return 2, true
	case DTypeFloat32:
		return 4, true
	}
	return 0, false
}

// Fields converts m to its wire form.
func (m Mask) Fields() MaskFields {
	return MaskFields{MaskBytes: m.Data, MaskShape: []int{m.Height, m.Width}, MaskDType: m.DType}
}

// DecodeMask validates f and returns the mask it describes. A missing dtype
// defaults to uint8, matching workers that only send bytes and shape.
func DecodeMask(f MaskFields) (Mask, error) {
	if len(f.MaskShape) != 2 {
		return Mask{}, fmt.Errorf("mask shape must have 2 dimensions, got %v", f.MaskShape)
	}
	h, w := f.MaskShape[0], f.MaskShape[1]
	if h <= 0 || w <= 0 {
		return Mask{}, fmt.Errorf("invalid mask shape %dx%d", h, w)
	}
	dtype := f.MaskDType
	if dtype == "" {
		dtype = DTypeUint8
	}
	size, ok := itemSize(dtype)
	if !ok {
		return Mask{}, fmt.Errorf("unsupported mask dtype %q", dtype)
	}
	if h > math.MaxInt/w/size {
		return Mask{}, fmt.Errorf("mask shape %dx%d %s is too large", h, w, dtype)
	}
	if want := h * w * size; len(f.MaskBytes) != want {
		return Mask{}, fmt.Errorf("mask buffer has %d bytes, shape %dx%d %s needs %d", len(f.MaskBytes), h, w, dtype, want)
	}
	return Mask{Height: h, Width: w, DType: dtype, Data: f.MaskBytes}, nil
}

// Set marks pixel (x, y) as foreground. Only meaningful for 1-byte dtypes.
func (m Mask) Set(x, y int) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Data[y*m.Width+x] = 255
}

// Area counts foreground pixels of a 1-byte mask.
func (m Mask) Area() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Bounds returns the pixel bounding box [x1, y1, x2, y2] of the foreground of
// a 1-byte mask, or false when the mask is empty.
func (m Mask) Bounds() (BBox, bool) {
	x1, y1, x2, y2 := m.Width, m.Height, -1, -1
	for y := 0; y < m.Height; y++ {
		row := m.Data[y*m.Width : (y+1)*m.Width]
		for x, v := range row {
			if v == 0 {
				continue
			}
			if x < x1 {
				x1 = x
			}
			if x > x2 {
				x2 = x
			}
			if y < y1 {
				y1 = y
			}
			y2 = y
		}
	}
	if x2 < 0 {
		return BBox{}, false
	}
	return BBox{float64(x1), float64(y1), float64(x2), float64(y2)}, true
}

// Foreground reports whether pixel i (row-major) is non-zero, for any dtype.
func (m Mask) Foreground(i int) bool {
	size, ok := itemSize(m.DType)
	if !ok {
		size = 1
	}
	for _, b := range m.Data[i*size : (i+1)*size] {
		if b != 0 {
			return true
		}
	}
	return false
}
