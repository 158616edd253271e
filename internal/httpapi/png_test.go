package httpapi

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"segd/internal/protocol"
)

func TestPNGRoundTrip(t *testing.T) {
	m := protocol.NewMask(6, 9)
	m.Set(0, 0)
	m.Set(8, 5)
	m.Set(4, 3)
	b64, err := encodePNGBase64(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodePNGBase64(b64)
	if err != nil {
		t.Fatal(err)
	}
	if got.Height != 6 || got.Width != 9 || !bytes.Equal(got.Data, m.Data) {
		t.Fatalf("mask changed through png")
	}
}

func TestEncodePNGWideDType(t *testing.T) {
	m := protocol.Mask{Height: 1, Width: 2, DType: protocol.DTypeFloat32, Data: []byte{0, 0, 0, 0, 0, 0, 0x80, 0x3f}}
	b, err := encodePNG(m)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	g := img.(*image.Gray)
	if g.Pix[0] != 0 || g.Pix[1] != 255 {
		t.Fatalf("pixels %v", g.Pix)
	}
}

func TestDecodePNGColorAndAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	img.Set(0, 0, color.NRGBA{R: 200, A: 255})
	img.Set(1, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 0})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	m, err := decodePNGBase64(base64.StdEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !m.Foreground(0) || m.Foreground(1) || m.Foreground(2) {
		t.Fatalf("unexpected mask %v", m.Data)
	}
	if _, err := decodePNGBase64("bm90IGEgcG5n"); err == nil {
		t.Fatalf("non-png accepted")
	}
}
