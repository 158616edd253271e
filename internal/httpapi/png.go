package httpapi

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"segd/internal/protocol"
)

// encodePNG renders a mask as an 8-bit grayscale PNG, foreground 255.
func encodePNG(m protocol.Mask) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i := 0; i < m.Width*m.Height; i++ {
		if m.Foreground(i) {
			img.Pix[(i/m.Width)*img.Stride+i%m.Width] = 255
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func encodePNGBase64(m protocol.Mask) (string, error) {
	b, err := encodePNG(m)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// decodePNGBase64 reads a base64 PNG of any color model into a uint8 mask.
// Any non-black, non-transparent pixel is foreground.
func decodePNGBase64(s string) (protocol.Mask, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return protocol.Mask{}, fmt.Errorf("invalid base64: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return protocol.Mask{}, fmt.Errorf("invalid png: %w", err)
	}
	b := img.Bounds()
	m := protocol.NewMask(b.Dy(), b.Dx())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			_, _, _, a := img.At(x, y).RGBA()
			if g.Y != 0 && a != 0 {
				m.Set(x-b.Min.X, y-b.Min.Y)
			}
		}
	}
	return m, nil
}
