package imagediff

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	"image/png"
	"io"
)

// ErrDecode marks input that can never be decoded. Retrying is pointless.
var ErrDecode = errors.New("undecodable image")

// DefaultMaxPixels bounds the decoded width times height of an image.
const DefaultMaxPixels = 50_000_000

// Limits bound what Decode accepts. A zero field disables that bound.
type Limits struct {
	MaxBytes  int64
	MaxPixels int64
}

// Decode reads an image within limits. The header is checked against
// MaxPixels before any pixel buffer is allocated.
func Decode(r io.Reader, limits Limits) (image.Image, error) {
	if limits.MaxBytes > 0 {
		r = io.LimitReader(r, limits.MaxBytes+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	if limits.MaxBytes > 0 && int64(len(data)) > limits.MaxBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrDecode, limits.MaxBytes)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty %dx%d image", ErrDecode, cfg.Width, cfg.Height)
	}

	if limits.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > limits.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels",
			ErrDecode, cfg.Width, cfg.Height, limits.MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return img, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}

	return buf.Bytes(), nil
}
