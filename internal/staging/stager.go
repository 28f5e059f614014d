package staging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	_ "image/jpeg"
	"image/png"

	"github.com/telespial/wan2.2-runpod-serverless/internal/fsutil"
	"github.com/telespial/wan2.2-runpod-serverless/internal/payload"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Fixed file names inside the inputs directory.
const (
	AudioFileName = "input_audio.wav"
	ImageFileName = "input_image.png"
	InputsDirName = "inputs"
)

// ErrInvalidDimensions indicates a target size the resampler cannot produce.
var ErrInvalidDimensions = errors.New("target dimensions must be positive")

// StageAudio decodes an audio payload and writes the bytes verbatim to path.
func StageAudio(b64, path string) error {
	data, err := payload.Decode(b64)
	if err != nil {
		return fmt.Errorf("failed to decode audio: %w", err)
	}

	return fsutil.WriteFile(path, data)
}

// StageImage decodes an image payload, flattens it to opaque RGB, resamples it to
// size when the dimensions differ and writes it to path as PNG.
func StageImage(b64, path, size string) error {
	data, err := payload.Decode(b64)
	if err != nil {
		return fmt.Errorf("failed to decode image payload: %w", err)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	width, height, err := ParseSize(size)
	if err != nil {
		return err
	}

	img := Normalize(src, width, height)
	if img == nil {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}

	var buf bytes.Buffer

	err = png.Encode(&buf, img)
	if err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	return fsutil.WriteFile(path, buf.Bytes())
}

// Normalize returns an opaque copy of src at exactly width x height. Alpha is
// dropped rather than composited. It returns nil for non-positive dimensions.
func Normalize(src image.Image, width, height int) *image.NRGBA {
	if width <= 0 || height <= 0 {
		return nil
	}

	rgb := toOpaque(src)
	if rgb.Bounds().Dx() == width && rgb.Bounds().Dy() == height {
		return rgb
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), rgb, rgb.Bounds(), draw.Src, nil)

	return dst
}

// toOpaque copies src into a zero-origin NRGBA with every alpha set to 255. Colour
// channels keep their straight (non-premultiplied) values, so translucent pixels
// are not darkened.
func toOpaque(src image.Image) *image.NRGBA {
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	switch img := src.(type) {
	case *image.NRGBA:
		rowBytes := bounds.Dx() * 4
		for y := range bounds.Dy() {
			start := img.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+rowBytes], img.Pix[start:start+rowBytes])
		}
	case *image.Paletted:
		palette := make([]color.NRGBA, len(img.Palette))
		for i, entry := range img.Palette {
			palette[i], _ = color.NRGBAModel.Convert(entry).(color.NRGBA)
		}

		for y := range bounds.Dy() {
			row := img.Pix[img.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
			for x := range bounds.Dx() {
				if int(row[x]) >= len(palette) {
					continue
				}

				c := palette[row[x]]
				offset := y*dst.Stride + x*4
				dst.Pix[offset+0] = c.R
				dst.Pix[offset+1] = c.G
				dst.Pix[offset+2] = c.B
			}
		}
	default:
		// Opaque sources (JPEG, RGB PNG) come out identical from the premultiplied
		// bulk path.
		premultiplied := &image.RGBA{Pix: dst.Pix, Stride: dst.Stride, Rect: dst.Rect}
		draw.Draw(premultiplied, premultiplied.Rect, src, bounds.Min, draw.Src)
	}

	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}

	return dst
}
