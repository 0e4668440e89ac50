package capture

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// DefaultQuality is the JPEG quality of uploaded frames.
const DefaultQuality = 80

// EncodeJPEG downsizes img to at most maxWidth pixels wide, keeping the
// aspect ratio, and encodes it as JPEG. maxWidth <= 0 keeps the size.
func EncodeJPEG(img image.Image, maxWidth, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
