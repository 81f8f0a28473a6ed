package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"time"

	"github.com/google/uuid"
)

const (
	// Dimensions of the placeholder frame used when the real screen cannot
	// be captured (secure surfaces return empty or all-black payloads).
	sensitiveWidth  = 1080
	sensitiveHeight = 2400
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Screenshot is one captured frame of a device screen.
type Screenshot struct {
	Data      []byte
	Width     int
	Height    int
	Sensitive bool
	Timestamp time.Time
}

// FileName returns the on-disk name for this screenshot, unique under
// concurrent writes: screenshot_<YYYYMMDD>_<HHMMSS>_<uuid8>.png.
func (s *Screenshot) FileName() string {
	return fmt.Sprintf("screenshot_%s_%s.png",
		s.Timestamp.Format("20060102_150405"),
		uuid.NewString()[:8])
}

// parsePNGSize reads the IHDR chunk of a PNG payload and returns its
// dimensions without decoding pixel data.
func parsePNGSize(data []byte) (int, int, error) {
	if len(data) < 24 {
		return 0, 0, fmt.Errorf("payload too short for PNG header (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:8], pngSignature) {
		return 0, 0, fmt.Errorf("payload is not a PNG")
	}
	if string(data[12:16]) != "IHDR" {
		return 0, 0, fmt.Errorf("first chunk is not IHDR")
	}
	width := int(binary.BigEndian.Uint32(data[16:20]))
	height := int(binary.BigEndian.Uint32(data[20:24]))
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid PNG dimensions %dx%d", width, height)
	}
	return width, height, nil
}

// isAllBlack decodes the PNG and samples a grid of pixels. Secure app
// surfaces (banking, payment) render as fully black frames in screencap.
func isAllBlack(data []byte) bool {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return false
	}

	stepX := bounds.Dx() / 48
	if stepX == 0 {
		stepX = 1
	}
	stepY := bounds.Dy() / 48
	if stepY == 0 {
		stepY = 1
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			if r != 0 || g != 0 || b != 0 {
				return false
			}
		}
	}
	return true
}

// synthesizeBlackPNG produces a solid black frame so downstream coordinate
// math always has non-zero dimensions to work with.
func synthesizeBlackPNG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	black := color.RGBA{A: 0xff}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, black)
		}
	}
	var buf bytes.Buffer
	// Encoding a uniform image cannot fail
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// newSensitiveScreenshot builds the placeholder returned for secure surfaces.
func newSensitiveScreenshot(now time.Time) *Screenshot {
	return &Screenshot{
		Data:      synthesizeBlackPNG(sensitiveWidth, sensitiveHeight),
		Width:     sensitiveWidth,
		Height:    sensitiveHeight,
		Sensitive: true,
		Timestamp: now,
	}
}
