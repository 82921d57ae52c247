package detections

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func solidNRGBA(c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, InputWidth, InputHeight))
	for y := 0; y < InputHeight; y++ {
		for x := 0; x < InputWidth; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestPrepareInputPlanarLayout(t *testing.T) {
	img := solidNRGBA(color.NRGBA{R: 255, G: 128, B: 0, A: 255})
	dst := make([]float32, InputWidth*InputHeight*3)

	prepareInput(img, dst)

	channelSize := InputWidth * InputHeight
	checks := []struct {
		name   string
		offset int
		want   float64
	}{
		{"red plane", 0, 1.0},
		{"green plane", channelSize, 128.0 / 255.0},
		{"blue plane", 2 * channelSize, 0.0},
	}
	for _, c := range checks {
		// Sample corners and center of each plane.
		for _, i := range []int{0, channelSize/2 + InputWidth/2, channelSize - 1} {
			got := float64(dst[c.offset+i])
			if math.Abs(got-c.want) > 1e-6 {
				t.Errorf("%s[%d] = %v, want %v", c.name, i, got, c.want)
			}
		}
	}
}

func TestPrepareInputFastPathMatchesGeneric(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, InputWidth, InputHeight))
	for y := 0; y < InputHeight; y++ {
		for x := 0; x < InputWidth; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x + y) % 256),
				G: uint8(x % 256),
				B: uint8(y % 256),
				A: 255,
			})
		}
	}

	fast := make([]float32, InputWidth*InputHeight*3)
	fillRowsNRGBA(fast, img, 0, InputHeight)

	generic := make([]float32, InputWidth*InputHeight*3)
	fillRowsGeneric(generic, img, 0, InputHeight)

	for i := range fast {
		if math.Abs(float64(fast[i]-generic[i])) > 1e-6 {
			t.Fatalf("fast[%d] = %v, generic[%d] = %v", i, fast[i], i, generic[i])
		}
	}
}

func TestPrepareInputGenericNonNRGBA(t *testing.T) {
	// A YCbCr image forces the generic color-interface path.
	img := image.NewYCbCr(image.Rect(0, 0, InputWidth, InputHeight), image.YCbCrSubsampleRatio420)
	dst := make([]float32, InputWidth*InputHeight*3)

	prepareInput(img, dst)

	// Zeroed YCbCr decodes to a uniform green-ish color; all three
	// planes must be uniform.
	channelSize := InputWidth * InputHeight
	for plane := 0; plane < 3; plane++ {
		first := dst[plane*channelSize]
		for _, i := range []int{1, channelSize / 3, channelSize - 1} {
			if dst[plane*channelSize+i] != first {
				t.Fatalf("plane %d not uniform at %d: %v vs %v",
					plane, i, dst[plane*channelSize+i], first)
			}
		}
	}
}
