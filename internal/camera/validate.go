package camera

import (
	"bytes"
	"image"
	_ "image/jpeg"

	"github.com/sai-cam/sai-cam/internal/logger"
)

// ValidateFrame checks a captured frame and fills in its decoded dimensions
// and mean luminance. A nil or empty buffer, or an undecodable image, is an
// error. Extreme luminance (mean <5 or >250 on the 8-bit scale) only logs a
// warning: night and overexposed frames are still wanted upstream.
func ValidateFrame(f *Frame, cameraID string, log logger.Logger) error {
	if f == nil || len(f.JPEG) == 0 {
		return Transient("empty-frame", nil)
	}

	img, _, err := image.Decode(bytes.NewReader(f.JPEG))
	if err != nil {
		return Transient("codec", err)
	}

	bounds := img.Bounds()
	f.Width = bounds.Dx()
	f.Height = bounds.Dy()
	if f.Width <= 0 || f.Height <= 0 {
		return Transient("empty-frame", nil)
	}

	f.MeanLuminance = meanLuminance(img)
	if f.MeanLuminance < 5 {
		log.Warn("Low brightness frame, possible low light conditions",
			"camera_id", cameraID, "mean_luminance", f.MeanLuminance)
	} else if f.MeanLuminance > 250 {
		log.Warn("High brightness frame, possible overexposure",
			"camera_id", cameraID, "mean_luminance", f.MeanLuminance)
	}

	return nil
}

// meanLuminance averages the Rec. 601 luma over a sampled pixel grid. A
// stride keeps this cheap on multi-megapixel snapshots; the mean over a few
// thousand samples is stable enough for the brightness heuristic.
func meanLuminance(img image.Image) float64 {
	bounds := img.Bounds()
	stride := (bounds.Dx() * bounds.Dy()) / 65536
	if stride < 1 {
		stride = 1
	}

	var sum float64
	var count int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stride {
		for x := bounds.Min.X; x < bounds.Max.X; x += stride {
			r, g, b, _ := img.At(x, y).RGBA()
			// 16-bit channels scaled back to the 8-bit range
			sum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
