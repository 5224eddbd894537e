package camera

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeGray(t *testing.T, w, h int, value uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestValidateFrameFillsDimensions(t *testing.T) {
	f := &Frame{JPEG: encodeGray(t, 64, 48, 128), CapturedAt: time.Now()}
	err := ValidateFrame(f, "cam1", logger.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, 64, f.Width)
	assert.Equal(t, 48, f.Height)
	assert.InDelta(t, 128, f.MeanLuminance, 3)
}

func TestValidateFrameRejectsEmpty(t *testing.T) {
	err := ValidateFrame(&Frame{}, "cam1", logger.NewNopLogger())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestValidateFrameRejectsGarbage(t *testing.T) {
	f := &Frame{JPEG: []byte("not a jpeg at all")}
	err := ValidateFrame(f, "cam1", logger.NewNopLogger())
	require.Error(t, err)
}

// Extreme brightness is accepted; night and overexposed frames stay useful
// for training.
func TestValidateFrameAcceptsDarkAndBrightFrames(t *testing.T) {
	dark := &Frame{JPEG: encodeGray(t, 32, 32, 0)}
	require.NoError(t, ValidateFrame(dark, "cam1", logger.NewNopLogger()))
	assert.Less(t, dark.MeanLuminance, 5.0)

	bright := &Frame{JPEG: encodeGray(t, 32, 32, 255)}
	require.NoError(t, ValidateFrame(bright, "cam1", logger.NewNopLogger()))
	assert.Greater(t, bright.MeanLuminance, 250.0)
}

func TestCaptureErrorClassification(t *testing.T) {
	assert.True(t, IsPermanent(Permanent("auth", nil)))
	assert.False(t, IsPermanent(Transient("timeout", nil)))
	assert.Equal(t, "auth", Permanent("auth", nil).Reason)
}
