package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusguard/proctor/internal/detector"
)

// neutralFrame builds a full landmark set for a face looking straight at the
// camera: eye line at y=0.40, chin at y=0.80, nose at the resting drop
// between them, irises centered, mouth closed. Tests perturb individual
// landmarks from this baseline.
func neutralFrame(seq uint64, at time.Time) detector.Frame {
	pts := make([]detector.Point, detector.MinLandmarks)
	set := func(i int, x, y float64) { pts[i] = detector.Point{X: x, Y: y} }

	set(detector.LeftEyeOuter, 0.35, 0.40)
	set(detector.LeftEyeInner, 0.45, 0.40)
	set(detector.RightEyeInner, 0.55, 0.40)
	set(detector.RightEyeOuter, 0.65, 0.40)

	set(detector.LeftEyeTop, 0.40, 0.38)
	set(detector.LeftEyeBot, 0.40, 0.42)
	set(detector.RightEyeTop, 0.60, 0.38)
	set(detector.RightEyeBot, 0.60, 0.42)

	set(detector.LeftIris, 0.40, 0.40)
	set(detector.RightIris, 0.60, 0.40)

	// Eye midline (0.5, 0.40), chin at 0.80: face height 0.40, so the nose
	// sits at 0.40 + 0.45*0.40 = 0.58 for zero pitch.
	set(detector.NoseTip, 0.50, 0.58)
	set(detector.Chin, 0.50, 0.80)

	set(detector.MouthL, 0.45, 0.70)
	set(detector.MouthR, 0.55, 0.70)
	set(detector.MouthTop, 0.50, 0.695)
	set(detector.MouthBot, 0.50, 0.705)

	return detector.Frame{Seq: seq, Timestamp: at, Confidence: 0.95, Points: pts}
}

// setMouthRatio moves the lower lip so the mouth aspect ratio becomes r
// (mouth width is fixed at 0.1 in the baseline frame).
func setMouthRatio(f *detector.Frame, r float64) {
	f.Points[detector.MouthBot].Y = f.Points[detector.MouthTop].Y + 0.1*r
}

func TestExtractFeaturesNeutralFace(t *testing.T) {
	f := neutralFrame(7, time.Now())
	fv := ExtractFeatures(f)

	require.True(t, fv.FacePresent)
	assert.Equal(t, uint64(7), fv.Seq)
	assert.Equal(t, f.Timestamp, fv.Timestamp)
	assert.InDelta(t, 0, fv.Yaw, 1e-9)
	assert.InDelta(t, 0, fv.Pitch, 1e-9)
	assert.InDelta(t, 0, fv.Roll, 1e-9)
	assert.InDelta(t, 0, fv.GazeH, 1e-9)
	assert.InDelta(t, 0, fv.GazeV, 1e-9)
	assert.InDelta(t, 0.1, fv.MouthRatio, 1e-9)
}

func TestExtractFeaturesNoFace(t *testing.T) {
	empty := detector.Frame{Seq: 3, Timestamp: time.Now(), Confidence: 0.9}
	fv := ExtractFeatures(empty)
	assert.False(t, fv.FacePresent)
	assert.Equal(t, uint64(3), fv.Seq)
	assert.Zero(t, fv.Yaw)

	// A full landmark set below the confidence floor is also face-absent.
	low := neutralFrame(4, time.Now())
	low.Confidence = detector.MinFaceConfidence - 0.01
	assert.False(t, ExtractFeatures(low).FacePresent)
}

func TestExtractFeaturesYawSign(t *testing.T) {
	left := neutralFrame(1, time.Now())
	left.Points[detector.NoseTip].X = 0.35
	fv := ExtractFeatures(left)
	assert.InDelta(t, -45, fv.Yaw, 1e-9, "nose toward image left means negative yaw")

	right := neutralFrame(2, time.Now())
	right.Points[detector.NoseTip].X = 0.65
	fv = ExtractFeatures(right)
	assert.InDelta(t, 45, fv.Yaw, 1e-9)
}

func TestExtractFeaturesPitchSign(t *testing.T) {
	down := neutralFrame(1, time.Now())
	down.Points[detector.NoseTip].Y = 0.68
	fv := ExtractFeatures(down)
	assert.InDelta(t, -30, fv.Pitch, 1e-9, "nose dropped toward chin means negative pitch")

	up := neutralFrame(2, time.Now())
	up.Points[detector.NoseTip].Y = 0.48
	fv = ExtractFeatures(up)
	assert.Greater(t, fv.Pitch, 0.0)
}

func TestExtractFeaturesRoll(t *testing.T) {
	f := neutralFrame(1, time.Now())
	f.Points[detector.RightEyeOuter].Y = 0.70
	fv := ExtractFeatures(f)
	assert.InDelta(t, 45, fv.Roll, 1e-9)
}

func TestExtractFeaturesGaze(t *testing.T) {
	// Both irises shifted toward the outer-left corner of their eye boxes.
	f := neutralFrame(1, time.Now())
	f.Points[detector.LeftIris].X = 0.36
	f.Points[detector.RightIris].X = 0.56
	fv := ExtractFeatures(f)
	assert.InDelta(t, -0.8, fv.GazeH, 1e-9)
	assert.InDelta(t, 0, fv.GazeV, 1e-9)

	// Irises raised above the eye center: vertical gaze is positive (up).
	f = neutralFrame(2, time.Now())
	f.Points[detector.LeftIris].Y = 0.388
	f.Points[detector.RightIris].Y = 0.388
	fv = ExtractFeatures(f)
	assert.InDelta(t, 0.6, fv.GazeV, 1e-9)

	// Irises lowered below center: negative (down).
	f = neutralFrame(3, time.Now())
	f.Points[detector.LeftIris].Y = 0.418
	f.Points[detector.RightIris].Y = 0.418
	fv = ExtractFeatures(f)
	assert.InDelta(t, -0.9, fv.GazeV, 1e-9)
}

func TestExtractFeaturesDeterministic(t *testing.T) {
	f := neutralFrame(9, time.Unix(1700000000, 0))
	f.Points[detector.NoseTip].X = 0.41
	assert.Equal(t, ExtractFeatures(f), ExtractFeatures(f))
}
