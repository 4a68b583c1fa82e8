// Package pipeline implements the client-side behavior pipeline: landmark
// frames are reduced to geometric features, classified into behavior labels,
// debounced into violation events, and queued for transport.
package pipeline

import (
	"math"
	"time"

	"github.com/focusguard/proctor/internal/detector"
)

// Head-pose approximation constants. Angles are derived from landmark
// positions relative to the inter-ocular baseline, not from a full PnP
// solve; the scale factors map the normalized offsets to degrees in the
// range the classifier thresholds were tuned for.
const (
	yawScale   = 90.0
	pitchScale = 120.0
	// neutralNoseDrop is the nose tip's resting vertical position between
	// the eye line (0) and the chin (1) when looking straight ahead.
	neutralNoseDrop = 0.45
)

// FeatureVector holds the derived geometry for one frame. Angles are in
// degrees; gaze offsets are in [-1,1] with 0 centered.
type FeatureVector struct {
	Seq         uint64
	Timestamp   time.Time
	Yaw         float64
	Pitch       float64
	Roll        float64
	GazeH       float64
	GazeV       float64
	MouthRatio  float64
	FacePresent bool
}

// ExtractFeatures reduces a landmark frame to a feature vector. It is pure
// and deterministic: the same landmark set always yields the same features.
// A frame without a usable face yields the no-face vector, never an error.
func ExtractFeatures(f detector.Frame) FeatureVector {
	fv := FeatureVector{Seq: f.Seq, Timestamp: f.Timestamp}
	if !f.HasFace() {
		return fv
	}
	fv.FacePresent = true

	pts := f.Points
	leftOuter := pts[detector.LeftEyeOuter]
	rightOuter := pts[detector.RightEyeOuter]
	nose := pts[detector.NoseTip]
	chin := pts[detector.Chin]

	eyeMidX := (leftOuter.X + rightOuter.X) / 2
	eyeMidY := (leftOuter.Y + rightOuter.Y) / 2
	interOcular := dist(leftOuter, rightOuter)
	if interOcular > 0 {
		fv.Yaw = clamp((nose.X-eyeMidX)/interOcular, -1, 1) * yawScale
	}

	faceHeight := chin.Y - eyeMidY
	if faceHeight > 0 {
		noseDrop := (nose.Y - eyeMidY) / faceHeight
		fv.Pitch = (neutralNoseDrop - noseDrop) * pitchScale
	}

	fv.Roll = math.Atan2(rightOuter.Y-leftOuter.Y, rightOuter.X-leftOuter.X) * 180 / math.Pi

	fv.GazeH, fv.GazeV = irisGaze(pts)
	fv.MouthRatio = mouthAspectRatio(pts)
	return fv
}

// irisGaze measures iris position relative to the eye corners, averaged over
// both eyes. Horizontal: -1 left, +1 right. Vertical: -1 down, +1 up.
func irisGaze(pts []detector.Point) (h, v float64) {
	lh := horizontalGaze(pts[detector.LeftIris], pts[detector.LeftEyeOuter], pts[detector.LeftEyeInner])
	rh := horizontalGaze(pts[detector.RightIris], pts[detector.RightEyeInner], pts[detector.RightEyeOuter])
	lv := verticalGaze(pts[detector.LeftIris], pts[detector.LeftEyeTop], pts[detector.LeftEyeBot])
	rv := verticalGaze(pts[detector.RightIris], pts[detector.RightEyeTop], pts[detector.RightEyeBot])
	return clamp((lh+rh)/2, -1, 1), clamp((lv+rv)/2, -1, 1)
}

func horizontalGaze(iris, left, right detector.Point) float64 {
	width := right.X - left.X
	if width <= 0 {
		return 0
	}
	return ((iris.X-left.X)/width - 0.5) * 2
}

func verticalGaze(iris, top, bottom detector.Point) float64 {
	height := bottom.Y - top.Y
	if height <= 0 {
		return 0
	}
	// Image Y grows downward, so invert: up is positive.
	return (0.5 - (iris.Y-top.Y)/height) * 2
}

// mouthAspectRatio is vertical mouth opening over mouth width.
func mouthAspectRatio(pts []detector.Point) float64 {
	width := dist(pts[detector.MouthL], pts[detector.MouthR])
	if width <= 0 {
		return 0
	}
	return dist(pts[detector.MouthTop], pts[detector.MouthBot]) / width
}

func dist(a, b detector.Point) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
