// Package detector defines the boundary to the external facial-landmark
// detector. The detection algorithm itself lives outside this module; only
// its output contract (landmark frames) is consumed here.
package detector

import (
	"time"
)

// MediaPipe face mesh indices for the landmarks the feature extractor reads.
const (
	NoseTip  = 1
	Chin     = 152
	MouthTop = 13
	MouthBot = 14
	MouthL   = 78
	MouthR   = 308

	LeftEyeOuter  = 33
	LeftEyeInner  = 133
	RightEyeInner = 362
	RightEyeOuter = 263

	LeftEyeTop  = 159
	LeftEyeBot  = 145
	RightEyeTop = 386
	RightEyeBot = 374

	LeftIris  = 468
	RightIris = 473
)

// MinLandmarks is the smallest landmark set that includes the iris points.
const MinLandmarks = 478

// MinFaceConfidence is the detector confidence below which a frame is
// treated as face-absent.
const MinFaceConfidence = 0.5

// Point is one facial landmark in normalized image coordinates
// (x, y in [0,1] relative to frame size, z is relative depth).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Frame is the landmark set for one captured instant. Frames are immutable
// once produced by the detector; Seq is monotonic in capture order.
type Frame struct {
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Points     []Point   `json:"points,omitempty"`
}

// HasFace reports whether the frame carries a usable landmark set. A frame
// with too few points or low detector confidence signals "no face", which is
// a normal condition, not an error.
func (f *Frame) HasFace() bool {
	return len(f.Points) >= MinLandmarks && f.Confidence >= MinFaceConfidence
}

// Source supplies landmark frames in capture order. The channel is closed
// when the underlying capture ends.
type Source interface {
	Frames() <-chan Frame
	Close() error
}
