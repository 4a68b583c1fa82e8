package pipeline

import (
	"time"

	"github.com/focusguard/proctor/internal/models"
)

// Thresholds hold the rule cutoffs for behavior classification.
type Thresholds struct {
	YawDegrees    float64 // |yaw| beyond this means head turned left/right
	GazeOffset    float64 // |horizontal gaze| beyond this means eyes glancing aside
	PitchDegrees  float64 // pitch below the negative of this means head down
	GazeVertical  float64 // vertical gaze below the negative of this means eyes down
	MouthVariance float64 // mouth-ratio variance over the window that means talking
	MouthWindow   int     // ring buffer size for the mouth-variance window
}

// DefaultThresholds returns the tuned defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		YawDegrees:    40,
		GazeOffset:    0.25,
		PitchDegrees:  25,
		GazeVertical:  0.30,
		MouthVariance: 0.004,
		MouthWindow:   15,
	}
}

// Observation is the raw classifier output for one frame.
type Observation struct {
	Seq        uint64
	Timestamp  time.Time
	Behavior   models.Behavior
	Confidence float64
}

// rule pairs a predicate with the behavior it signals. Rules are evaluated
// in a fixed order so simultaneous triggers resolve deterministically.
type rule struct {
	name     string
	behavior models.Behavior
	match    func(fv FeatureVector) (triggered bool, confidence float64)
}

// Classifier turns feature vectors into behavior observations. Its only
// state is the bounded ring of recent mouth ratios used for talk detection.
type Classifier struct {
	t       Thresholds
	rules   []rule
	mouth   []float64
	mouthN  int
	mouthAt int
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(t Thresholds) *Classifier {
	if t.MouthWindow <= 0 {
		t.MouthWindow = DefaultThresholds().MouthWindow
	}
	c := &Classifier{
		t:     t,
		mouth: make([]float64, t.MouthWindow),
	}
	// Precedence order: gaze left/right, then head down, then talking.
	c.rules = []rule{
		{
			name:     "looking_left",
			behavior: models.BehaviorLookingLeft,
			match: func(fv FeatureVector) (bool, float64) {
				if fv.Yaw < -t.YawDegrees {
					return true, exceedance(-fv.Yaw, t.YawDegrees)
				}
				if fv.GazeH < -t.GazeOffset {
					return true, exceedance(-fv.GazeH, t.GazeOffset)
				}
				return false, 0
			},
		},
		{
			name:     "looking_right",
			behavior: models.BehaviorLookingRight,
			match: func(fv FeatureVector) (bool, float64) {
				if fv.Yaw > t.YawDegrees {
					return true, exceedance(fv.Yaw, t.YawDegrees)
				}
				if fv.GazeH > t.GazeOffset {
					return true, exceedance(fv.GazeH, t.GazeOffset)
				}
				return false, 0
			},
		},
		{
			name:     "head_down",
			behavior: models.BehaviorHeadDown,
			match: func(fv FeatureVector) (bool, float64) {
				if fv.Pitch < -t.PitchDegrees {
					return true, exceedance(-fv.Pitch, t.PitchDegrees)
				}
				if fv.GazeV < -t.GazeVertical {
					return true, exceedance(-fv.GazeV, t.GazeVertical)
				}
				return false, 0
			},
		},
		{
			name:     "talking",
			behavior: models.BehaviorTalking,
			match: func(fv FeatureVector) (bool, float64) {
				variance, full := c.mouthVariance()
				if full && variance > t.MouthVariance {
					return true, exceedance(variance, t.MouthVariance)
				}
				return false, 0
			},
		},
	}
	return c
}

// Classify evaluates the rules in precedence order for one feature vector.
// A no-face vector yields {NoFace, 1.0}.
func (c *Classifier) Classify(fv FeatureVector) Observation {
	obs := Observation{Seq: fv.Seq, Timestamp: fv.Timestamp}
	if !fv.FacePresent {
		obs.Behavior = models.BehaviorNoFace
		obs.Confidence = 1.0
		return obs
	}
	c.pushMouth(fv.MouthRatio)
	for _, r := range c.rules {
		if ok, conf := r.match(fv); ok {
			obs.Behavior = r.behavior
			obs.Confidence = conf
			return obs
		}
	}
	obs.Behavior = models.BehaviorNormal
	obs.Confidence = 1.0
	return obs
}

// Reset clears the mouth window, e.g. after the face was lost.
func (c *Classifier) Reset() {
	c.mouthN = 0
	c.mouthAt = 0
}

func (c *Classifier) pushMouth(v float64) {
	c.mouth[c.mouthAt] = v
	c.mouthAt = (c.mouthAt + 1) % len(c.mouth)
	if c.mouthN < len(c.mouth) {
		c.mouthN++
	}
}

func (c *Classifier) mouthVariance() (variance float64, full bool) {
	if c.mouthN < len(c.mouth) {
		return 0, false
	}
	var sum float64
	for _, v := range c.mouth {
		sum += v
	}
	mean := sum / float64(len(c.mouth))
	var sq float64
	for _, v := range c.mouth {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(c.mouth)), true
}

// exceedance maps how far a measurement overshoots its threshold to a
// confidence in [0.5, 1.0].
func exceedance(value, threshold float64) float64 {
	if threshold <= 0 {
		return 1.0
	}
	conf := 0.5 + (value/threshold-1)*0.5
	return clamp(conf, 0.5, 1.0)
}
