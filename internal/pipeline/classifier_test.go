package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusguard/proctor/internal/detector"
	"github.com/focusguard/proctor/internal/models"
)

func classify(c *Classifier, f detector.Frame) Observation {
	return c.Classify(ExtractFeatures(f))
}

func TestClassifierNeutralIsNormal(t *testing.T) {
	c := NewClassifier(DefaultThresholds())
	obs := classify(c, neutralFrame(1, time.Now()))
	assert.Equal(t, models.BehaviorNormal, obs.Behavior)
	assert.Equal(t, 1.0, obs.Confidence)
}

func TestClassifierNoFace(t *testing.T) {
	c := NewClassifier(DefaultThresholds())
	obs := classify(c, detector.Frame{Seq: 2, Timestamp: time.Now()})
	assert.Equal(t, models.BehaviorNoFace, obs.Behavior)
	assert.Equal(t, 1.0, obs.Confidence)
	assert.Equal(t, uint64(2), obs.Seq)
}

func TestClassifierHeadTurn(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	// Nose at x=0.35 puts yaw at -45, past the 40 degree cutoff.
	left := neutralFrame(1, time.Now())
	left.Points[detector.NoseTip].X = 0.35
	obs := classify(c, left)
	assert.Equal(t, models.BehaviorLookingLeft, obs.Behavior)
	assert.InDelta(t, 0.5625, obs.Confidence, 1e-9)

	right := neutralFrame(2, time.Now())
	right.Points[detector.NoseTip].X = 0.65
	obs = classify(c, right)
	assert.Equal(t, models.BehaviorLookingRight, obs.Behavior)
}

func TestClassifierGazeAside(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	// Head straight, eyes glancing hard left: gaze offset -0.8.
	f := neutralFrame(1, time.Now())
	f.Points[detector.LeftIris].X = 0.36
	f.Points[detector.RightIris].X = 0.56
	obs := classify(c, f)
	assert.Equal(t, models.BehaviorLookingLeft, obs.Behavior)

	f = neutralFrame(2, time.Now())
	f.Points[detector.LeftIris].X = 0.44
	f.Points[detector.RightIris].X = 0.64
	obs = classify(c, f)
	assert.Equal(t, models.BehaviorLookingRight, obs.Behavior)
}

func TestClassifierHeadDown(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	// Nose dropped: pitch -30, past the 25 degree cutoff.
	f := neutralFrame(1, time.Now())
	f.Points[detector.NoseTip].Y = 0.68
	obs := classify(c, f)
	assert.Equal(t, models.BehaviorHeadDown, obs.Behavior)

	// Head level but eyes cast down past the vertical gaze cutoff.
	f = neutralFrame(2, time.Now())
	f.Points[detector.LeftIris].Y = 0.418
	f.Points[detector.RightIris].Y = 0.418
	obs = classify(c, f)
	assert.Equal(t, models.BehaviorHeadDown, obs.Behavior)
}

func TestClassifierTalkingNeedsFullWindow(t *testing.T) {
	th := DefaultThresholds()
	c := NewClassifier(th)
	start := time.Now()

	// Alternate mouth open/closed. The variance rule stays quiet until the
	// ring buffer holds a full window of ratios.
	for i := 0; i < th.MouthWindow-1; i++ {
		f := neutralFrame(uint64(i), start.Add(time.Duration(i)*33*time.Millisecond))
		if i%2 == 1 {
			setMouthRatio(&f, 0.55)
		}
		obs := classify(c, f)
		require.Equal(t, models.BehaviorNormal, obs.Behavior, "frame %d", i)
	}

	f := neutralFrame(uint64(th.MouthWindow), start.Add(time.Second))
	setMouthRatio(&f, 0.55)
	obs := classify(c, f)
	assert.Equal(t, models.BehaviorTalking, obs.Behavior)

	// Reset clears the window, so talking must re-accumulate.
	c.Reset()
	obs = classify(c, f)
	assert.Equal(t, models.BehaviorNormal, obs.Behavior)
}

func TestClassifierSteadyMouthIsNotTalking(t *testing.T) {
	th := DefaultThresholds()
	c := NewClassifier(th)
	start := time.Now()

	// A mouth held open at a constant ratio has zero variance.
	for i := 0; i < th.MouthWindow+5; i++ {
		f := neutralFrame(uint64(i), start.Add(time.Duration(i)*33*time.Millisecond))
		setMouthRatio(&f, 0.55)
		obs := classify(c, f)
		require.Equal(t, models.BehaviorNormal, obs.Behavior, "frame %d", i)
	}
}

func TestClassifierRulePrecedence(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	// Nose moved both left and down triggers looking_left and head_down;
	// the turn rule wins.
	f := neutralFrame(1, time.Now())
	f.Points[detector.NoseTip].X = 0.35
	f.Points[detector.NoseTip].Y = 0.68
	obs := classify(c, f)
	assert.Equal(t, models.BehaviorLookingLeft, obs.Behavior)
}

func TestClassifierConfidenceBounds(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	// Barely over the threshold: confidence just above 0.5.
	mild := neutralFrame(1, time.Now())
	mild.Points[detector.NoseTip].X = 0.363 // yaw about -41
	obs := classify(c, mild)
	require.Equal(t, models.BehaviorLookingLeft, obs.Behavior)
	assert.GreaterOrEqual(t, obs.Confidence, 0.5)
	assert.Less(t, obs.Confidence, 0.6)

	// Extreme overshoot clamps at 1.0.
	extreme := neutralFrame(2, time.Now())
	extreme.Points[detector.NoseTip].X = 0.20 // yaw -90
	obs = classify(c, extreme)
	require.Equal(t, models.BehaviorLookingLeft, obs.Behavior)
	assert.Equal(t, 1.0, obs.Confidence)
}
