package abr

import (
	"testing"

	"bufferengine/internal/logger"
	"bufferengine/internal/models"

	"github.com/stretchr/testify/assert"
)

// Per-type bandwidth estimation was chosen over a single shared estimator
// (see DESIGN.md, Open Question (b)): video and audio segments have very
// different sizes, and folding audio's tiny transfers into video's EWMA
// would make the video estimate noisy for no benefit, since the Manager
// already keeps one Chooser per media type. This test pins that decision
// down: starving one type's chooser must not affect another's, while a
// single shared estimator fed the same two transfers would pick audio's
// highest representation.
func TestManager_PerTypeBandwidthIsIndependent(t *testing.T) {
	m := NewManager(logger.Nop())

	videoReps := []*models.Representation{
		{ID: "v-low", Bitrate: 500_000},
		{ID: "v-high", Bitrate: 4_000_000},
	}
	audioReps := []*models.Representation{
		{ID: "a-low", Bitrate: 64_000},
		{ID: "a-high", Bitrate: 256_000},
	}

	// Starve the audio chooser's estimator while feeding the video chooser
	// plenty of bandwidth.
	m.Chooser(models.MediaVideo).AddEstimate(1, 5_000_000)
	m.Chooser(models.MediaAudio).AddEstimate(1, 1_000)

	videoSel := m.Chooser(models.MediaVideo).selectLocked(sortedByBitrate(videoReps))
	audioSel := m.Chooser(models.MediaAudio).selectLocked(sortedByBitrate(audioReps))

	assert.Equal(t, "v-high", videoSel.ID)
	assert.Equal(t, "a-low", audioSel.ID)

	// The not-adopted alternative: both transfers folded into one EWMA.
	shared := NewChooser(logger.Nop())
	shared.AddEstimate(1, 5_000_000)
	shared.AddEstimate(1, 1_000)
	sharedAudioSel := shared.selectLocked(sortedByBitrate(audioReps))
	assert.Equal(t, "a-high", sharedAudioSel.ID)
}

func TestManager_ChooserIsMemoizedPerMediaType(t *testing.T) {
	m := NewManager(logger.Nop())
	c1 := m.Chooser(models.MediaVideo)
	c2 := m.Chooser(models.MediaVideo)
	assert.Same(t, c1, c2)
}

func TestManager_SetThrottleAppliesToAllKnownChoosers(t *testing.T) {
	m := NewManager(logger.Nop())
	reps := []*models.Representation{
		{ID: "low", Bitrate: 500_000},
		{ID: "high", Bitrate: 4_000_000},
	}
	video := m.Chooser(models.MediaVideo)
	video.AddEstimate(1, 5_000_000)

	m.SetThrottle(500_000)

	sel := video.selectLocked(sortedByBitrate(reps))
	assert.Equal(t, "low", sel.ID)
}
