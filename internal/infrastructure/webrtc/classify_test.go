package webrtc

import (
	"testing"

	"meshspace/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPriorityChain(t *testing.T) {
	meta := domain.MediaMetadata{ScreenTrackIDs: []string{"t-screen"}}

	cases := []struct {
		name  string
		track TrackInfo
		want  domain.TrackKind
	}{
		{"audio wins over everything", TrackInfo{ID: "t-screen", Kind: "audio", Label: "screen"}, domain.TrackAudio},
		{"announced id", TrackInfo{ID: "t-screen", Kind: "video", Label: "webcam"}, domain.TrackScreen},
		{"display surface hint", TrackInfo{ID: "t1", Kind: "video", DisplaySurface: true}, domain.TrackScreen},
		{"label screen", TrackInfo{ID: "t2", Kind: "video", Label: "Screen Capture"}, domain.TrackScreen},
		{"label monitor", TrackInfo{ID: "t3", Kind: "video", Label: "primary MONITOR feed"}, domain.TrackScreen},
		{"label window", TrackInfo{ID: "t4", Kind: "video", Label: "app window"}, domain.TrackScreen},
		{"plain video is camera", TrackInfo{ID: "t5", Kind: "video", Label: "FaceTime HD Camera"}, domain.TrackCamera},
		{"unlabeled video is camera", TrackInfo{ID: "t6", Kind: "video"}, domain.TrackCamera},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.track, meta))
		})
	}
}

func TestTrackStoreDedup(t *testing.T) {
	s := newTrackStore()

	assert.True(t, s.add(&domain.TrackStream{ID: "a", Kind: domain.TrackAudio}))
	assert.False(t, s.add(&domain.TrackStream{ID: "a", Kind: domain.TrackAudio}), "same id never stored twice")
	assert.False(t, s.add(&domain.TrackStream{ID: "a", Kind: domain.TrackCamera}), "not even under another kind")

	assert.Len(t, s.tracks(domain.TrackAudio), 1)
	assert.Empty(t, s.tracks(domain.TrackCamera))
}

func TestTrackStoreReclassifyMovesOnce(t *testing.T) {
	s := newTrackStore()
	s.add(&domain.TrackStream{ID: "c1", Kind: domain.TrackCamera})
	s.add(&domain.TrackStream{ID: "c2", Kind: domain.TrackCamera})
	s.add(&domain.TrackStream{ID: "s1", Kind: domain.TrackScreen})

	moved := s.reclassify("c1")
	require.NotNil(t, moved)
	assert.Equal(t, domain.TrackScreen, moved.Kind)

	// Membership in exactly one set, order preserved in destination.
	cams := s.tracks(domain.TrackCamera)
	require.Len(t, cams, 1)
	assert.Equal(t, "c2", cams[0].ID)

	screens := s.tracks(domain.TrackScreen)
	require.Len(t, screens, 2)
	assert.Equal(t, "s1", screens[0].ID)
	assert.Equal(t, "c1", screens[1].ID)

	// Second reclassification of the same id is a no-op.
	assert.Nil(t, s.reclassify("c1"))
	assert.Len(t, s.tracks(domain.TrackScreen), 2)

	// Audio and unknown ids never move.
	s.add(&domain.TrackStream{ID: "aud", Kind: domain.TrackAudio})
	assert.Nil(t, s.reclassify("aud"))
	assert.Nil(t, s.reclassify("nope"))
}

func TestTrackStoreOpenKindsAndClear(t *testing.T) {
	s := newTrackStore()
	s.add(&domain.TrackStream{ID: "a", Kind: domain.TrackAudio})
	s.add(&domain.TrackStream{ID: "v", Kind: domain.TrackCamera})

	assert.Equal(t, []domain.TrackKind{domain.TrackAudio, domain.TrackCamera}, s.openKinds())

	s.clear()
	assert.Empty(t, s.openKinds())
	assert.True(t, s.add(&domain.TrackStream{ID: "a", Kind: domain.TrackAudio}), "seen index cleared too")
}
