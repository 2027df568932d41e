package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPersonBackend struct {
	sequences [][]Box
	call      int
}

func (s *stubPersonBackend) DetectPersons(ctx context.Context, frame Frame) ([]Box, error) {
	if s.call >= len(s.sequences) {
		return s.sequences[len(s.sequences)-1], nil
	}
	boxes := s.sequences[s.call]
	s.call++
	return boxes, nil
}

func TestDiscipline_Crowding(t *testing.T) {
	d := NewDisciplineDetector(0.85, 3, 100)
	d.backend = &stubPersonBackend{sequences: [][]Box{
		{{X: 0, Y: 0, W: 10, H: 10}, {X: 100, Y: 0, W: 10, H: 10}, {X: 200, Y: 0, W: 10, H: 10}},
	}}
	d.initOnce.Do(func() {}) // mark init done so ensureInitialized is a no-op

	dets, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480})
	require.NoError(t, err)

	found := false
	for _, det := range dets {
		if det.Data["subtype"] == "CROWDING" {
			found = true
			assert.Equal(t, 0.9, det.Data["confidence"])
		}
	}
	assert.True(t, found, "expected a CROWDING detection")
}

func TestDiscipline_Running_OrdinalCorrespondence(t *testing.T) {
	d := NewDisciplineDetector(0.85, 100, 1)
	d.backend = &stubPersonBackend{sequences: [][]Box{
		{{X: 0, Y: 0, W: 10, H: 10}},
		{{X: 100, Y: 0, W: 10, H: 10}}, // same ordinal index, moved >50px
	}}
	d.initOnce.Do(func() {})

	_, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480})
	require.NoError(t, err)

	dets, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480})
	require.NoError(t, err)

	found := false
	for _, det := range dets {
		if det.Data["subtype"] == "RUNNING" {
			found = true
		}
	}
	assert.True(t, found, "expected a RUNNING detection from ordinal-index centroid movement")
}

func TestDiscipline_Fight_ProximityThreshold(t *testing.T) {
	d := NewDisciplineDetector(0.85, 100, 100)
	// two boxes of height 20, centroids 5px apart (< 0.5*20=10) => fight
	d.backend = &stubPersonBackend{sequences: [][]Box{
		{{X: 0, Y: 0, W: 10, H: 20}, {X: 5, Y: 0, W: 10, H: 20}},
	}}
	d.initOnce.Do(func() {})

	dets, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480})
	require.NoError(t, err)

	found := false
	for _, det := range dets {
		if det.Data["subtype"] == "FIGHT" {
			found = true
			assert.Equal(t, 0.85, det.Data["confidence"])
		}
	}
	assert.True(t, found, "expected a FIGHT detection")
}

func TestDiscipline_Fight_PerPairThreshold(t *testing.T) {
	d := NewDisciplineDetector(0.85, 100, 100)
	// boxes[0] and boxes[1]: height 20, centroids 8px apart (< 0.5*20=10) => fight.
	// boxes[2]: height 200, far away from both, and its huge height must
	// not inflate the threshold used for the (0,1) pair via a frame-wide
	// average.
	d.backend = &stubPersonBackend{sequences: [][]Box{
		{{X: 0, Y: 0, W: 10, H: 20}, {X: 8, Y: 0, W: 10, H: 20}, {X: 1000, Y: 1000, W: 10, H: 200}},
	}}
	d.initOnce.Do(func() {})

	dets, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480})
	require.NoError(t, err)

	found := false
	for _, det := range dets {
		if det.Data["subtype"] == "FIGHT" {
			found = true
		}
	}
	assert.True(t, found, "expected a FIGHT detection from the close pair regardless of the third box's height")
}

func TestDiscipline_Fight_PerPairThreshold_NoFalsePositiveFromTallNeighbor(t *testing.T) {
	d := NewDisciplineDetector(0.85, 100, 100)
	// boxes[0] and boxes[1]: height 20, centroids 15px apart. Per-pair
	// threshold is 0.5*20=10, so 15px apart must NOT trigger a fight even
	// though a frame-wide average pulled up by boxes[2]'s height 200
	// would have produced a threshold large enough to (wrongly) trigger.
	d.backend = &stubPersonBackend{sequences: [][]Box{
		{{X: 0, Y: 0, W: 10, H: 20}, {X: 15, Y: 0, W: 10, H: 20}, {X: 1000, Y: 1000, W: 10, H: 200}},
	}}
	d.initOnce.Do(func() {})

	dets, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480})
	require.NoError(t, err)

	for _, det := range dets {
		assert.NotEqual(t, "FIGHT", det.Data["subtype"], "per-pair threshold must not be inflated by an unrelated tall box")
	}
}

func TestDiscipline_NoPersons_NoDetections(t *testing.T) {
	d := NewDisciplineDetector(0.85, 1, 1)
	d.backend = &stubPersonBackend{sequences: [][]Box{{}}}
	d.initOnce.Do(func() {})

	dets, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480})
	require.NoError(t, err)
	assert.Empty(t, dets)
}
