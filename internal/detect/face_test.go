package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parikshanai/edge-agent/internal/config"
)

type stubFaceBackend struct {
	observations []FaceObservation
}

func (s *stubFaceBackend) DetectFaces(ctx context.Context, frame Frame) ([]FaceObservation, error) {
	return s.observations, nil
}

func TestFaceDetector_EmitsAttendanceAboveThreshold(t *testing.T) {
	var enrolled [128]float64
	enrolled[0] = 1.0

	probe := enrolled // exact match -> distance 0 -> confidence 1.0

	section := 7
	known := []config.FaceEncoding{{EntityType: "STUDENT", EntityID: 42, SectionID: &section, Embedding: enrolled}}

	d := NewFaceDetector(known, 0.80)
	d.backend = &stubFaceBackend{observations: []FaceObservation{{Embedding: probe}}}
	d.initOnce.Do(func() {})

	dets, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480, Pixels: make([]byte, 640*480*3)})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 42, dets[0].Data["entityId"])
	assert.Equal(t, 7, dets[0].Data["sectionId"])
	assert.InDelta(t, 1.0, dets[0].Data["confidence"], 0.0001)
}

func TestFaceDetector_BelowThresholdSuppressed(t *testing.T) {
	var enrolled, probe [128]float64
	enrolled[0] = 1.0
	probe[0] = 0.0 // distance 1.0 -> confidence 0.0

	known := []config.FaceEncoding{{EntityType: "STUDENT", EntityID: 1, Embedding: enrolled}}
	d := NewFaceDetector(known, 0.80)
	d.backend = &stubFaceBackend{observations: []FaceObservation{{Embedding: probe}}}
	d.initOnce.Do(func() {})

	dets, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480, Pixels: make([]byte, 640*480*3)})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestFaceDetector_NoKnownEncodings_NoOp(t *testing.T) {
	d := NewFaceDetector(nil, 0.80)
	dets, err := d.Detect(context.Background(), Frame{Width: 640, Height: 480})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestDownsampleAndSwapChannels(t *testing.T) {
	// 2x2 BGR frame: pixel(0,0) = B0 G0 R0 = (10,20,30)
	frame := Frame{Width: 2, Height: 2, Pixels: []byte{
		10, 20, 30, 1, 1, 1,
		1, 1, 1, 1, 1, 1,
	}}
	out := downsampleAndSwapChannels(frame)
	require.Equal(t, 1, out.Width)
	require.Equal(t, 1, out.Height)
	// swapped to RGB: R0=30, G0=20, B0=10
	assert.Equal(t, []byte{30, 20, 10}, out.Pixels)
}

func TestBuild_FaceOnlyForGeneralCamera(t *testing.T) {
	school := config.SchoolConfig{EnableFaceRecognition: true, EnableDisciplineAlerts: true}
	composite := Build(config.CameraTypeGeneral, nil, school, nil)
	assert.Len(t, composite.detectors, 1, "GENERAL cameras should not get a discipline detector")
}

func TestBuild_FaceAndDisciplineForCorridor(t *testing.T) {
	school := config.SchoolConfig{EnableFaceRecognition: true, EnableDisciplineAlerts: true}
	composite := Build(config.CameraTypeCorridor, nil, school, nil)
	assert.Len(t, composite.detectors, 2)
}

func TestComposite_IsolatesPerDetectorFailure(t *testing.T) {
	var reported string
	onError := func(name string, err error) { reported = name }

	composite := NewComposite(onError, &failingDetector{}, &okDetector{})
	dets := composite.Detect(context.Background(), Frame{})

	assert.Equal(t, "failing", reported)
	require.Len(t, dets, 1)
}

type failingDetector struct{}

func (f *failingDetector) Name() string { return "failing" }
func (f *failingDetector) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	return nil, assert.AnError
}

type okDetector struct{}

func (o *okDetector) Name() string { return "ok" }
func (o *okDetector) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	return []Detection{{Data: map[string]any{"ok": true}}}, nil
}
