// Package detect implements the Detector Facade: a per-camera composite
// of enabled detectors invoked once per decimated frame.
package detect

import (
	"context"

	"github.com/parikshanai/edge-agent/internal/config"
	"github.com/parikshanai/edge-agent/internal/queue"
)

// Frame is a single decoded video frame handed to detectors. Pixels are
// row-major BGR24, matching what the capture layer hands off — the same
// layout the face detector expects to downsample and channel-swap.
type Frame struct {
	Width  int
	Height int
	Pixels []byte
}

// Box is an axis-aligned bounding box in pixel coordinates.
type Box struct {
	X, Y, W, H int
}

func (b Box) centroid() (float64, float64) {
	return float64(b.X) + float64(b.W)/2, float64(b.Y) + float64(b.H)/2
}

// Detection is a single structured observation produced by a detector
// for one frame. Data is later wrapped into a durable queue.Record by
// the orchestrator's callback.
type Detection struct {
	Type queue.EventType
	Data map[string]any
}

// Detector is the capability every detector variant implements. A
// detector must never let an internal failure propagate — Composite
// isolates failures per-detector, but a detector that panics internally
// should recover and return an error instead.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
	Name() string
}

// ErrorSink receives per-detector failures so the caller (a stream task)
// can count them without Composite needing a back-reference to it.
type ErrorSink func(detectorName string, err error)

// Composite runs a fixed sequence of detectors per frame, concatenating
// results and isolating failures so one detector's error never masks
// another's output.
type Composite struct {
	detectors []Detector
	onError   ErrorSink
}

// NewComposite wraps detectors for sequential, fail-isolated invocation.
func NewComposite(onError ErrorSink, detectors ...Detector) *Composite {
	return &Composite{detectors: detectors, onError: onError}
}

// UpdateFaceEncodings swaps the enrollment set on any face detector in
// this composite in place, without rebuilding the composite itself — so
// a config refresh never loses a discipline detector's motion history.
func (c *Composite) UpdateFaceEncodings(encodings []config.FaceEncoding) {
	for _, d := range c.detectors {
		if fd, ok := d.(*FaceDetector); ok {
			fd.SetKnown(encodings)
		}
	}
}

// Detect runs every inner detector and concatenates their results.
func (c *Composite) Detect(ctx context.Context, frame Frame) []Detection {
	var all []Detection
	for _, d := range c.detectors {
		dets, err := d.Detect(ctx, frame)
		if err != nil {
			if c.onError != nil {
				c.onError(d.Name(), err)
			}
			continue
		}
		all = append(all, dets...)
	}
	return all
}

// Build constructs the detector composite for a camera. Construction is
// a pure function of (cameraType, faceEncodings, schoolConfig): face
// detection is included when enabled; discipline detection is included
// only when enabled AND the camera type is one that discipline alerts
// apply to.
func Build(cameraType config.CameraType, faceEncodings []config.FaceEncoding, school config.SchoolConfig, onError ErrorSink) *Composite {
	var detectors []Detector

	if school.EnableFaceRecognition {
		detectors = append(detectors, NewFaceDetector(faceEncodings, school.AttendanceConfidence))
	}

	if school.EnableDisciplineAlerts && disciplineEligible(cameraType) {
		detectors = append(detectors, NewDisciplineDetector(school.FightConfidence, school.CrowdingThreshold, school.RunningThreshold))
	}

	return NewComposite(onError, detectors...)
}

func disciplineEligible(t config.CameraType) bool {
	switch t {
	case config.CameraTypeCorridor, config.CameraTypeClassroom, config.CameraTypeEntry:
		return true
	default:
		return false
	}
}
