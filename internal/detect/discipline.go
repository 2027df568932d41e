package detect

import (
	"context"
	"math"
	"sync"

	"github.com/parikshanai/edge-agent/internal/queue"
)

const personConfidenceFloor = 0.5

// PersonBackend restricts object detection to the person class, already
// filtered by an internal confidence floor.
type PersonBackend interface {
	DetectPersons(ctx context.Context, frame Frame) ([]Box, error)
}

// DisciplineDetector runs three heuristics over a single frame's person
// boxes: crowding, running, and fighting.
type DisciplineDetector struct {
	fightConfidence   float64
	crowdingThreshold int
	runningThreshold  int

	backend  PersonBackend
	initOnce sync.Once

	mu            sync.Mutex
	prevCentroids []centroid // overwritten every call; ordinal-indexed on purpose (see Detect)
}

type centroid struct{ x, y float64 }

// NewDisciplineDetector builds a discipline detector with thresholds
// already normalized where applicable (fightConfidence in [0,1];
// crowding/running thresholds are raw person counts).
func NewDisciplineDetector(fightConfidence float64, crowdingThreshold, runningThreshold int) *DisciplineDetector {
	return &DisciplineDetector{
		fightConfidence:   fightConfidence,
		crowdingThreshold: crowdingThreshold,
		runningThreshold:  runningThreshold,
	}
}

func (d *DisciplineDetector) Name() string { return "discipline" }

func (d *DisciplineDetector) ensureInitialized() {
	d.initOnce.Do(func() {
		d.backend = newONNXPersonBackend()
	})
}

// Detect runs crowding, running, and fight heuristics over the frame's
// detected person boxes.
//
// The running heuristic pairs each current box with whatever box held
// the same ordinal index in the previous frame. This correspondence is
// not identity tracking — if detection order changes between frames
// (a person steps in front of another, a box disappears), a runner can
// be attributed to the wrong person or missed entirely. This reproduces
// the reference detector's behavior faithfully rather than replacing it
// with centroid-nearest-neighbor matching, per the open design question
// on this heuristic; callers who need robust tracking should not rely on
// per-identity running attribution from this detector.
func (d *DisciplineDetector) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	d.ensureInitialized()
	if d.backend == nil {
		return nil, nil
	}

	boxes, err := d.backend.DetectPersons(ctx, frame)
	if err != nil {
		return nil, err
	}

	var detections []Detection

	if len(boxes) >= d.crowdingThreshold && d.crowdingThreshold > 0 {
		detections = append(detections, Detection{
			Type: queue.EventDiscipline,
			Data: map[string]any{"subtype": "CROWDING", "confidence": 0.9, "count": len(boxes)},
		})
	}

	current := make([]centroid, len(boxes))
	for i, b := range boxes {
		cx, cy := b.centroid()
		current[i] = centroid{cx, cy}
	}

	d.mu.Lock()
	prev := d.prevCentroids
	d.prevCentroids = current
	d.mu.Unlock()

	runners := 0
	for i, c := range current {
		if i >= len(prev) {
			continue
		}
		dx := c.x - prev[i].x
		dy := c.y - prev[i].y
		if math.Hypot(dx, dy) > 50 {
			runners++
		}
	}
	if d.runningThreshold > 0 && runners >= d.runningThreshold {
		detections = append(detections, Detection{
			Type: queue.EventDiscipline,
			Data: map[string]any{"subtype": "RUNNING", "confidence": 0.85, "count": runners},
		})
	}

	if conf := fightConfidence(boxes); conf > 0 {
		detections = append(detections, Detection{
			Type: queue.EventDiscipline,
			Data: map[string]any{"subtype": "FIGHT", "confidence": conf},
		})
	}

	return detections, nil
}

// fightConfidence returns 0.85 if any two boxes' centroids are closer
// than half the pair's own average box height, else 0.0. The threshold
// is recomputed per pair rather than from a frame-wide average, so it
// scales with how close the two people in question actually are to the
// camera.
func fightConfidence(boxes []Box) float64 {
	if len(boxes) < 2 {
		return 0.0
	}

	for i := 0; i < len(boxes); i++ {
		xi, yi := boxes[i].centroid()
		for j := i + 1; j < len(boxes); j++ {
			xj, yj := boxes[j].centroid()
			threshold := (float64(boxes[i].H) + float64(boxes[j].H)) / 2 * 0.5
			if math.Hypot(xi-xj, yi-yj) < threshold {
				return 0.85
			}
		}
	}
	return 0.0
}
