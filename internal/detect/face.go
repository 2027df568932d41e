package detect

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/parikshanai/edge-agent/internal/config"
	"github.com/parikshanai/edge-agent/internal/queue"
)

// embeddingDims is the fixed width of a face embedding vector, matching
// the wire format's 128x float64 layout.
const embeddingDims = 128

// FaceObservation is a single detected face in a frame: its location and
// its computed 128-dim embedding.
type FaceObservation struct {
	Box       Box
	Embedding [128]float64
}

// FaceBackend locates faces in a frame and computes their embeddings.
// The production backend is model-backed (see backend_onnx.go); it is
// abstracted here so FaceDetector's matching logic is testable without a
// loaded model.
type FaceBackend interface {
	DetectFaces(ctx context.Context, frame Frame) ([]FaceObservation, error)
}

// FaceDetector matches detected faces against a set of known embeddings.
// known is held behind an atomic pointer so a config refresh can replace
// the enrollment set in place without restarting the owning stream task.
type FaceDetector struct {
	known     atomic.Pointer[[]config.FaceEncoding]
	threshold float64
	backend   FaceBackend

	initOnce sync.Once
}

// NewFaceDetector builds a face detector configured with precomputed
// embeddings and a confidence threshold already normalized to [0,1].
func NewFaceDetector(known []config.FaceEncoding, threshold float64) *FaceDetector {
	f := &FaceDetector{threshold: threshold}
	f.known.Store(&known)
	return f
}

// SetKnown atomically replaces the enrollment set, wholesale, per the
// config-sync contract (enrollments are immutable once loaded and
// replaced wholesale by the next sync).
func (f *FaceDetector) SetKnown(known []config.FaceEncoding) {
	f.known.Store(&known)
}

func (f *FaceDetector) Name() string { return "face" }

// ensureInitialized lazily binds the model backend on first use. A
// failure to load the backend degrades to a no-op detector rather than
// propagating — matching the facade's graceful-degradation design.
func (f *FaceDetector) ensureInitialized() {
	f.initOnce.Do(func() {
		f.backend = newONNXFaceBackend()
	})
}

// Detect downsamples the frame 2x per axis, swaps BGR to RGB channel
// order, locates faces, computes embeddings, and for each probe
// embedding finds the closest known embedding by Euclidean distance.
func (f *FaceDetector) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	f.ensureInitialized()
	known := *f.known.Load()
	if f.backend == nil || len(known) == 0 {
		return nil, nil
	}

	downsampled := downsampleAndSwapChannels(frame)

	observations, err := f.backend.DetectFaces(ctx, downsampled)
	if err != nil {
		return nil, err
	}

	var detections []Detection
	for _, obs := range observations {
		bestIdx, bestDist := bestMatch(obs.Embedding, known)
		if bestIdx < 0 {
			continue
		}
		confidence := 1 - bestDist
		if confidence < f.threshold {
			continue
		}
		match := known[bestIdx]
		data := map[string]any{
			"entityType": match.EntityType,
			"entityId":   match.EntityID,
			"confidence": confidence,
		}
		if match.SectionID != nil {
			data["sectionId"] = *match.SectionID
		}
		detections = append(detections, Detection{Type: queue.EventAttendance, Data: data})
	}
	return detections, nil
}

// downsampleAndSwapChannels halves the frame's resolution in each axis
// and reverses channel order (BGR -> RGB), matching the reference
// pipeline's frame[::2, ::2, :][:, :, ::-1] preprocessing.
func downsampleAndSwapChannels(frame Frame) Frame {
	const channels = 3
	outW, outH := frame.Width/2, frame.Height/2
	if outW <= 0 || outH <= 0 {
		return Frame{}
	}
	out := make([]byte, outW*outH*channels)

	for y := 0; y < outH; y++ {
		srcY := y * 2
		for x := 0; x < outW; x++ {
			srcX := x * 2
			srcOff := (srcY*frame.Width + srcX) * channels
			dstOff := (y*outW + x) * channels
			if srcOff+2 >= len(frame.Pixels) {
				continue
			}
			// BGR -> RGB
			out[dstOff+0] = frame.Pixels[srcOff+2]
			out[dstOff+1] = frame.Pixels[srcOff+1]
			out[dstOff+2] = frame.Pixels[srcOff+0]
		}
	}

	return Frame{Width: outW, Height: outH, Pixels: out}
}

// bestMatch returns the index of the closest known embedding and its
// Euclidean distance to probe, or (-1, 0) if known is empty.
func bestMatch(probe [128]float64, known []config.FaceEncoding) (int, float64) {
	bestIdx := -1
	bestDist := math.MaxFloat64
	for i, k := range known {
		d := euclideanDistance(probe, k.Embedding)
		if d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	return bestIdx, bestDist
}

func euclideanDistance(a, b [128]float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
