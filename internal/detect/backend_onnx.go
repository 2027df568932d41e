package detect

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Model file names the backend looks for under modelDir, mirroring the
// original service's search-multiple-candidate-names approach.
var personModelCandidates = []string{
	"ssd_mobilenet_v2.onnx",
	"ssd_mobilenet_v1.onnx",
	"ssd-mobilenetv1-12.onnx",
}

const faceEmbeddingModel = "face_embedding.onnx"

const (
	personInputSize = 300 // SSD-MobileNet expects 300x300 input
	faceInputSize   = 112 // common face-embedding net input size
)

var (
	envOnce   sync.Once
	envErr    error
	envActive bool
)

// ensureEnvironment initializes the ONNX Runtime environment exactly
// once for the process. Any failure (missing shared library, missing
// accelerator) is recorded and every backend subsequently treats itself
// as unavailable rather than retrying or propagating.
func ensureEnvironment() error {
	envOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB_PATH"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("initialize onnxruntime environment: %w", err)
			log.Printf("[DF] onnxruntime environment unavailable, detectors will degrade to no-op: %v", envErr)
			return
		}
		envActive = true
	})
	return envErr
}

func modelDir() string {
	if d := os.Getenv("AGENT_MODEL_DIR"); d != "" {
		return d
	}
	return "/app/models"
}

func findModel(candidates []string) (string, bool) {
	dir := modelDir()
	for _, name := range candidates {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// onnxPersonBackend runs an SSD-style object detector restricted to the
// person class.
type onnxPersonBackend struct {
	mu          sync.Mutex
	session     *ssdSession
	unavailable bool
}

func newONNXPersonBackend() *onnxPersonBackend {
	b := &onnxPersonBackend{}
	if err := ensureEnvironment(); err != nil {
		b.unavailable = true
		return b
	}
	path, ok := findModel(personModelCandidates)
	if !ok {
		log.Printf("[DF] no person-detection model found under %s, discipline detector degraded to no-op", modelDir())
		b.unavailable = true
		return b
	}
	session, err := newSSDSession(path)
	if err != nil {
		log.Printf("[DF] failed to load person-detection model %s: %v", path, err)
		b.unavailable = true
		return b
	}
	b.session = session
	return b
}

func (b *onnxPersonBackend) DetectPersons(ctx context.Context, frame Frame) ([]Box, error) {
	if b.unavailable || b.session == nil {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	input := resizeToTensor(frame, personInputSize)
	boxesOut, scoresOut, classesOut, err := b.session.runSSD(input, frame.Width, frame.Height)
	if err != nil {
		return nil, fmt.Errorf("run person-detection session: %w", err)
	}

	var boxes []Box
	for i, score := range scoresOut {
		if score <= personConfidenceFloor {
			continue
		}
		if int(classesOut[i]) != 1 { // COCO class 1 == person
			continue
		}
		boxes = append(boxes, boxesOut[i])
	}
	return boxes, nil
}

// onnxFaceBackend runs a face-embedding model over the whole frame,
// treated as a single face region. It does not locate faces: every call
// returns at most one observation, whose box spans the full frame.
type onnxFaceBackend struct {
	mu          sync.Mutex
	session     *embeddingSession
	unavailable bool
}

func newONNXFaceBackend() *onnxFaceBackend {
	b := &onnxFaceBackend{}
	if err := ensureEnvironment(); err != nil {
		b.unavailable = true
		return b
	}
	path, ok := findModel([]string{faceEmbeddingModel})
	if !ok {
		log.Printf("[DF] no face-embedding model found under %s, face detector degraded to no-op", modelDir())
		b.unavailable = true
		return b
	}
	session, err := newEmbeddingSession(path)
	if err != nil {
		log.Printf("[DF] failed to load face-embedding model %s: %v", path, err)
		b.unavailable = true
		return b
	}
	b.session = session
	return b
}

func (b *onnxFaceBackend) DetectFaces(ctx context.Context, frame Frame) ([]FaceObservation, error) {
	if b.unavailable || b.session == nil || frame.Width == 0 || frame.Height == 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	input := resizeToTensor(frame, faceInputSize)
	embedding, err := b.session.runEmbedding(input)
	if err != nil {
		return nil, fmt.Errorf("run face-embedding session: %w", err)
	}

	return []FaceObservation{{
		Box:       Box{X: 0, Y: 0, W: frame.Width, H: frame.Height},
		Embedding: embedding,
	}}, nil
}

// resizeToTensor nearest-neighbor-samples frame down to a square
// size x size x 3 float32 CHW tensor normalized to [0,1], the layout
// ONNX vision models conventionally expect.
func resizeToTensor(frame Frame, size int) []float32 {
	out := make([]float32, 3*size*size)
	if frame.Width == 0 || frame.Height == 0 {
		return out
	}
	for y := 0; y < size; y++ {
		srcY := y * frame.Height / size
		for x := 0; x < size; x++ {
			srcX := x * frame.Width / size
			srcOff := (srcY*frame.Width + srcX) * 3
			if srcOff+2 >= len(frame.Pixels) {
				continue
			}
			for c := 0; c < 3; c++ {
				out[c*size*size+y*size+x] = float32(frame.Pixels[srcOff+c]) / 255.0
			}
		}
	}
	return out
}
