package detect

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// ssdSession wraps a loaded SSD-MobileNet-style ONNX session: one input
// tensor (1x3xSxS image) and three outputs (boxes, scores, classes).
type ssdSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	boxes   *ort.Tensor[float32]
	scores  *ort.Tensor[float32]
	classes *ort.Tensor[float32]
}

func newSSDSession(modelPath string) (*ssdSession, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, personInputSize, personInputSize))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	const maxDetections = 100
	boxes, err := ort.NewEmptyTensor[float32](ort.NewShape(1, maxDetections, 4))
	if err != nil {
		return nil, fmt.Errorf("allocate boxes tensor: %w", err)
	}
	scores, err := ort.NewEmptyTensor[float32](ort.NewShape(1, maxDetections))
	if err != nil {
		return nil, fmt.Errorf("allocate scores tensor: %w", err)
	}
	classes, err := ort.NewEmptyTensor[float32](ort.NewShape(1, maxDetections))
	if err != nil {
		return nil, fmt.Errorf("allocate classes tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"image_tensor"},
		[]string{"detection_boxes", "detection_scores", "detection_classes"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{boxes, scores, classes},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &ssdSession{session: session, input: input, boxes: boxes, scores: scores, classes: classes}, nil
}

// runSSD copies pixels into the input tensor, runs the session, and
// returns boxes already converted to pixel-space for a frame of
// frameW x frameH: the model's boxes are normalized to [0,1] regardless
// of input resize, so each coordinate is scaled by the frame dimensions
// here.
func (s *ssdSession) runSSD(pixels []float32, frameW, frameH int) ([]Box, []float32, []float32, error) {
	copy(s.input.GetData(), pixels)
	if err := s.session.Run(); err != nil {
		return nil, nil, nil, err
	}

	boxData := s.boxes.GetData()
	scores := s.scores.GetData()
	classes := s.classes.GetData()

	n := len(scores)
	boxes := make([]Box, n)
	for i := 0; i < n; i++ {
		ymin, xmin, ymax, xmax := boxData[i*4], boxData[i*4+1], boxData[i*4+2], boxData[i*4+3]
		boxes[i] = Box{
			X: int(xmin * float32(frameW)),
			Y: int(ymin * float32(frameH)),
			W: int((xmax - xmin) * float32(frameW)),
			H: int((ymax - ymin) * float32(frameH)),
		}
	}
	return boxes, scores, classes, nil
}

// embeddingSession wraps a loaded face-embedding ONNX session: one input
// tensor (1x3xSxS face crop) and one 128-dim embedding output.
type embeddingSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func newEmbeddingSession(modelPath string) (*embeddingSession, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, faceInputSize, faceInputSize))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, embeddingDims))
	if err != nil {
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"},
		[]string{"embedding"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &embeddingSession{session: session, input: input, output: output}, nil
}

func (s *embeddingSession) runEmbedding(pixels []float32) ([128]float64, error) {
	var out [embeddingDims]float64
	copy(s.input.GetData(), pixels)
	if err := s.session.Run(); err != nil {
		return out, err
	}
	data := s.output.GetData()
	for i := 0; i < embeddingDims && i < len(data); i++ {
		out[i] = float64(data[i])
	}
	return out, nil
}
