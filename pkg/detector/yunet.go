package detector

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// YuNetConfig configures the YuNet face detector.
type YuNetConfig struct {
	ModelPath        string  `yaml:"model_path" json:"model_path"`
	ConfidenceThresh float64 `yaml:"confidence" json:"confidence"`
	InputWidth       int     `yaml:"input_width" json:"input_width"`
	InputHeight      int     `yaml:"input_height" json:"input_height"`
}

// DefaultYuNetConfig returns production defaults for YuNet.
func DefaultYuNetConfig() YuNetConfig {
	return YuNetConfig{
		ModelPath:        "models/face_detection_yunet.onnx",
		ConfidenceThresh: 0.5,
		InputWidth:       320,
		InputHeight:      320,
	}
}

// YuNetDetector uses OpenCV's FaceDetectorYN.
type YuNetDetector struct {
	detector gocv.FaceDetectorYN
	mu       sync.Mutex // Protects inference
}

// NewYuNet loads the ONNX model.
func NewYuNet(cfg YuNetConfig) (*YuNetDetector, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	// Input size is updated per frame.
	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ConfidenceThresh),
		0.3,  // NMS threshold
		5000, // Top K
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)
	return &YuNetDetector{detector: detector}, nil
}

// Detect decodes a JPEG and finds faces in it.
func (d *YuNetDetector) Detect(jpeg []byte) ([]Detection, error) {
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()
	return d.DetectMat(img)
}

// DetectMat finds faces in a decoded frame.
func (d *YuNetDetector) DetectMat(img gocv.Mat) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if img.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	imgW := float64(img.Cols())
	imgH := float64(img.Rows())
	d.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	d.detector.Detect(img, &faces)

	// Rows are x, y, w, h, 5 landmark pairs, score.
	detections := make([]Detection, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		detections = append(detections, Detection{
			X:          float64(faces.GetFloatAt(r, 0)) / imgW,
			Y:          float64(faces.GetFloatAt(r, 1)) / imgH,
			W:          float64(faces.GetFloatAt(r, 2)) / imgW,
			H:          float64(faces.GetFloatAt(r, 3)) / imgH,
			Confidence: float64(faces.GetFloatAt(r, 14)),
		})
	}
	return detections, nil
}

// Close releases the detector resources
func (d *YuNetDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}
