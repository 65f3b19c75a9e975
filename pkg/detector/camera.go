package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// CameraConfig configures a local camera source.
type CameraConfig struct {
	// Device is a camera index ("0") or a capture URL.
	Device string `yaml:"device" json:"device"`

	// FPS is the detection rate.
	FPS int `yaml:"fps" json:"fps"`

	YuNet YuNetConfig `yaml:"yunet" json:"yunet"`
	Level LevelConfig `yaml:"level" json:"level"`
}

// DefaultCameraConfig returns defaults for a USB webcam.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		Device: "0",
		FPS:    10,
		YuNet:  DefaultYuNetConfig(),
		Level:  DefaultLevelConfig(),
	}
}

// CameraSource reads frames from a local camera and runs YuNet on them.
type CameraSource struct {
	cfg    CameraConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewCameraSource creates a camera source.
func NewCameraSource(cfg CameraConfig, logger *slog.Logger) *CameraSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultCameraConfig().FPS
	}
	return &CameraSource{cfg: cfg, logger: logger, now: time.Now}
}

// Run opens the camera and emits one reading per processed frame.
func (s *CameraSource) Run(ctx context.Context, emit func(proximity.Reading)) error {
	det, err := NewYuNet(s.cfg.YuNet)
	if err != nil {
		return err
	}
	defer det.Close()

	cam, err := gocv.OpenVideoCapture(s.cfg.Device)
	if err != nil {
		return fmt.Errorf("open camera %s: %w", s.cfg.Device, err)
	}
	defer cam.Close()

	frame := gocv.NewMat()
	defer frame.Close()

	s.logger.Info("camera source started", "device", s.cfg.Device, "fps", s.cfg.FPS)

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if ok := cam.Read(&frame); !ok || frame.Empty() {
			misses++
			if misses%50 == 1 {
				s.logger.Warn("camera frame unavailable", "device", s.cfg.Device, "misses", misses)
			}
			continue
		}
		misses = 0

		dets, err := det.DetectMat(frame)
		if err != nil {
			s.logger.Debug("detection failed", "error", err)
			continue
		}
		emit(proximity.Reading{
			Level:       LevelFromDetections(dets, s.cfg.Level),
			TimestampMs: s.now().UnixMilli(),
		})
	}
}
