package source

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Camera captures frames from a local video device by index.
type Camera struct {
	mu     sync.Mutex
	device int
	webcam *gocv.VideoCapture
	mat    gocv.Mat
}

func openCamera(cfg Config) (*Camera, error) {
	webcam, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("source: open camera %d: %w", cfg.Device, ErrNoDevice)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return nil, fmt.Errorf("source: open camera %d: %w", cfg.Device, ErrNoDevice)
	}

	if cfg.Width > 0 && cfg.Height > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))

		effW := int(webcam.Get(gocv.VideoCaptureFrameWidth))
		effH := int(webcam.Get(gocv.VideoCaptureFrameHeight))
		if effW != cfg.Width || effH != cfg.Height {
			slog.Warn("camera fell back to nearest supported mode",
				"device", cfg.Device,
				"requested", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
				"effective", fmt.Sprintf("%dx%d", effW, effH),
			)
		}
	}

	return &Camera{device: cfg.Device, webcam: webcam, mat: gocv.NewMat()}, nil
}

func (c *Camera) Read() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.webcam == nil {
		return nil, terminalErr(errors.New("camera is closed"))
	}

	if ok := c.webcam.Read(&c.mat); !ok {
		if !c.webcam.IsOpened() {
			return nil, terminalErr(fmt.Errorf("camera %d is no longer available", c.device))
		}
		return nil, transientErr(fmt.Errorf("camera %d read failed", c.device))
	}
	if c.mat.Empty() {
		return nil, transientErr(fmt.Errorf("camera %d produced an empty frame", c.device))
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return nil, transientErr(fmt.Errorf("convert camera frame: %w", err))
	}
	return img, nil
}

// Interval returns zero: cameras are paced by the capture loop.
func (c *Camera) Interval() time.Duration { return 0 }

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.webcam == nil {
		return nil
	}
	err := c.webcam.Close()
	c.webcam = nil
	c.mat.Close()
	return err
}
