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

// VideoFile reads frames from a video file and seeks back to the first
// frame on end-of-stream, so the feed loops instead of terminating.
type VideoFile struct {
	mu       sync.Mutex
	path     string
	video    *gocv.VideoCapture
	mat      gocv.Mat
	interval time.Duration
}

func openVideoFile(cfg Config) (*VideoFile, error) {
	video, err := gocv.VideoCaptureFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("source: open video file %s: %w", cfg.Path, err)
	}
	if !video.IsOpened() {
		video.Close()
		return nil, fmt.Errorf("source: open video file %s: not a readable video", cfg.Path)
	}

	// Pace playback at the container frame rate when the file declares one.
	var interval time.Duration
	if fps := video.Get(gocv.VideoCaptureFPS); fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}

	return &VideoFile{
		path:     cfg.Path,
		video:    video,
		mat:      gocv.NewMat(),
		interval: interval,
	}, nil
}

func (v *VideoFile) Read() (image.Image, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.video == nil {
		return nil, terminalErr(errors.New("video file is closed"))
	}

	if ok := v.video.Read(&v.mat); !ok || v.mat.Empty() {
		// End of stream: rewind and try once more.
		v.video.Set(gocv.VideoCapturePosFrames, 0)
		slog.Debug("video file reached end of stream, looping", "path", v.path)
		if ok := v.video.Read(&v.mat); !ok || v.mat.Empty() {
			return nil, transientErr(fmt.Errorf("video file %s read failed after rewind", v.path))
		}
	}

	img, err := v.mat.ToImage()
	if err != nil {
		return nil, transientErr(fmt.Errorf("convert video frame: %w", err))
	}
	return img, nil
}

// Interval returns the container frame interval, zero when unknown.
func (v *VideoFile) Interval() time.Duration {
	return v.interval
}

func (v *VideoFile) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.video == nil {
		return nil
	}
	err := v.video.Close()
	v.video = nil
	v.mat.Close()
	return err
}
