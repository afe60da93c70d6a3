// Package source abstracts where frames come from: a camera device, a
// looping video file or a still image. A source is owned exclusively by
// the capture loop from Open until Close.
package source

import (
	"errors"
	"fmt"
	"image"
	"time"
)

type Kind string

const (
	KindCamera Kind = "camera"
	KindVideo  Kind = "video"
	KindImage  Kind = "image"
)

// Config selects and parameterizes a source. Width/Height are a request,
// not a guarantee: cameras fall back to the nearest supported mode, video
// files keep their native resolution, still images are scaled.
type Config struct {
	Kind   Kind
	Device int    // camera index, KindCamera only
	Path   string // file path, KindVideo and KindImage
	Width  int
	Height int
}

// ErrNoDevice reports that no camera exists at the configured index.
var ErrNoDevice = errors.New("source: no camera at configured index")

// CaptureError classifies a mid-stream read failure. Transient errors are
// retried by the capture loop; terminal errors end the session.
type CaptureError struct {
	Terminal bool
	Err      error
}

func (e *CaptureError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("source: terminal capture failure: %v", e.Err)
	}
	return fmt.Sprintf("source: transient capture failure: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func transientErr(err error) error { return &CaptureError{Err: err} }
func terminalErr(err error) error  { return &CaptureError{Terminal: true, Err: err} }

// IsTerminal reports whether err carries a terminal capture failure.
func IsTerminal(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce) && ce.Terminal
}

// Source produces raw frames on demand.
//
// Read returns the next decoded frame or a *CaptureError. Interval is the
// source's preferred pacing between reads; zero means the caller decides.
// Close is idempotent and releases all OS handles, safe to call after a
// failed Read.
type Source interface {
	Read() (image.Image, error)
	Interval() time.Duration
	Close() error
}

// Open creates the source described by cfg. Open failures are reported
// synchronously; they never surface as capture errors.
func Open(cfg Config) (Source, error) {
	switch cfg.Kind {
	case KindCamera:
		return openCamera(cfg)
	case KindVideo:
		return openVideoFile(cfg)
	case KindImage:
		return openStillImage(cfg)
	default:
		return nil, fmt.Errorf("source: unknown kind %q", cfg.Kind)
	}
}
