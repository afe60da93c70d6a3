// Package capture drives a source at a target cadence and publishes
// encoded frames into the shared slot. It tolerates transient read and
// encode failures up to a retry budget; exhausting the budget or hitting
// a terminal source failure ends the session.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"time"

	"strzcam.com/ipcam/frame"
	"strzcam.com/ipcam/source"
)

// ErrRetriesExhausted reports that the consecutive-failure budget was spent.
var ErrRetriesExhausted = errors.New("capture: retry budget exhausted")

// Config tunes pacing, encoding and the retry policy.
type Config struct {
	Interval      time.Duration // pacing between reads, overridden by the source's own interval
	MaxRetries    int           // consecutive transient failures tolerated
	RetryDelay    time.Duration // initial backoff delay
	MaxRetryDelay time.Duration // backoff cap
	Quality       int           // JPEG quality
}

// DefaultConfig returns the default capture configuration: 15 fps pacing,
// 5 consecutive retries with backoff 100ms doubling up to 2s, JPEG 80.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Second / 15,
		MaxRetries:    5,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
		Quality:       80,
	}
}

// Loop owns a source for the lifetime of a session and is its only reader.
type Loop struct {
	src  source.Source
	slot *frame.Slot
	cfg  Config
}

func New(src source.Source, slot *frame.Slot, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultConfig().MaxRetryDelay
	}
	if cfg.Quality <= 0 {
		cfg.Quality = DefaultConfig().Quality
	}
	if si := src.Interval(); si > 0 {
		cfg.Interval = si
	}
	return &Loop{src: src, slot: slot, cfg: cfg}
}

// Run captures until ctx is cancelled or the source fails terminally. A
// nil return means cancellation; any error means the session is over and
// the caller must tear down. Run does not close the source or the slot.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := l.captureOnce()
		if err == nil {
			failures = 0
			continue
		}

		if source.IsTerminal(err) {
			slog.Error("terminal capture failure", "error", err)
			return err
		}

		failures++
		slog.Warn("transient capture failure",
			"attempt", failures,
			"max_retries", l.cfg.MaxRetries,
			"error", err,
		)
		if failures > l.cfg.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err)
		}

		delay := backoff(failures, l.cfg)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Loop) captureOnce() error {
	img, err := l.src.Read()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: l.cfg.Quality}); err != nil {
		// Corrupt buffer: counts against the retry budget like a read failure.
		return &source.CaptureError{Err: fmt.Errorf("encode frame: %w", err)}
	}

	b := img.Bounds()
	l.slot.Publish(frame.Frame{
		Data:      buf.Bytes(),
		Width:     uint32(b.Dx()),
		Height:    uint32(b.Dy()),
		Timestamp: time.Now(),
	})
	return nil
}

// backoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay.
func backoff(attempt int, cfg Config) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
