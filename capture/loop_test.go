package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"strzcam.com/ipcam/frame"
	"strzcam.com/ipcam/source"
)

// scriptedSource returns canned results in order, then repeats the last one.
type scriptedSource struct {
	results []error
	calls   int
	closed  int
}

func (s *scriptedSource) Read() (image.Image, error) {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	if err := s.results[i]; err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(0, 0, color.RGBA{R: 200, A: 255})
	return img, nil
}

func (s *scriptedSource) Interval() time.Duration { return 0 }
func (s *scriptedSource) Close() error            { s.closed++; return nil }

func transient() error {
	return &source.CaptureError{Err: errors.New("hiccup")}
}

func terminal() error {
	return &source.CaptureError{Terminal: true, Err: errors.New("device removed")}
}

func testConfig() Config {
	return Config{
		Interval:      time.Millisecond,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 4 * time.Millisecond,
		Quality:       80,
	}
}

func TestPublishesEncodedFrames(t *testing.T) {
	src := &scriptedSource{results: []error{nil}}
	slot := frame.NewSlot()
	loop := New(src, slot, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	f, err := slot.WaitNext(context.Background(), 0, time.Second)
	if err != nil {
		t.Fatalf("no frame published: %v", err)
	}
	if len(f.Data) < 2 || f.Data[0] != 0xFF || f.Data[1] != 0xD8 {
		t.Error("published frame is not JPEG encoded")
	}
	if f.Width != 4 || f.Height != 4 {
		t.Errorf("expected 4x4 frame, got %dx%d", f.Width, f.Height)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected nil on cancellation, got %v", err)
	}
}

func TestRecoversFromTransientFailures(t *testing.T) {
	// Two transient failures, fewer than the budget of three, then success.
	src := &scriptedSource{results: []error{transient(), transient(), nil}}
	slot := frame.NewSlot()
	loop := New(src, slot, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	if _, err := slot.WaitNext(context.Background(), 0, time.Second); err != nil {
		t.Fatalf("loop did not recover: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected recovery, got %v", err)
	}
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	// Bursts of two failures separated by successes never spend the budget.
	src := &scriptedSource{results: []error{
		transient(), transient(), nil,
		transient(), transient(), nil,
	}}
	slot := frame.NewSlot()
	loop := New(src, slot, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var last uint64
	for i := 0; i < 2; i++ {
		f, err := slot.WaitNext(context.Background(), last, time.Second)
		if err != nil {
			t.Fatalf("frame %d not published: %v", i+1, err)
		}
		last = f.Seq
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected no failure, got %v", err)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	src := &scriptedSource{results: []error{transient()}}
	slot := frame.NewSlot()
	loop := New(src, slot, testConfig())

	err := loop.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if src.calls != 4 { // initial attempt + 3 retries
		t.Errorf("expected 4 read attempts, got %d", src.calls)
	}
}

func TestTerminalFailureSkipsRetries(t *testing.T) {
	src := &scriptedSource{results: []error{terminal()}}
	slot := frame.NewSlot()
	loop := New(src, slot, testConfig())

	start := time.Now()
	err := loop.Run(context.Background())
	if !source.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if src.calls != 1 {
		t.Errorf("terminal failure was retried: %d read attempts", src.calls)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("terminal failure waited for backoff: %v", elapsed)
	}
}

func TestSourceIntervalOverridesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Hour
	src := &pacedSource{interval: time.Millisecond}
	slot := frame.NewSlot()
	loop := New(src, slot, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if _, err := slot.WaitNext(context.Background(), 0, time.Second); err != nil {
		t.Fatalf("source pacing not honored: %v", err)
	}
}

type pacedSource struct {
	interval time.Duration
}

func (p *pacedSource) Read() (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
}
func (p *pacedSource) Interval() time.Duration { return p.interval }
func (p *pacedSource) Close() error            { return nil }

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := Config{RetryDelay: 100 * time.Millisecond, MaxRetryDelay: 2 * time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		if got := backoff(i+1, cfg); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}
