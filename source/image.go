package source

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/image/draw"
)

// StillImage serves one decoded picture indefinitely. The file is watched
// and re-decoded when rewritten on disk, so the served picture can be
// swapped without restarting the session.
type StillImage struct {
	mu      sync.RWMutex
	path    string
	width   int
	height  int
	img     image.Image
	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  bool
}

func openStillImage(cfg Config) (*StillImage, error) {
	// Watcher events carry absolute names, so resolve the configured path
	// up front or relative paths would never match a reload event.
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("source: resolve image path %s: %w", cfg.Path, err)
	}

	img, err := decodeImageFile(path, cfg.Width, cfg.Height)
	if err != nil {
		return nil, fmt.Errorf("source: open image %s: %w", cfg.Path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("source: start image watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("source: watch image directory: %w", err)
	}

	s := &StillImage{
		path:    path,
		width:   cfg.Width,
		height:  cfg.Height,
		img:     img,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go s.watchFile()
	return s, nil
}

func decodeImageFile(path string, width, height int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if width > 0 && height > 0 {
		b := img.Bounds()
		if b.Dx() != width || b.Dy() != height {
			scaled := image.NewRGBA(image.Rect(0, 0, width, height))
			draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)
			img = scaled
		}
	}
	return img, nil
}

func (s *StillImage) watchFile() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				// Small delay to ensure the write is complete.
				time.Sleep(10 * time.Millisecond)
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("image watcher error", "path", s.path, "error", err)
		case <-s.done:
			return
		}
	}
}

func (s *StillImage) reload() {
	img, err := decodeImageFile(s.path, s.width, s.height)
	if err != nil {
		// Keep serving the previous picture.
		slog.Warn("image changed on disk but could not be re-decoded", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	s.img = img
	s.mu.Unlock()
	slog.Info("image reloaded from disk", "path", s.path)
}

func (s *StillImage) Read() (image.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, terminalErr(errors.New("image source is closed"))
	}
	return s.img, nil
}

// Interval returns zero: still images are paced by the capture loop.
func (s *StillImage) Interval() time.Duration { return 0 }

func (s *StillImage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.watcher.Close()
}
