// Package settings persists the last-used stream configuration so the
// next launch starts from it.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the persisted configuration record.
type Settings struct {
	SourceType string `yaml:"source_type"` // camera, video, image
	Device     int    `yaml:"device"`      // camera index
	FilePath   string `yaml:"file_path,omitempty"`
	Resolution string `yaml:"resolution"` // e.g. 640x480
	Protocol   string `yaml:"protocol"`   // http, websocket
	Port       int    `yaml:"port"`
	FPS        int    `yaml:"fps"`
}

// Default returns the settings used when no file exists yet.
func Default() Settings {
	return Settings{
		SourceType: "camera",
		Device:     0,
		Resolution: "640x480",
		Protocol:   "http",
		Port:       5000,
		FPS:        15,
	}
}

// Load reads settings from path. A missing file is not an error: defaults
// are returned. Fields absent from the file keep their default value.
func Load(path string) (Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("settings: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return Default(), fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return s, nil
}

// Save writes settings to path, creating the file if needed.
func (s Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	return nil
}

// Dimensions parses the Resolution field into width and height.
func (s Settings) Dimensions() (int, int, error) {
	parts := strings.SplitN(s.Resolution, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("settings: malformed resolution %q", s.Resolution)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("settings: malformed resolution %q", s.Resolution)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("settings: malformed resolution %q", s.Resolution)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("settings: non-positive resolution %q", s.Resolution)
	}
	return w, h, nil
}
