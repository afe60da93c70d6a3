package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"strzcam.com/ipcam/engine"
	"strzcam.com/ipcam/server"
	"strzcam.com/ipcam/settings"
	"strzcam.com/ipcam/source"
)

func main() {
	app := &cli.App{
		Name:  "ipcam",
		Usage: "stream a camera, video file or still image over HTTP or WebSocket",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.BoolFlag{Name: "json-log", Usage: "log as JSON"},
		},
		Before: func(c *cli.Context) error {
			level := slog.LevelInfo
			if c.Bool("debug") {
				level = slog.LevelDebug
			}
			opts := &slog.HandlerOptions{Level: level}
			var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
			if c.Bool("json-log") {
				handler = slog.NewJSONHandler(os.Stderr, opts)
			}
			slog.SetDefault(slog.New(handler))
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			devicesCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start streaming with the given or last-used configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "ipcam.yaml", Usage: "settings file path"},
			&cli.StringFlag{Name: "source", Usage: "source kind: camera, video or image"},
			&cli.IntFlag{Name: "device", Usage: "camera device index"},
			&cli.StringFlag{Name: "file", Usage: "video or image file path"},
			&cli.StringFlag{Name: "resolution", Usage: "requested resolution, e.g. 640x480"},
			&cli.StringFlag{Name: "protocol", Usage: "http or websocket"},
			&cli.IntFlag{Name: "port", Usage: "listen port"},
			&cli.IntFlag{Name: "fps", Usage: "target frame rate"},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	configPath := c.String("config")
	st, err := settings.Load(configPath)
	if err != nil {
		slog.Warn("could not load settings, using defaults", "error", err)
	}

	if c.IsSet("source") {
		st.SourceType = c.String("source")
	}
	if c.IsSet("device") {
		st.Device = c.Int("device")
	}
	if c.IsSet("file") {
		st.FilePath = c.String("file")
	}
	if c.IsSet("resolution") {
		st.Resolution = c.String("resolution")
	}
	if c.IsSet("protocol") {
		st.Protocol = c.String("protocol")
	}
	if c.IsSet("port") {
		st.Port = c.Int("port")
	}
	if c.IsSet("fps") {
		st.FPS = c.Int("fps")
	}

	width, height, err := st.Dimensions()
	if err != nil {
		return err
	}

	cfg := engine.Config{
		Source: source.Config{
			Kind:   source.Kind(st.SourceType),
			Device: st.Device,
			Path:   st.FilePath,
			Width:  width,
			Height: height,
		},
		Protocol: server.Protocol(st.Protocol),
		Port:     st.Port,
		FPS:      st.FPS,
	}

	eng := engine.New()
	if err := eng.Configure(cfg); err != nil {
		return err
	}
	if err := st.Save(configPath); err != nil {
		slog.Warn("could not persist settings", "error", err)
	}

	url, err := eng.Start()
	if err != nil {
		return err
	}
	slog.Info("streaming", "url", url)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig)
			return eng.Stop()
		case <-ticker.C:
			if status := eng.Status(); status.State == engine.Failed {
				eng.Stop()
				return fmt.Errorf("capture failed: %s", status.Reason)
			}
		}
	}
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "list available camera devices",
		Action: func(c *cli.Context) error {
			cameras := source.ListCameras()
			if len(cameras) == 0 {
				fmt.Println("no cameras found")
				return nil
			}
			for _, idx := range cameras {
				fmt.Printf("camera %d\n", idx)
			}
			return nil
		},
	}
}
