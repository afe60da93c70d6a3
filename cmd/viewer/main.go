// Command viewer connects to a WebSocket stream and writes the received
// frames to disk as numbered JPEG files. Useful for checking a session
// without a browser.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:5000/", "websocket stream address")
	outDir := flag.String("out", ".", "directory to write frames to")
	count := flag.Int("count", 10, "number of frames to save, 0 for unlimited")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
	}()

	saved := 0
	for *count == 0 || saved < *count {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway) {
				log.Println("stream ended")
				break
			}
			log.Fatalf("read: %v", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		path := filepath.Join(*outDir, fmt.Sprintf("frame%04d.jpg", saved))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		saved++
		log.Printf("saved %s (%d bytes)", path, len(data))
	}
}
