package server

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"strzcam.com/ipcam/frame"
)

func dialTest(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketDeliversBinaryFrames(t *testing.T) {
	_, slot, ts := newTestServer(t, ProtocolWebSocket)
	want := encodeTestJPEG(t)

	conn := dialTest(t, ts)

	go func() {
		for i := 0; i < 20; i++ {
			slot.Publish(frame.Frame{Data: want})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading message %d: %v", i, err)
		}
		if msgType != websocket.BinaryMessage {
			t.Errorf("message %d: expected binary, got type %d", i, msgType)
		}
		if !bytes.Equal(data, want) {
			t.Errorf("message %d bytes differ from published frame", i)
		}
	}
}

func TestWebSocketCleanCloseOnSessionEnd(t *testing.T) {
	_, slot, ts := newTestServer(t, ProtocolWebSocket)
	slot.Publish(frame.Frame{Data: encodeTestJPEG(t)})

	conn := dialTest(t, ts)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("first frame not delivered: %v", err)
	}

	slot.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected clean going-away close, got %v", err)
	}
}

func TestWebSocketClientsAreIndependent(t *testing.T) {
	s, slot, ts := newTestServer(t, ProtocolWebSocket)
	want := encodeTestJPEG(t)

	first := dialTest(t, ts)
	second := dialTest(t, ts)

	go func() {
		for i := 0; i < 30; i++ {
			slot.Publish(frame.Frame{Data: want})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("client did not receive a frame: %v", err)
		}
	}

	// Closing one client must not stop delivery to the other.
	first.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err != nil {
		t.Fatalf("surviving client stopped receiving: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for s.ClientCount() > 1 {
		select {
		case <-deadline:
			t.Fatal("closed client was not deregistered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStalledClientIsDroppedWhileOthersKeepReceiving(t *testing.T) {
	slot := frame.NewSlot()
	s := New(slot, Config{
		Protocol:     ProtocolWebSocket,
		WaitTimeout:  50 * time.Millisecond,
		WriteTimeout: 300 * time.Millisecond,
		State:        func() (string, string) { return "running", "" },
	})
	ts := httptest.NewServer(s.httpSrv.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(slot.Close)

	// Frames big enough to fill the stalled connection's socket buffers.
	big := make([]byte, 1<<20)

	dialTest(t, ts) // never reads a message
	healthy := dialTest(t, ts)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				slot.Publish(frame.Frame{Data: big})
			}
		}
	}()

	for i := 0; i < 5; i++ {
		healthy.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := healthy.ReadMessage()
		if err != nil {
			t.Fatalf("healthy client stopped receiving at frame %d: %v", i, err)
		}
		if len(data) != len(big) {
			t.Fatalf("frame %d truncated: got %d bytes", i, len(data))
		}
	}

	deadline := time.After(5 * time.Second)
	for s.ClientCount() > 1 {
		select {
		case <-deadline:
			t.Fatal("stalled client was not disconnected")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestClientCountTracksConnections(t *testing.T) {
	s, slot, ts := newTestServer(t, ProtocolWebSocket)
	slot.Publish(frame.Frame{Data: encodeTestJPEG(t)})

	if s.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", s.ClientCount())
	}

	conn := dialTest(t, ts)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("frame not delivered: %v", err)
	}
	if s.ClientCount() != 1 {
		t.Errorf("expected 1 client, got %d", s.ClientCount())
	}
}
