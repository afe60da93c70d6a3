package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"strzcam.com/ipcam/frame"
)

// serveWebSocket upgrades the connection and pushes each new frame as one
// binary message. Delivery is best-effort: a consumer that cannot drain
// its socket within the write timeout is disconnected so the rest keep
// receiving.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	s.addClient(id)
	defer s.removeClient(id)
	slog.Info("websocket client connected", "client", id, "remote", r.RemoteAddr)

	// Read pump: only watches for the client closing its side.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var last uint64
	for {
		f, err := s.slot.WaitNext(ctx, last, s.cfg.WaitTimeout)
		if errors.Is(err, frame.ErrWaitTimeout) {
			continue
		}
		if errors.Is(err, frame.ErrSlotClosed) {
			// Session over: tell the client before hanging up.
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"), deadline)
			slog.Info("websocket client closed, stream ended", "client", id, "last_seq", last)
			return
		}
		if err != nil {
			slog.Info("websocket client disconnected", "client", id, "last_seq", last)
			return
		}

		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
			slog.Info("websocket write failed, dropping client", "client", id, "error", err)
			return
		}
		last = f.Seq
	}
}
