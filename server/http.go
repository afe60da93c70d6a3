package server

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/google/uuid"
	"strzcam.com/ipcam/frame"
)

const streamBoundary = "frame"

// serveStream writes an endless multipart/x-mixed-replace response, one
// JPEG part per new frame. The loop waits on the slot for a frame newer
// than the last one sent, so a slow client skips frames instead of
// building a backlog.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	id := uuid.NewString()
	s.addClient(id)
	defer s.removeClient(id)
	slog.Info("http stream client connected", "client", id, "remote", r.RemoteAddr)

	mw := multipart.NewWriter(w)
	mw.SetBoundary(streamBoundary)

	var last uint64
	for {
		f, err := s.slot.WaitNext(r.Context(), last, s.cfg.WaitTimeout)
		if errors.Is(err, frame.ErrWaitTimeout) {
			continue
		}
		if err != nil {
			// Slot closed (session over) or client went away.
			mw.Close()
			slog.Info("http stream client disconnected", "client", id, "last_seq", last)
			return
		}

		if err := writeJPEGPart(mw, f.Data); err != nil {
			slog.Info("http stream write failed", "client", id, "error", err)
			return
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		last = f.Seq
	}
}

func writeJPEGPart(mw *multipart.Writer, data []byte) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", fmt.Sprintf("%d", len(data)))

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// serveSnapshot returns the current frame as a single JPEG response.
func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	f, ok := s.slot.Latest()
	if !ok {
		http.Error(w, "no frame captured yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(f.Data)
}
