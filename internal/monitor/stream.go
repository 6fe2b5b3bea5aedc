package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/mjpeg-stream/internal/mjpeg"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// blankJPEG renders the colour bars shown while no frame is available.
func blankJPEG(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	bars := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}
	barWidth := max(width/len(bars), 1)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, bars[min(x/barWidth, len(bars)-1)])
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// streamMJPEG writes frames from frameCh as a multipart response until the
// channel closes or the viewer goes away.
func (s *Server) streamMJPEG(w http.ResponseWriter, r *http.Request, frameCh <-chan []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", mjpeg.ContentType(mjpeg.DefaultBoundary))
	w.Header().Set("Cache-Control", "no-cache")
	pw := mjpeg.NewWriter(w)

	if latest, ok := s.src.LatestBytes(); ok {
		if err := pw.WritePart(latest.Data); err != nil {
			return
		}
		flusher.Flush()
	}

	keepAlive := time.NewTimer(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		var data []byte
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frameCh:
			if !ok {
				return
			}
			data = frame
		case <-keepAlive.C:
			data = s.blank
		}
		keepAlive.Reset(s.cfg.KeepAlive)

		if err := pw.WritePart(data); err != nil {
			s.log.Debug("Viewer disconnected during write: %v", err)
			return
		}
		flusher.Flush()
	}
}

// pumpWebSocket sends every frame from frameCh as one binary message.
// Reads are only used to notice the peer going away.
func (s *Server) pumpWebSocket(conn *websocket.Conn, frameCh <-chan []byte) {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Debug("WebSocket read: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case frame, ok := <-frameCh:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.log.Debug("WebSocket write: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
