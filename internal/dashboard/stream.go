package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/bike-counter/internal/logger"
)

const (
	blankFrameInterval = 5 * time.Second
	sseKeepalive       = 30 * time.Second
)

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

var (
	blankOnce sync.Once
	blankData []byte
	blankErr  error
)

// blankJPEG is shown while no source is bound: a dark placeholder with a
// thin frame so the <img> keeps its layout.
func blankJPEG() ([]byte, error) {
	blankOnce.Do(func() {
		const w, h = 640, 480
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		bg := color.RGBA{R: 0x22, G: 0x22, B: 0x22, A: 0xff}
		edge := color.RGBA{R: 0x55, G: 0x55, B: 0x55, A: 0xff}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if x < 2 || y < 2 || x >= w-2 || y >= h-2 {
					img.SetRGBA(x, y, edge)
				} else {
					img.SetRGBA(x, y, bg)
				}
			}
		}
		var buf bytes.Buffer
		blankErr = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75})
		blankData = buf.Bytes()
	})
	return blankData, blankErr
}

func writeMJPEGPart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern).
func streamMJPEGFromChannel(ctx context.Context, w http.ResponseWriter, frameCh <-chan []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	blank, err := blankJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	// First part goes out immediately so the page has something to show.
	if err := writeMJPEGPart(w, blank); err != nil {
		return
	}
	flusher.Flush()

	idle := time.NewTimer(blankFrameInterval)
	defer idle.Stop()

	for {
		var jpegData []byte
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-idle.C:
			// No frame for a while, send blank to keep connection alive
			jpegData = blank
		}
		if jpegData == nil {
			jpegData = blank
		}
		idle.Reset(blankFrameInterval)

		if err := writeMJPEGPart(w, jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		flusher.Flush()
	}
}

func setEventStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// streamDetectionEventsFromChannel streams pre-serialized detection events to SSE client.
func streamDetectionEventsFromChannel(ctx context.Context, w http.ResponseWriter, eventCh <-chan *SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	setEventStreamHeaders(w)
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

// streamStatus pushes the session status every interval.
func streamStatus(ctx context.Context, w http.ResponseWriter, interval time.Duration, status func() Status) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	setEventStreamHeaders(w)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, status()); err != nil {
			logger.Debug("SSE", "Client disconnected during status write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
