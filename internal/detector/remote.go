package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/bike-counter/internal/logger"
	"github.com/dj-oyu/bike-counter/pkg/types"
	"github.com/gorilla/websocket"
)

// RemoteOptions tunes the websocket detector client.
type RemoteOptions struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	JPEGQuality      int
}

func (o RemoteOptions) withDefaults() RemoteOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = 80
	}
	return o
}

// remoteResult is one object as reported by the inference service.
// BBox is [x, y, width, height] in frame pixels.
type remoteResult struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	BBox  []float64 `json:"bbox"`
}

// RemoteDetector talks to an inference service over a websocket: one JPEG
// binary message out, one JSON text message back.
type RemoteDetector struct {
	serverURL string
	opts      RemoteOptions
	dialer    websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// ServerURL normalizes addr to a websocket URL. A bare host:port gets the
// ws scheme and the /ws path.
func ServerURL(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("detector address is empty")
	}
	if !strings.Contains(addr, "://") {
		u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
		return u.String(), nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse detector url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported detector url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// DialRemote connects to the inference service. It is the OpenFunc used in
// production; a failed dial is a failed model load.
func DialRemote(ctx context.Context, addr string, opts RemoteOptions) (*RemoteDetector, error) {
	serverURL, err := ServerURL(addr)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	d := &RemoteDetector{
		serverURL: serverURL,
		opts:      opts,
		dialer:    websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}

	logger.Info("Detector", "Connecting to detector server %s...", serverURL)
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	logger.Info("Detector", "Connected to detector server")
	return d, nil
}

func (d *RemoteDetector) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.serverURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.serverURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.serverURL, err)
	}
	return conn, nil
}

// Detect sends frame and waits for the matching reply. Calls are serialized.
// A broken connection is dropped and redialed on the next call.
func (d *RemoteDetector) Detect(ctx context.Context, frame image.Image) ([]types.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: d.opts.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if d.conn == nil {
		conn, err := d.dial(ctx)
		if err != nil {
			return nil, err
		}
		logger.Info("Detector", "Reconnected to detector server")
		d.conn = conn
	}

	results, err := d.roundTrip(ctx, buf.Bytes())
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		logger.Warn("Detector", "Connection lost: %v", err)
		_ = d.conn.Close()
		d.conn = nil
		return nil, err
	}
	return results, nil
}

func (d *RemoteDetector) roundTrip(ctx context.Context, payload []byte) ([]types.Detection, error) {
	conn := d.conn

	deadline := time.Now().Add(d.opts.RequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	// Unblock a pending read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return nil, fmt.Errorf("send frame: %w", err)
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read detections: %w", err)
	}

	var raw []remoteResult
	if err := json.Unmarshal(message, &raw); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	dets := make([]types.Detection, 0, len(raw))
	for _, r := range raw {
		if len(r.BBox) != 4 {
			logger.Debug("Detector", "Skipping %q with malformed bbox %v", r.Class, r.BBox)
			continue
		}
		dets = append(dets, types.Detection{
			Class: r.Class,
			Score: r.Score,
			BBox:  types.BBox{X: r.BBox[0], Y: r.BBox[1], W: r.BBox[2], H: r.BBox[3]},
		})
	}
	return dets, nil
}

// Close closes the connection. Further Detect calls fail with ErrClosed.
func (d *RemoteDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.conn == nil {
		return nil
	}
	_ = d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := d.conn.Close()
	d.conn = nil
	return err
}
