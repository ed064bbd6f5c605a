package dashboard

import (
	"bytes"
	"image/jpeg"
	"sync"
	"time"

	"github.com/dj-oyu/bike-counter/internal/logger"
	"github.com/dj-oyu/bike-counter/internal/metrics"
	"github.com/dj-oyu/bike-counter/internal/overlay"
)

// Hub fans values out to subscribed clients. Slow clients miss values
// instead of blocking the publisher.
type Hub[T any] struct {
	name    string
	buffer  int
	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	closed  bool
}

// NewHub returns a hub whose client channels hold buffer values.
func NewHub[T any](name string, buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = 2
	}
	return &Hub[T]{
		name:    name,
		buffer:  buffer,
		clients: make(map[int]chan T),
	}
}

// Subscribe adds a new client and returns a channel for receiving values.
// The channel is closed on Unsubscribe or Close.
func (h *Hub[T]) Subscribe() (int, <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan T, h.buffer)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch

	logger.Debug(h.name, "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *Hub[T]) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		logger.Debug(h.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

// Broadcast offers v to every client and returns how many were delivered
// and how many clients were too slow to take it.
func (h *Hub[T]) Broadcast(v T) (sent, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- v:
			sent++
		default:
			dropped++
		}
	}
	return sent, dropped
}

// Len returns the number of subscribed clients.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later subscribers get a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}

// FrameBroadcaster renders the current frame with its overlay as JPEG and
// fans it out to MJPEG clients.
type FrameBroadcaster struct {
	hub      *Hub[[]byte]
	session  *Session
	metrics  *metrics.Metrics
	interval time.Duration
	quality  int

	stop     chan struct{}
	stopOnce sync.Once

	// Render cache, touched only by run.
	lastKey  renderKey
	lastJPEG []byte
}

// renderKey identifies what a rendered JPEG shows: the source binding, the
// frame within it and the detection set drawn over it.
type renderKey struct {
	epoch uint64
	frame uint64
	seq   uint64
}

// NewFrameBroadcaster creates a broadcaster that renders overlay frames
// every interval while clients are connected.
func NewFrameBroadcaster(session *Session, m *metrics.Metrics, interval time.Duration, quality int) *FrameBroadcaster {
	return &FrameBroadcaster{
		hub:      NewHub[[]byte]("FrameBroadcaster", 2),
		session:  session,
		metrics:  m,
		interval: interval,
		quality:  quality,
		stop:     make(chan struct{}),
	}
}

// Subscribe adds an MJPEG client.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.metrics.ActiveStreamClients.Add(1)
	return fb.hub.Subscribe()
}

// Unsubscribe removes an MJPEG client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.metrics.ActiveStreamClients.Add(-1)
	fb.hub.Unsubscribe(id)
}

// Start begins the render and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster and disconnects its clients.
func (fb *FrameBroadcaster) Stop() {
	fb.stopOnce.Do(func() {
		close(fb.stop)
		fb.hub.Close()
	})
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		if fb.hub.Len() == 0 {
			continue
		}

		data := fb.render()
		if data == nil {
			continue
		}
		sent, dropped := fb.hub.Broadcast(data)
		fb.metrics.StreamFramesSent.Add(uint64(sent))
		fb.metrics.StreamFramesDropped.Add(uint64(dropped))
	}
}

// render returns the composited JPEG for the current frame, or nil when no
// source has produced a frame yet.
func (fb *FrameBroadcaster) render() []byte {
	v := fb.session.view()
	if !v.ok {
		fb.lastJPEG = nil
		return nil
	}
	key := renderKey{epoch: v.epoch, frame: v.frame.Number, seq: v.seq}
	if fb.lastJPEG != nil && key == fb.lastKey {
		return fb.lastJPEG
	}

	layer := overlay.Render(v.frame.Image.Bounds(), v.dets)
	img := overlay.Compose(v.frame.Image, layer)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: fb.quality}); err != nil {
		logger.Warn("FrameBroadcaster", "JPEG encode failed: %v", err)
		return nil
	}

	fb.lastKey = key
	fb.lastJPEG = buf.Bytes()
	return fb.lastJPEG
}
