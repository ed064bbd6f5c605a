package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/bike-counter/internal/logger"
	"github.com/dj-oyu/bike-counter/pkg/types"
)

// Surface is the playback surface: it drains a Stream and keeps the most
// recent frame for the detection loop to read.
type Surface struct {
	kind   Kind
	stream Stream

	mu     sync.RWMutex
	latest types.Frame
	has    bool
	err    error
	count  uint64

	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
}

// Bind starts stream and attaches it to a new surface.
func Bind(kind Kind, stream Stream) (*Surface, error) {
	if err := stream.Start(); err != nil {
		return nil, err
	}
	s := &Surface{
		kind:   kind,
		stream: stream,
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *Surface) pump() {
	defer close(s.done)
	defer s.markFirst()

	frames := s.stream.FrameChan()
	errs := s.stream.ErrorChan()

	for frames != nil || errs != nil {
		select {
		case img, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if img == nil {
				continue
			}
			s.mu.Lock()
			s.count++
			s.latest = types.Frame{Image: img, Number: s.count, CapturedAt: time.Now()}
			s.has = true
			s.mu.Unlock()
			s.markFirst()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			logger.Warn("Capture", "%s stream error: %v", s.kind, err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.markFirst()
		}
	}
}

func (s *Surface) markFirst() {
	s.firstOnce.Do(func() { close(s.first) })
}

// WaitFirstFrame blocks until the first frame arrives, the stream fails or
// ctx ends.
func (s *Surface) WaitFirstFrame(ctx context.Context) error {
	select {
	case <-s.first:
	case <-ctx.Done():
		return fmt.Errorf("waiting for first frame: %w", ctx.Err())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.has {
		return nil
	}
	if s.err != nil {
		return s.err
	}
	return ErrNoFrame
}

// Kind returns the source kind.
func (s *Surface) Kind() Kind {
	return s.kind
}

// Frame returns the latest frame. The last frame stays available after the
// stream ends.
func (s *Surface) Frame() (types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.has
}

// Err returns the last stream error.
func (s *Surface) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close stops the stream and waits for the surface to drain it.
func (s *Surface) Close() error {
	s.stopOnce.Do(func() {
		s.stream.Stop()
		<-s.done
	})
	return nil
}
