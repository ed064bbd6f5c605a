package detector

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/dj-oyu/bike-counter/internal/logger"
	"github.com/dj-oyu/bike-counter/pkg/types"
)

// State is the load state of the model.
type State int

const (
	StateLoading State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OpenFunc obtains a detector instance.
type OpenFunc func(ctx context.Context) (Detector, error)

// Loader obtains a detector once, in the background. A failed load is final.
type Loader struct {
	mu    sync.RWMutex
	state State
	det   Detector
	err   error
	done  chan struct{}
}

// Load starts loading the detector and returns immediately.
func Load(ctx context.Context, open OpenFunc) *Loader {
	l := &Loader{done: make(chan struct{})}
	go l.load(ctx, open)
	return l
}

func (l *Loader) load(ctx context.Context, open OpenFunc) {
	defer close(l.done)

	logger.Info("Model", "Loading detector...")
	start := time.Now()

	det, err := open(ctx)
	if err == nil && det == nil {
		err = fmt.Errorf("open returned no detector")
	}

	l.mu.Lock()
	if err != nil {
		l.state = StateFailed
		l.err = fmt.Errorf("load detector: %w", err)
	} else {
		l.state = StateReady
		l.det = det
	}
	l.mu.Unlock()

	if err != nil {
		logger.Error("Model", "Failed to load detector: %v", err)
		return
	}
	logger.Info("Model", "Detector ready (%v)", time.Since(start).Round(time.Millisecond))
}

// State returns the current load state and, when failed, the load error.
func (l *Loader) State() (State, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state, l.err
}

// Ready reports whether Detect can be called.
func (l *Loader) Ready() bool {
	s, _ := l.State()
	return s == StateReady
}

// Done is closed once loading has finished, successfully or not.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until loading finishes and returns the load error.
func (l *Loader) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		_, err := l.State()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detect delegates to the loaded detector.
func (l *Loader) Detect(ctx context.Context, frame image.Image) ([]types.Detection, error) {
	l.mu.RLock()
	det := l.det
	l.mu.RUnlock()

	if det == nil {
		return nil, ErrModelNotReady
	}
	return det.Detect(ctx, frame)
}

// Close waits for a pending load to settle and releases the detector.
func (l *Loader) Close() error {
	<-l.done

	l.mu.Lock()
	det := l.det
	l.det = nil
	if l.state == StateReady {
		l.state = StateFailed
		l.err = ErrClosed
	}
	l.mu.Unlock()

	if c, ok := det.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
