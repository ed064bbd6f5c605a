// Package loop runs detection passes over the current frame while the
// session is in the running state.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dj-oyu/bike-counter/internal/detector"
	"github.com/dj-oyu/bike-counter/internal/history"
	"github.com/dj-oyu/bike-counter/internal/logger"
	"github.com/dj-oyu/bike-counter/pkg/types"
)

// ErrNotRunning is returned by Stop when the loop is idle.
var ErrNotRunning = errors.New("loop: not running")

// State is the loop state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Pass is the published result of one detection pass.
type Pass struct {
	Seq        uint64
	Frame      types.Frame
	Detections []types.Detection
	Count      int
	Latency    time.Duration
	At         time.Time
}

// Config wires the loop to its collaborators.
type Config struct {
	Detector  detector.Detector
	Frames    func() (types.Frame, bool) // current frame, false when none yet
	History   *history.Log
	Scheduler Scheduler
	Classes   []string

	Publish func(Pass)  // called after every completed pass
	OnError func(error) // detector failures; the loop keeps running
	OnSkip  func()      // a tick found no frame
}

// Loop is the idle/running state machine. At most one pass is in flight
// across all runs: a new run waits for the previous run's goroutine.
type Loop struct {
	cfg Config

	mu    sync.Mutex
	state State
	gen   uint64
	seq   uint64
	count int
	dets  []types.Detection

	stopSched  context.CancelFunc
	cancelPass context.CancelFunc
	done       chan struct{}
}

// New returns an idle loop.
func New(cfg Config) *Loop {
	if cfg.Scheduler == nil {
		cfg.Scheduler = TickerScheduler{Interval: DefaultInterval}
	}
	if cfg.History == nil {
		cfg.History = history.New(history.DefaultCapacity)
	}
	if cfg.Publish == nil {
		cfg.Publish = func(Pass) {}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(err error) {
			logger.Warn("Loop", "Detection failed: %v", err)
		}
	}
	if cfg.OnSkip == nil {
		cfg.OnSkip = func() {}
	}
	return &Loop{cfg: cfg}
}

// Start moves idle to running and reports whether it did. Starting never
// records history.
func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateRunning {
		return false
	}
	l.state = StateRunning
	l.gen++

	schedCtx, stopSched := context.WithCancel(context.Background())
	passCtx, cancelPass := context.WithCancel(context.Background())
	l.stopSched = stopSched
	l.cancelPass = cancelPass

	prev := l.done
	done := make(chan struct{})
	l.done = done

	go l.run(l.gen, prev, done, schedCtx, passCtx, func() {
		stopSched()
		cancelPass()
	})

	logger.Debug("Loop", "Started (generation %d)", l.gen)
	return true
}

// Stop moves running to idle and records exactly one history entry holding
// the last published count. A pass already in flight is allowed to finish.
func (l *Loop) Stop() (history.Item, error) {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return history.Item{}, ErrNotRunning
	}
	l.state = StateIdle
	l.stopSched()
	count := l.count
	l.mu.Unlock()

	item := l.cfg.History.Push(count)
	logger.Debug("Loop", "Stopped with count %d", count)
	return item, nil
}

// Cancel forces the loop idle without recording history, aborts any pass
// in flight and clears the published count and detection set.
func (l *Loop) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.gen++
	l.state = StateIdle
	if l.stopSched != nil {
		l.stopSched()
		l.cancelPass()
	}
	l.seq++
	l.count = 0
	l.dets = nil
}

// Wait blocks until the most recent run's goroutine has exited.
func (l *Loop) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Running reports whether the loop is running.
func (l *Loop) Running() bool {
	return l.State() == StateRunning
}

// Count returns the count published by the most recent pass.
func (l *Loop) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Detections returns a copy of the most recent filtered detection set.
func (l *Loop) Detections() []types.Detection {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Detection, len(l.dets))
	copy(out, l.dets)
	return out
}

// Latest returns the current detection set with a sequence number that
// changes whenever the set does.
func (l *Loop) Latest() (uint64, []types.Detection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Detection, len(l.dets))
	copy(out, l.dets)
	return l.seq, out
}

// History returns the log the loop records into.
func (l *Loop) History() *history.Log {
	return l.cfg.History
}

func (l *Loop) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateRunning && l.gen == gen
}

func (l *Loop) run(gen uint64, prev <-chan struct{}, done chan struct{}, schedCtx, passCtx context.Context, release func()) {
	defer close(done)
	defer release()

	if prev != nil {
		<-prev
	}

	for {
		if err := l.cfg.Scheduler.Next(schedCtx); err != nil {
			return
		}
		if !l.current(gen) {
			return
		}
		l.pass(passCtx, gen)
	}
}

func (l *Loop) pass(ctx context.Context, gen uint64) {
	frame, ok := l.cfg.Frames()
	if !ok || frame.Image == nil {
		l.cfg.OnSkip()
		return
	}

	start := time.Now()
	dets, err := l.cfg.Detector.Detect(ctx, frame.Image)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.cfg.OnError(err)
		return
	}
	filtered := detector.Filter(dets, l.cfg.Classes...)

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.seq++
	l.count = len(filtered)
	l.dets = filtered
	p := Pass{
		Seq:        l.seq,
		Frame:      frame,
		Detections: filtered,
		Count:      len(filtered),
		Latency:    latency,
		At:         time.Now(),
	}
	l.mu.Unlock()

	l.cfg.Publish(p)
}
