// Package history keeps the recent count snapshots taken when detection stops.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultCapacity is the number of snapshots kept.
	DefaultCapacity = 10
	// DefaultLayout formats Item.Timestamp.
	DefaultLayout = "2006-01-02 15:04:05"
)

// Item is one count snapshot.
type Item struct {
	ID         string    `json:"id"`
	Timestamp  string    `json:"timestamp"`
	Count      int       `json:"count"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Log is a fixed-capacity ring buffer of Items. The newest snapshot
// overwrites the oldest once the buffer is full.
type Log struct {
	mu       sync.RWMutex
	items    []Item
	head     int // next write position
	size     int
	layout   string
	now      func() time.Time
	newID    func() string
	location *time.Location
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLayout overrides the display layout of Item.Timestamp.
func WithLayout(layout string) Option {
	return func(l *Log) {
		if layout != "" {
			l.layout = layout
		}
	}
}

// WithLocation renders timestamps in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(l *Log) { l.location = loc }
}

// WithIDGenerator overrides uuid-based identifiers.
func WithIDGenerator(gen func() string) Option {
	return func(l *Log) { l.newID = gen }
}

// New creates a Log holding at most capacity items. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		items:  make([]Item, capacity),
		layout: DefaultLayout,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Push records count as the newest snapshot, evicting the oldest one when
// the log is full, and returns the stored item.
func (l *Log) Push(count int) Item {
	if count < 0 {
		count = 0
	}
	at := l.now()
	stamp := at
	if l.location != nil {
		stamp = at.In(l.location)
	}
	item := Item{
		ID:         l.newID(),
		Timestamp:  stamp.Format(l.layout),
		Count:      count,
		RecordedAt: at,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.items[l.head] = item
	l.head = (l.head + 1) % len(l.items)
	if l.size < len(l.items) {
		l.size++
	}
	return item
}

// Items returns the snapshots most recent first.
func (l *Log) Items() []Item {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Item, l.size)
	capacity := len(l.items)
	for i := 0; i < l.size; i++ {
		out[i] = l.items[(l.head-1-i+capacity)%capacity]
	}
	return out
}

// Chronological returns the snapshots oldest first.
func (l *Log) Chronological() []Item {
	items := l.Items()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// Latest returns the newest snapshot.
func (l *Log) Latest() (Item, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.size == 0 {
		return Item{}, false
	}
	return l.items[(l.head-1+len(l.items))%len(l.items)], true
}

// Len returns the number of stored snapshots.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Cap returns the capacity.
func (l *Log) Cap() int {
	return len(l.items)
}

// Clear drops every snapshot.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		l.items[i] = Item{}
	}
	l.head = 0
	l.size = 0
}
