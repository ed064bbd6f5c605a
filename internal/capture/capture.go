// Package capture binds a live camera or an uploaded media file to a
// playback surface that always holds the latest decoded frame.
package capture

import (
	"context"
	"errors"
	"image"
	"io"

	"github.com/dj-oyu/bike-counter/pkg/types"
)

// Kind identifies the active frame source.
type Kind string

const (
	KindNone   Kind = ""
	KindCamera Kind = "camera"
	KindUpload Kind = "upload"
)

var (
	// ErrCameraUnavailable covers a missing device, denied access and a
	// camera that never produced a frame.
	ErrCameraUnavailable = errors.New("capture: camera unavailable")
	// ErrUnsupportedMedia is returned for uploads that are neither an image nor a video.
	ErrUnsupportedMedia = errors.New("capture: unsupported media type")
	// ErrNoFrame is returned when a source ends before producing a frame.
	ErrNoFrame = errors.New("capture: source produced no frame")
)

// Stream produces decoded frames until stopped. Both channels are closed
// when the stream ends.
type Stream interface {
	Start() error
	Stop()
	FrameChan() <-chan image.Image
	ErrorChan() <-chan error
}

// Source is a frame source bound to the session.
type Source interface {
	Kind() Kind
	Frame() (types.Frame, bool)
	Close() error
}

// Acquirer obtains a live camera source.
type Acquirer interface {
	AcquireStream(ctx context.Context) (Source, error)
}

// Opener binds user-supplied media to a source.
type Opener interface {
	OpenSource(ctx context.Context, name string, r io.Reader) (Source, error)
}
