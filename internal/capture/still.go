package capture

import (
	"image"
	"sync"
)

// StillStream yields a single image and ends. The surface keeps showing it.
type StillStream struct {
	img       image.Image
	frameChan chan image.Image
	errChan   chan error
	startOnce sync.Once
}

// NewStillStream returns a stream for img.
func NewStillStream(img image.Image) *StillStream {
	return &StillStream{
		img:       img,
		frameChan: make(chan image.Image, 1),
		errChan:   make(chan error),
	}
}

func (s *StillStream) Start() error {
	s.startOnce.Do(func() {
		s.frameChan <- s.img
		close(s.frameChan)
		close(s.errChan)
	})
	return nil
}

func (s *StillStream) Stop() {}

func (s *StillStream) FrameChan() <-chan image.Image { return s.frameChan }
func (s *StillStream) ErrorChan() <-chan error       { return s.errChan }
