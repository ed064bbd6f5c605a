package capture

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const bytesPerPixel = 4

// ffmpegStream decodes raw RGBA frames from an ffmpeg subprocess.
type ffmpegStream struct {
	stopOnce sync.Once
	killOnce sync.Once

	binary string
	args   []string
	width  int
	height int

	// pace throttles reads to the target frame rate; zero reads as fast as
	// ffmpeg produces (live devices pace themselves).
	pace time.Duration
	// finite marks a file input, where EOF is the normal end of the stream.
	finite bool

	cmd    *exec.Cmd
	stderr *tailWriter

	frameChan chan image.Image
	errChan   chan error
	stopChan  chan struct{}
}

func newFFmpegStream(binary string, args []string, width, height int) *ffmpegStream {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &ffmpegStream{
		binary:    binary,
		args:      args,
		width:     width,
		height:    height,
		stderr:    &tailWriter{limit: 2048},
		frameChan: make(chan image.Image, 2),
		errChan:   make(chan error, 1),
		stopChan:  make(chan struct{}),
	}
}

// rawOutputArgs asks ffmpeg for scaled RGBA frames on stdout.
func rawOutputArgs(fps uint, width, height int) []string {
	return []string{
		"-vf", fmt.Sprintf("fps=%d,scale=%d:%d", fps, width, height),
		"-f", "image2pipe",
		"-pix_fmt", "rgba",
		"-vcodec", "rawvideo",
		"-",
	}
}

func (fs *ffmpegStream) Start() error {
	fs.cmd = exec.Command(fs.binary, fs.args...)
	fs.cmd.Stderr = fs.stderr

	stdout, err := fs.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := fs.cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	go fs.readLoop(stdout)
	return nil
}

func (fs *ffmpegStream) readLoop(stdout io.ReadCloser) {
	defer close(fs.frameChan)
	defer close(fs.errChan)
	defer stdout.Close()
	defer fs.stopCmd()

	frameSize := fs.width * fs.height * bytesPerPixel
	buffer := make([]byte, frameSize)

	var tick <-chan time.Time
	if fs.pace > 0 {
		ticker := time.NewTicker(fs.pace)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-fs.stopChan:
				return
			case <-tick:
			}
		} else {
			select {
			case <-fs.stopChan:
				return
			default:
			}
		}

		if _, err := io.ReadFull(stdout, buffer); err != nil {
			select {
			case <-fs.stopChan:
				return
			default:
			}
			if fs.finite && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				return
			}
			if detail := fs.stderr.String(); detail != "" {
				fs.errChan <- fmt.Errorf("read error: %v: %s", err, detail)
			} else {
				fs.errChan <- fmt.Errorf("read error: %v", err)
			}
			return
		}

		pixelData := make([]byte, len(buffer))
		copy(pixelData, buffer)

		img := &image.RGBA{
			Pix:    pixelData,
			Stride: fs.width * bytesPerPixel,
			Rect:   image.Rect(0, 0, fs.width, fs.height),
		}

		if fs.finite {
			select {
			case fs.frameChan <- img:
			case <-fs.stopChan:
				return
			}
			continue
		}

		// Live sources drop frames nobody is ready for.
		select {
		case fs.frameChan <- img:
		default:
		}
	}
}

func (fs *ffmpegStream) stopCmd() {
	fs.killOnce.Do(func() {
		if fs.cmd != nil && fs.cmd.Process != nil {
			_ = fs.cmd.Process.Kill()
			_ = fs.cmd.Wait()
		}
	})
}

func (fs *ffmpegStream) Stop() {
	fs.stopOnce.Do(func() {
		close(fs.stopChan)
		fs.stopCmd()
	})
}

func (fs *ffmpegStream) FrameChan() <-chan image.Image { return fs.frameChan }
func (fs *ffmpegStream) ErrorChan() <-chan error       { return fs.errChan }

// tailWriter keeps the last bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
