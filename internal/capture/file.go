package capture

import (
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/tidwall/gjson"
)

// FileConfig controls decoding of an uploaded video.
type FileConfig struct {
	FFmpeg    string
	FFprobe   string
	FPS       uint
	MaxWidth  int
	MaxHeight int
	Loop      bool // restart from the beginning at end of file
}

const defaultFileFPS uint = 15

// NewFileStream probes path and returns a stream that plays it at cfg.FPS.
// Without Loop the stream ends quietly at end of file.
func NewFileStream(path string, cfg FileConfig) (Stream, error) {
	w, h, err := probeVideoDimensions(cfg.FFprobe, path)
	if err != nil {
		return nil, fmt.Errorf("failed to probe video: %w", err)
	}
	if cfg.FPS == 0 {
		cfg.FPS = defaultFileFPS
	}
	w, h = fitWithin(w, h, cfg.MaxWidth, cfg.MaxHeight)

	args := []string{}
	if cfg.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-i", path)
	args = append(args, rawOutputArgs(cfg.FPS, w, h)...)

	fs := newFFmpegStream(cfg.FFmpeg, args, w, h)
	fs.finite = true
	fs.pace = time.Second / time.Duration(cfg.FPS)
	return fs, nil
}

// fitWithin scales w x h down to fit the bounds, keeping the aspect ratio
// and even dimensions for the scaler. Zero bounds are ignored.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if maxW > 0 && w > maxW {
		h = h * maxW / w
		w = maxW
	}
	if maxH > 0 && h > maxH {
		w = w * maxH / h
		h = maxH
	}
	w -= w % 2
	h -= h % 2
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return w, h
}

func probeVideoDimensions(binary, path string) (int, int, error) {
	if binary == "" {
		binary = "ffprobe"
	}
	cmd := exec.Command(binary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:stream_tags=rotate:stream_side_data=rotation",
		"-of", "json",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, 0, err
	}
	return parseProbe(output)
}

// parseProbe reads the display dimensions of the first video stream from
// ffprobe JSON. ffmpeg autorotates, so a quarter-turn swaps them.
func parseProbe(output []byte) (int, int, error) {
	if !gjson.ValidBytes(output) {
		return 0, 0, errors.New("invalid ffprobe output")
	}
	stream := gjson.GetBytes(output, "streams.0")
	if !stream.Exists() {
		return 0, 0, errors.New("no video streams found")
	}
	w, h := int(stream.Get("width").Int()), int(stream.Get("height").Int())
	if w <= 0 || h <= 0 {
		return 0, 0, errors.New("video stream has no dimensions")
	}

	rotation := stream.Get("tags.rotate").Int()
	stream.Get("side_data_list").ForEach(func(_, sd gjson.Result) bool {
		if r := sd.Get("rotation"); r.Exists() {
			rotation = r.Int()
			return false
		}
		return true
	})
	if rotation%180 != 0 && rotation%90 == 0 {
		w, h = h, w
	}
	return w, h, nil
}
