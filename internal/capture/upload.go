package capture

import (
	"bufio"
	"context"
	"fmt"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/bike-counter/internal/logger"
)

// Media is the kind of uploaded file.
type Media string

const (
	MediaImage Media = "image"
	MediaVideo Media = "video"
)

// Sniffing falls back to the extension for containers the content sniffer
// does not know.
var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/avi",
}

// UploadConfig controls where uploads are kept and how videos are decoded.
type UploadConfig struct {
	Dir          string // temp directory for video files; empty uses os.TempDir
	File         FileConfig
	FirstFrameIn time.Duration
}

// Uploader turns user-supplied files into frame sources.
type Uploader struct {
	cfg UploadConfig
}

// NewUploader returns an Uploader for cfg.
func NewUploader(cfg UploadConfig) *Uploader {
	if cfg.FirstFrameIn <= 0 {
		cfg.FirstFrameIn = 5 * time.Second
	}
	return &Uploader{cfg: cfg}
}

// Upload is a source backed by an uploaded file.
type Upload struct {
	*Surface
	name  string
	media Media
	path  string
}

// Name returns the client-supplied file name.
func (u *Upload) Name() string { return u.name }

// Media reports whether the upload is a still image or a video.
func (u *Upload) Media() Media { return u.media }

// Close stops playback and removes the temporary file.
func (u *Upload) Close() error {
	err := u.Surface.Close()
	if u.path != "" {
		if rmErr := os.Remove(u.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

// MediaType sniffs the content type of an upload from its first bytes,
// falling back to the file extension.
func MediaType(name string, head []byte) string {
	ctype := http.DetectContentType(head)
	if ctype == "application/octet-stream" || strings.HasPrefix(ctype, "text/plain") {
		if byExt, ok := videoExtensions[strings.ToLower(filepath.Ext(name))]; ok {
			return byExt
		}
	}
	if i := strings.IndexByte(ctype, ';'); i >= 0 {
		ctype = ctype[:i]
	}
	return ctype
}

// Open reads r and binds it to a new surface. Anything that is neither a
// decodable image nor a playable video yields ErrUnsupportedMedia.
func (u *Uploader) Open(ctx context.Context, name string, r io.Reader) (*Upload, error) {
	br := bufio.NewReaderSize(r, 4096)
	head, _ := br.Peek(512)
	ctype := MediaType(name, head)

	switch {
	case strings.HasPrefix(ctype, "image/"):
		return u.openImage(ctx, name, br)
	case strings.HasPrefix(ctype, "video/"):
		return u.openVideo(ctx, name, br)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, ctype)
	}
}

// OpenSource is Open for callers that only need a Source.
func (u *Uploader) OpenSource(ctx context.Context, name string, r io.Reader) (Source, error) {
	up, err := u.Open(ctx, name, r)
	if err != nil {
		return nil, err
	}
	return up, nil
}

func (u *Uploader) openImage(ctx context.Context, name string, r io.Reader) (*Upload, error) {
	// Phone photos carry their rotation in EXIF.
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedMedia, err)
	}
	orig := img.Bounds()
	maxW, maxH := u.cfg.File.MaxWidth, u.cfg.File.MaxHeight
	if maxW > 0 && maxH > 0 && (orig.Dx() > maxW || orig.Dy() > maxH) {
		img = imaging.Fit(img, maxW, maxH, imaging.Lanczos)
	}

	surface, err := Bind(KindUpload, NewStillStream(img))
	if err != nil {
		return nil, err
	}
	if err := surface.WaitFirstFrame(ctx); err != nil {
		_ = surface.Close()
		return nil, err
	}
	b := img.Bounds()
	logger.Info("Capture", "Loaded image %q (%dx%d, shown at %dx%d)", name, orig.Dx(), orig.Dy(), b.Dx(), b.Dy())
	return &Upload{Surface: surface, name: name, media: MediaImage}, nil
}

func (u *Uploader) openVideo(ctx context.Context, name string, r io.Reader) (*Upload, error) {
	f, err := os.CreateTemp(u.cfg.Dir, "upload-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	path := f.Name()
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr == nil {
			copyErr = closeErr
		}
		return nil, fmt.Errorf("store upload: %w", copyErr)
	}

	stream, err := NewFileStream(path, u.cfg.File)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedMedia, err)
	}
	surface, err := Bind(KindUpload, stream)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	upload := &Upload{Surface: surface, name: name, media: MediaVideo, path: path}

	waitCtx, cancel := context.WithTimeout(ctx, u.cfg.FirstFrameIn)
	defer cancel()
	if err := surface.WaitFirstFrame(waitCtx); err != nil {
		_ = upload.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedMedia, err)
	}
	logger.Info("Capture", "Playing video %q", name)
	return upload, nil
}
