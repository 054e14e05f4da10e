// Package media prepares user-selected images for sending: validation,
// downscaling to a JPEG of bounded size, and data URL encoding.
package media

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif" // register decoders
	"image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxFileSize caps both the selected file and the encoded payload.
const MaxFileSize = 5 << 20

// MaxPixels caps the decoded size of an image. A few megabytes of
// compressed data can describe a bitmap many gigabytes large.
const MaxPixels = 40_000_000

var (
	ErrInvalidType    = errors.New("media: unsupported image type")
	ErrTooLarge       = errors.New("media: file exceeds 5 MB")
	ErrDecodeFailed   = errors.New("media: cannot decode image")
	ErrTooManyPixels  = errors.New("media: image dimensions too large")
	ErrEncodingFailed = errors.New("media: cannot encode image")
)

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// File is an image picked by the user.
type File struct {
	Name string
	MIME string // declared type; sniffed from Data when empty
	Data []byte
}

// Blob is an encoded image ready for transport.
type Blob struct {
	MIME string
	Data []byte
}

// CompressOptions bounds the output of Compress.
type CompressOptions struct {
	MaxWidth  int
	MaxHeight int
	Quality   float64 // 0..1
}

// DefaultCompressOptions returns the 800x600, quality 0.8 profile.
func DefaultCompressOptions() CompressOptions {
	return CompressOptions{MaxWidth: 800, MaxHeight: 600, Quality: 0.8}
}

// DetectType returns the declared MIME type of f, or the sniffed one when
// nothing was declared.
func DetectType(f File) string {
	mime := f.MIME
	if mime == "" {
		mime = mimetype.Detect(f.Data).String()
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "image/jpg" {
		mime = "image/jpeg"
	}
	return mime
}

// Validate checks the type and size of f.
func Validate(f File) error {
	if mime := DetectType(f); !allowedTypes[mime] {
		return errors.Wrapf(ErrInvalidType, "%q", mime)
	}
	if len(f.Data) > MaxFileSize {
		return errors.Wrapf(ErrTooLarge, "%d bytes", len(f.Data))
	}
	return nil
}

// Compress decodes f, scales it down to fit opts (never up, aspect ratio
// preserved) and re-encodes it as JPEG over a white background.
func Compress(f File, opts CompressOptions) (Blob, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		return Blob{}, errors.Wrap(ErrDecodeFailed, err.Error())
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return Blob{}, errors.Wrapf(ErrTooManyPixels, "%dx%d", cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return Blob{}, errors.Wrap(ErrDecodeFailed, err.Error())
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), opts.MaxWidth, opts.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	quality := int(math.Round(opts.Quality * 100))
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return Blob{}, errors.Wrap(ErrEncodingFailed, err.Error())
	}
	return Blob{MIME: "image/jpeg", Data: buf.Bytes()}, nil
}

// fit returns the largest size within maxW x maxH with the aspect ratio of
// w x h, never larger than w x h itself.
func fit(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return 1, 1
	}
	ratio := 1.0
	if maxW > 0 {
		ratio = math.Min(ratio, float64(maxW)/float64(w))
	}
	if maxH > 0 {
		ratio = math.Min(ratio, float64(maxH)/float64(h))
	}
	nw := int(math.Round(float64(w) * ratio))
	nh := int(math.Round(float64(h) * ratio))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// Encode renders b as a data URL.
func Encode(b Blob) (string, error) {
	if !strings.HasPrefix(b.MIME, "image/") || len(b.Data) == 0 {
		return "", errors.Wrapf(ErrEncodingFailed, "not an image payload (%q)", b.MIME)
	}
	enc := base64.StdEncoding.EncodeToString(b.Data)
	if len(enc) > MaxFileSize {
		return "", errors.Wrapf(ErrEncodingFailed, "encoded payload is %d bytes", len(enc))
	}
	return "data:" + b.MIME + ";base64," + enc, nil
}

// Pipeline runs validate, compress and encode in sequence.
type Pipeline struct {
	opts   CompressOptions
	logger *zap.Logger
}

// NewPipeline creates a pipeline with the given compression profile.
func NewPipeline(opts CompressOptions, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{opts: opts, logger: logger.Named("media")}
}

// Prepare turns f into a transport-ready data URL.
func (p *Pipeline) Prepare(f File) (string, error) {
	if err := Validate(f); err != nil {
		return "", err
	}
	blob, err := Compress(f, p.opts)
	if err != nil {
		return "", err
	}
	url, err := Encode(blob)
	if err != nil {
		return "", err
	}
	p.logger.Debug("image prepared",
		zap.String("name", f.Name),
		zap.Int("original", len(f.Data)),
		zap.Int("compressed", len(blob.Data)),
	)
	return url, nil
}
