package scene

import (
	"bytes"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
)

// ImageFormat identifies the encoding of an ImageAsset
type ImageFormat string

const (
	ImageFormatPNG          ImageFormat = "png"
	ImageFormatGIF          ImageFormat = "gif"
	ImageFormatJPEG         ImageFormat = "jpeg"
	ImageFormatAnimatedWebP ImageFormat = "webp_animated"
	ImageFormatStaticWebP   ImageFormat = "webp_static"
)

// Output filenames for generated images
const (
	resizedFilename          = "resized.png"
	transferredGIFFilename   = "transfered.gif"
	transferredStillFilename = "transfered.png"
	compositeFilename        = "double_emoji.png"
)

// ContentType returns the MIME type for the format
func (f ImageFormat) ContentType() string {
	switch f {
	case ImageFormatPNG:
		return "image/png"
	case ImageFormatGIF:
		return "image/gif"
	case ImageFormatJPEG:
		return "image/jpeg"
	case ImageFormatAnimatedWebP, ImageFormatStaticWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// ImageAsset is an encoded image produced by one of the pipeline stages.
// Assets are never modified after they're created.
type ImageAsset struct {
	data     []byte
	format   ImageFormat
	filename string
}

func newImageAsset(data []byte, format ImageFormat, filename string) ImageAsset {
	return ImageAsset{data: data, format: format, filename: filename}
}

// Bytes returns a copy of the encoded image
func (a ImageAsset) Bytes() []byte {
	return bytes.Clone(a.data)
}

// Reader returns a new reader over the encoded image
func (a ImageAsset) Reader() io.Reader {
	return bytes.NewReader(a.data)
}

func (a ImageAsset) Len() int {
	return len(a.data)
}

func (a ImageAsset) Format() ImageFormat {
	return a.format
}

func (a ImageAsset) Filename() string {
	return a.filename
}

func (a ImageAsset) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("filename", a.filename),
		slog.String("format", string(a.format)),
		slog.Int("size", len(a.data)),
	)
}

// formatFromURL guesses an image format from the extension of the
// URL's path. WebP is reported as static, since the container has to
// be inspected to know whether it's animated.
func formatFromURL(rawURL string) ImageFormat {
	switch strings.ToLower(path.Ext(urlPath(rawURL))) {
	case ".gif":
		return ImageFormatGIF
	case ".jpg", ".jpeg":
		return ImageFormatJPEG
	case ".webp":
		return ImageFormatStaticWebP
	default:
		return ImageFormatPNG
	}
}

// filenameFromURL returns the last element of the URL's path, or
// fallback if the URL doesn't have one
func filenameFromURL(rawURL string, fallback string) string {
	base := path.Base(urlPath(rawURL))
	if base == "." || base == "/" || base == "" {
		return fallback
	}
	return base
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		p, _, _ := strings.Cut(rawURL, "?")
		return p
	}
	return u.Path
}
