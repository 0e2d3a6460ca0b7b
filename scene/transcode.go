package scene

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"io"
	"log/slog"
	"time"

	"github.com/ericpauley/go-quantize/quantize"
	"github.com/lmittmann/tint"
	xdraw "golang.org/x/image/draw"
)

// netscapeLoopExtension is the application extension identifier which
// makes a GIF loop
var netscapeLoopExtension = []byte("NETSCAPE2.0")

// maxPaletteColors is the number of opaque colors in the GIF palette.
// One more entry is reserved for transparency.
const maxPaletteColors = 255

// GIFEncoder encodes a multi-frame GIF
type GIFEncoder interface {
	EncodeAll(w io.Writer, g *gif.GIF) error
}

// GIFEncoderFunc adapts a function to GIFEncoder
type GIFEncoderFunc func(w io.Writer, g *gif.GIF) error

func (f GIFEncoderFunc) EncodeAll(w io.Writer, g *gif.GIF) error {
	return f(w, g)
}

// StillEncoder encodes a single image
type StillEncoder interface {
	Encode(w io.Writer, img image.Image) error
}

// StillEncoderFunc adapts a function to StillEncoder
type StillEncoderFunc func(w io.Writer, img image.Image) error

func (f StillEncoderFunc) Encode(w io.Writer, img image.Image) error {
	return f(w, img)
}

// Transcoder converts WebP images to formats discord can display
// inline. Animated images become looping GIFs, static images become PNGs.
type Transcoder struct {
	fetcher         Fetcher
	gifEncoder      GIFEncoder
	stillEncoder    StillEncoder
	maxDecodedBytes int64
	timeout         time.Duration
	logger          *slog.Logger
}

// TranscoderOption overrides a Transcoder default
type TranscoderOption func(t *Transcoder)

// WithGIFEncoder sets the encoder used for animated output
func WithGIFEncoder(e GIFEncoder) TranscoderOption {
	return func(t *Transcoder) {
		t.gifEncoder = e
	}
}

// WithStillEncoder sets the encoder used for static output
func WithStillEncoder(e StillEncoder) TranscoderOption {
	return func(t *Transcoder) {
		t.stillEncoder = e
	}
}

func NewTranscoder(
	fetcher Fetcher,
	config *ImageConfig,
	logger *slog.Logger,
	opts ...TranscoderOption,
) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transcoder{
		fetcher:         fetcher,
		gifEncoder:      GIFEncoderFunc(gif.EncodeAll),
		stillEncoder:    StillEncoderFunc(encodePNG),
		maxDecodedBytes: config.MaxDecodedBytes,
		timeout:         config.ProcessTimeout,
		logger:          logger.With(loggerNameKey, "transcoder"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transcode fetches the WebP image at url and converts it. Animated
// images are returned as a looping transfered.gif. Static images are
// returned as transfered.png, unless forAutosend is set, in which case
// ErrTranscodeNotNeeded is returned, because discord already displays
// static WebP inline.
func (t *Transcoder) Transcode(
	ctx context.Context,
	url string,
	forAutosend bool,
) (ImageAsset, error) {
	logger := t.logger.With("url", url, "for_autosend", forAutosend)
	data, err := fetchImage(ctx, t.fetcher, url)
	if err != nil {
		logger.WarnContext(ctx, "fetch failed", tint.Err(err))
		return ImageAsset{}, err
	}
	asset, err := t.transcode(ctx, data, forAutosend)
	switch {
	case errors.Is(err, ErrTranscodeNotNeeded):
		logger.DebugContext(ctx, "static webp, skipping")
	case err != nil:
		logger.WarnContext(ctx, "transcode failed", tint.Err(err))
	default:
		logger.InfoContext(ctx, "transcoded", "asset", asset)
	}
	return asset, err
}

func (t *Transcoder) transcode(
	ctx context.Context,
	data []byte,
	forAutosend bool,
) (ImageAsset, error) {
	img, err := parseWebP(data)
	if err != nil {
		return ImageAsset{}, err
	}
	if size := img.decodedSize(); t.maxDecodedBytes > 0 && size > t.maxDecodedBytes {
		return ImageAsset{}, fmt.Errorf(
			"%w: %dx%d with %d frames needs %d bytes (limit: %d)",
			ErrDecodedSizeTooLarge,
			img.width,
			img.height,
			len(img.frames),
			size,
			t.maxDecodedBytes,
		)
	}

	if !img.animated {
		if forAutosend {
			return ImageAsset{}, ErrTranscodeNotNeeded
		}
		return runProcess(
			ctx,
			t.timeout,
			func(ctx context.Context) (ImageAsset, error) {
				return t.encodeStill(img)
			},
		)
	}
	return runProcess(
		ctx,
		t.timeout,
		func(ctx context.Context) (ImageAsset, error) {
			return t.encodeAnimation(ctx, img)
		},
	)
}

func (t *Transcoder) encodeStill(img *webpImage) (ImageAsset, error) {
	frame, err := img.frames[0].decode()
	if err != nil {
		return ImageAsset{}, err
	}
	var buf bytes.Buffer
	if err = t.stillEncoder.Encode(&buf, frame); err != nil {
		return ImageAsset{}, fmt.Errorf("%w: %w", ErrStillEncodeFailed, err)
	}
	return newImageAsset(buf.Bytes(), ImageFormatPNG, transferredStillFilename), nil
}

func (t *Transcoder) encodeAnimation(ctx context.Context, img *webpImage) (
	ImageAsset,
	error,
) {
	snapshots, err := compositeFrames(ctx, img)
	if err != nil {
		return ImageAsset{}, err
	}
	pal := buildPalette(snapshots)

	g := &gif.GIF{
		Image:     make([]*image.Paletted, 0, len(snapshots)),
		Delay:     make([]int, 0, len(snapshots)),
		Disposal:  make([]byte, 0, len(snapshots)),
		LoopCount: 0,
		Config: image.Config{
			ColorModel: pal,
			Width:      img.width,
			Height:     img.height,
		},
	}
	for i, snapshot := range snapshots {
		if err = ctx.Err(); err != nil {
			return ImageAsset{}, fmt.Errorf("%w: %w", ErrProcessingTimeout, err)
		}
		paletted := image.NewPaletted(snapshot.Bounds(), pal)
		xdraw.FloydSteinberg.Draw(paletted, paletted.Bounds(), snapshot, image.Point{})
		g.Image = append(g.Image, paletted)
		g.Delay = append(g.Delay, gifDelay(img.frames[i].duration))
		g.Disposal = append(g.Disposal, gif.DisposalBackground)
	}

	var buf bytes.Buffer
	if err = t.gifEncoder.EncodeAll(&buf, g); err != nil {
		return ImageAsset{}, fmt.Errorf("%w: %w", ErrGifEncodeFailed, err)
	}
	out := buf.Bytes()
	if len(g.Image) > 1 && !bytes.Contains(out, netscapeLoopExtension) {
		return ImageAsset{}, ErrRepeatFlagSetFailed
	}
	return newImageAsset(out, ImageFormatGIF, transferredGIFFilename), nil
}

// compositeFrames decodes each frame and draws it onto the canvas,
// returning a copy of the canvas after each frame. Canvas pixels are
// thresholded to fully opaque or fully transparent, since GIF has no
// partial transparency.
func compositeFrames(ctx context.Context, img *webpImage) ([]*image.NRGBA, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, img.width, img.height))
	snapshots := make([]*image.NRGBA, 0, len(img.frames))

	var dispose *image.Rectangle
	for i, frame := range img.frames {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProcessingTimeout, err)
		}
		if dispose != nil {
			xdraw.Draw(canvas, *dispose, image.Transparent, image.Point{}, xdraw.Src)
			dispose = nil
		}

		decoded, err := frame.decode()
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		op := xdraw.Over
		if !frame.blend {
			op = xdraw.Src
		}
		xdraw.Draw(canvas, frame.rect, decoded, decoded.Bounds().Min, op)
		if frame.disposeToBackground {
			r := frame.rect
			dispose = &r
		}
		snapshots = append(snapshots, thresholdAlpha(canvas))
	}
	return snapshots, nil
}

func thresholdAlpha(src *image.RGBA) *image.NRGBA {
	dst := toNRGBA(src)
	for i := 0; i < len(dst.Pix); i += 4 {
		if dst.Pix[i+3] < 0x80 {
			dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = 0, 0, 0, 0
		} else {
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

// buildPalette builds one palette for every frame with a median cut
// over their opaque pixels. The first entry is transparent.
func buildPalette(frames []*image.NRGBA) color.Palette {
	pal := make(color.Palette, 1, maxPaletteColors+1)
	pal[0] = color.Transparent
	if !hasOpaquePixel(frames) {
		return pal
	}
	q := quantize.MedianCutQuantizer{
		Aggregation: quantize.Mean,
		Weighting:   opaqueWeight,
	}
	return q.Quantize(pal, frameStack(frames))
}

func hasOpaquePixel(frames []*image.NRGBA) bool {
	for _, frame := range frames {
		for i := 3; i < len(frame.Pix); i += 4 {
			if frame.Pix[i] != 0 {
				return true
			}
		}
	}
	return false
}

// opaqueWeight leaves transparent pixels out of the palette
func opaqueWeight(img image.Image, x int, y int) uint32 {
	if _, _, _, a := img.At(x, y).RGBA(); a == 0 {
		return 0
	}
	return 1
}

// frameStack is a sequence of same-sized frames viewed as a single
// image, one frame below the other
type frameStack []*image.NRGBA

func (f frameStack) ColorModel() color.Model {
	return color.NRGBAModel
}

func (f frameStack) Bounds() image.Rectangle {
	if len(f) == 0 {
		return image.Rectangle{}
	}
	size := f[0].Bounds().Size()
	return image.Rect(0, 0, size.X, size.Y*len(f))
}

func (f frameStack) At(x int, y int) color.Color {
	h := f[0].Bounds().Dy()
	return f[y/h].NRGBAAt(x, y%h)
}

// gifDelay converts a frame duration to GIF delay units (1/100s)
func gifDelay(d time.Duration) int {
	return int(d / (10 * time.Millisecond))
}
