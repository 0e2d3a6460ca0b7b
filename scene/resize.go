package scene

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	xdraw "golang.org/x/image/draw"
)

// Resizer fetches emoji images and scales them to a SizeTier
type Resizer struct {
	fetcher   Fetcher
	filter    xdraw.Interpolator
	maxPixels int64
	timeout   time.Duration
	logger    *slog.Logger
}

func NewResizer(fetcher Fetcher, config *ImageConfig, logger *slog.Logger) (
	*Resizer,
	error,
) {
	filter, err := resampleFilter(config.ResampleFilter)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resizer{
		fetcher:   fetcher,
		filter:    filter,
		maxPixels: config.MaxSourcePixels,
		timeout:   config.ProcessTimeout,
		logger:    logger.With(loggerNameKey, "resizer"),
	}, nil
}

// Resize fetches the image at url and returns it scaled to exactly the
// tier's dimensions, as a PNG. The aspect ratio isn't preserved.
// For SizeTierAuto, the fetched bytes are returned unchanged.
func (r *Resizer) Resize(ctx context.Context, url string, tier SizeTier) (
	ImageAsset,
	error,
) {
	if !tier.Valid() {
		return ImageAsset{}, fmt.Errorf("%w: %d", ErrUnknownSizeTier, int(tier))
	}
	logger := r.logger.With("url", url, "size_tier", tier.String())

	data, err := fetchImage(ctx, r.fetcher, url)
	if err != nil {
		logger.WarnContext(ctx, "fetch failed", tint.Err(err))
		return ImageAsset{}, err
	}

	width, height, ok := tier.Dimensions()
	if !ok {
		format := formatFromURL(url)
		asset := newImageAsset(
			data,
			format,
			filenameFromURL(url, "emoji."+string(format)),
		)
		logger.DebugContext(ctx, "passing through original image", "asset", asset)
		return asset, nil
	}

	asset, err := runProcess(
		ctx,
		r.timeout,
		func(ctx context.Context) (ImageAsset, error) {
			return r.resize(ctx, data, width, height)
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "resize failed", tint.Err(err))
		return ImageAsset{}, err
	}
	logger.DebugContext(ctx, "resized", "asset", asset)
	return asset, nil
}

func (r *Resizer) resize(
	ctx context.Context,
	data []byte,
	width int,
	height int,
) (ImageAsset, error) {
	src, err := decodeImage(data, r.maxPixels)
	if err != nil {
		return ImageAsset{}, err
	}
	if err = ctx.Err(); err != nil {
		return ImageAsset{}, err
	}
	if src.Bounds().Empty() {
		return ImageAsset{}, fmt.Errorf("%w: empty image", ErrUnsupportedOrCorruptImage)
	}

	premultiplied := toRGBA(src)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	r.filter.Scale(dst, dst.Bounds(), premultiplied, premultiplied.Bounds(), xdraw.Src, nil)
	if err = ctx.Err(); err != nil {
		return ImageAsset{}, err
	}

	var buf bytes.Buffer
	if err = encodePNG(&buf, toNRGBA(dst)); err != nil {
		return ImageAsset{}, fmt.Errorf("%w: %w", ErrStillEncodeFailed, err)
	}
	return newImageAsset(buf.Bytes(), ImageFormatPNG, resizedFilename), nil
}
