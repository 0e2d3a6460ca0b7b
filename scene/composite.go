package scene

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// compositeInputSize is the CDN size hint used to normalize both
// emoji before they're placed side by side
const compositeInputSize = 128

// Compositor places two images side by side
type Compositor struct {
	fetcher   Fetcher
	maxPixels int64
	timeout   time.Duration
	logger    *slog.Logger
}

func NewCompositor(fetcher Fetcher, config *ImageConfig, logger *slog.Logger) *Compositor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{
		fetcher:   fetcher,
		maxPixels: config.MaxSourcePixels,
		timeout:   config.ProcessTimeout,
		logger:    logger.With(loggerNameKey, "compositor"),
	}
}

// Compose fetches both images concurrently and returns a PNG of the
// first image followed by the second, aligned to the top edge, on a
// transparent canvas. Neither image is scaled.
func (c *Compositor) Compose(ctx context.Context, urlA string, urlB string) (
	ImageAsset,
	error,
) {
	logger := c.logger.With("url_a", urlA, "url_b", urlB)

	var dataA, dataB []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() (err error) {
			dataA, err = fetchImage(gctx, c.fetcher, urlA)
			return err
		},
	)
	g.Go(
		func() (err error) {
			dataB, err = fetchImage(gctx, c.fetcher, urlB)
			return err
		},
	)
	if err := g.Wait(); err != nil {
		logger.WarnContext(ctx, "fetch failed", tint.Err(err))
		return ImageAsset{}, err
	}

	asset, err := runProcess(
		ctx,
		c.timeout,
		func(ctx context.Context) (ImageAsset, error) {
			return compose(dataA, dataB, c.maxPixels)
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "compose failed", tint.Err(err))
		return ImageAsset{}, err
	}
	logger.DebugContext(ctx, "composed", "asset", asset)
	return asset, nil
}

func compose(dataA []byte, dataB []byte, maxPixels int64) (ImageAsset, error) {
	a, err := decodeImage(dataA, maxPixels)
	if err != nil {
		return ImageAsset{}, fmt.Errorf("first image: %w", err)
	}
	b, err := decodeImage(dataB, maxPixels)
	if err != nil {
		return ImageAsset{}, fmt.Errorf("second image: %w", err)
	}

	widthA := a.Bounds().Dx()
	canvas := imaging.New(
		widthA+b.Bounds().Dx(),
		max(a.Bounds().Dy(), b.Bounds().Dy()),
		color.Transparent,
	)
	canvas = imaging.Paste(canvas, a, image.Pt(0, 0))
	canvas = imaging.Paste(canvas, b, image.Pt(widthA, 0))

	var buf bytes.Buffer
	if err = encodePNG(&buf, canvas); err != nil {
		return ImageAsset{}, fmt.Errorf("%w: %w", ErrStillEncodeFailed, err)
	}
	return newImageAsset(buf.Bytes(), ImageFormatPNG, compositeFilename), nil
}
