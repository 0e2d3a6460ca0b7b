package scene

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Resample filter names accepted by ImageConfig.ResampleFilter
const (
	ResampleBilinear   = "bilinear"
	ResampleCatmullRom = "catmull-rom"
	ResampleLanczos3   = "lanczos3"
	ResampleNearest    = "nearest"
)

var lanczos3 = &xdraw.Kernel{
	Support: 3,
	At: func(t float64) float64 {
		if t == 0 {
			return 1
		}
		if t >= 3 {
			return 0
		}
		return sinc(t) * sinc(t/3)
	},
}

func sinc(x float64) float64 {
	x *= math.Pi
	return math.Sin(x) / x
}

// resampleFilter returns the interpolator with the given name. An empty
// name is bilinear.
func resampleFilter(name string) (xdraw.Interpolator, error) {
	switch strings.ToLower(name) {
	case "", ResampleBilinear:
		return xdraw.BiLinear, nil
	case ResampleCatmullRom:
		return xdraw.CatmullRom, nil
	case ResampleLanczos3:
		return lanczos3, nil
	case ResampleNearest:
		return xdraw.NearestNeighbor, nil
	default:
		return nil, fmt.Errorf("unknown resample filter: %q", name)
	}
}

// decodeImage decodes any registered still format (png, gif, jpeg, webp).
// Animated GIFs decode to their first frame. Images with more than
// maxPixels pixels are rejected before decoding, with ErrSourceTooLarge.
func decodeImage(data []byte, maxPixels int64) (image.Image, error) {
	if err := checkSourceSize(data, maxPixels); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedOrCorruptImage, err)
	}
	return img, nil
}

// checkSourceSize reads the dimensions from the image header. WebP
// dimensions come from parseWebP, since the VP8X header can claim a
// smaller canvas than the bitstream it wraps.
func checkSourceSize(data []byte, maxPixels int64) error {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedOrCorruptImage, err)
	}
	width, height := cfg.Width, cfg.Height
	if format == "webp" {
		img, err := parseWebP(data)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnsupportedOrCorruptImage, err)
		}
		width, height = img.width, img.height
	}
	if maxPixels > 0 && int64(width)*int64(height) > maxPixels {
		return fmt.Errorf(
			"%w: %dx%d exceeds %d pixels",
			ErrSourceTooLarge,
			width,
			height,
			maxPixels,
		)
	}
	return nil
}

func encodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}

// toRGBA returns img as premultiplied RGBA, with its bounds moved to the
// origin
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// toNRGBA returns img as non-premultiplied RGBA
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// fetchImage fetches url, making sure the error wraps ErrFetchFailed
// or ErrInputTooLarge regardless of the Fetcher implementation
func fetchImage(ctx context.Context, f Fetcher, url string) ([]byte, error) {
	data, err := f.Fetch(ctx, url)
	if err != nil {
		if errors.Is(err, ErrFetchFailed) || errors.Is(err, ErrInputTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return data, nil
}

// runProcess runs fn in a new goroutine, bounded by timeout. If the
// deadline passes first, ErrProcessingTimeout is returned. fn receives the
// bounded context and should check it between units of work, as it isn't
// interrupted otherwise. A panic in fn is returned as
// ErrUnsupportedOrCorruptImage.
func runProcess[T any](
	ctx context.Context,
	timeout time.Duration,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{
					err: fmt.Errorf("%w: panic: %v", ErrUnsupportedOrCorruptImage, rec),
				}
			}
		}()
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil && !errors.Is(res.err, ErrProcessingTimeout) {
			res.err = fmt.Errorf("%w: %w", ErrProcessingTimeout, res.err)
		}
		return res.value, res.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrProcessingTimeout, ctx.Err())
	}
}
