package scene

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testStaticWebPURL   = "https://media.test/attachments/still.webp"
	testAnimatedWebPURL = "https://media.test/attachments/party.webp"
)

// countingGIFEncoder wraps gif.EncodeAll and counts calls
type countingGIFEncoder struct {
	calls atomic.Int64
}

func (e *countingGIFEncoder) EncodeAll(w io.Writer, g *gif.GIF) error {
	e.calls.Add(1)
	return gif.EncodeAll(w, g)
}

func testAnimation() []byte {
	return animatedWebP(
		10, 10,
		testFrame{rect: image.Rect(0, 0, 10, 10), duration: 100 * time.Millisecond, color: testRed},
		testFrame{
			rect:     image.Rect(2, 4, 6, 8),
			duration: 50 * time.Millisecond,
			flags:    anmfFlagDispose,
			color:    testBlue,
		},
		testFrame{rect: image.Rect(0, 0, 2, 2), duration: 70 * time.Millisecond, color: testGreen},
	)
}

func newTestTranscoder(t testing.TB, opts ...TranscoderOption) *Transcoder {
	t.Helper()
	fetcher := newMapFetcher(
		map[string][]byte{
			testStaticWebPURL:   staticWebP(8, 4, testRed),
			testAnimatedWebPURL: testAnimation(),
		},
	)
	return NewTranscoder(fetcher, testImageConfig(), nil, opts...)
}

func TestTranscodeStaticForAutosend(t *testing.T) {
	t.Parallel()
	encoder := &countingGIFEncoder{}
	tc := newTestTranscoder(t, WithGIFEncoder(encoder))

	_, err := tc.Transcode(context.Background(), testStaticWebPURL, true)
	require.ErrorIs(t, err, ErrTranscodeNotNeeded)
	assert.Zero(t, encoder.calls.Load())
}

func TestTranscodeStatic(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(t)

	asset, err := tc.Transcode(context.Background(), testStaticWebPURL, false)
	require.NoError(t, err)
	assert.Equal(t, "transfered.png", asset.Filename())
	assert.Equal(t, ImageFormatPNG, asset.Format())

	img, err := png.Decode(bytes.NewReader(asset.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())
}

func TestTranscodeAnimated(t *testing.T) {
	t.Parallel()
	encoder := &countingGIFEncoder{}
	tc := newTestTranscoder(t, WithGIFEncoder(encoder))

	asset, err := tc.Transcode(context.Background(), testAnimatedWebPURL, true)
	require.NoError(t, err)
	assert.Equal(t, "transfered.gif", asset.Filename())
	assert.Equal(t, ImageFormatGIF, asset.Format())
	assert.Equal(t, int64(1), encoder.calls.Load())
	assert.True(t, bytes.Contains(asset.Bytes(), []byte("NETSCAPE2.0")))

	g, err := gif.DecodeAll(bytes.NewReader(asset.Bytes()))
	require.NoError(t, err)
	require.Len(t, g.Image, 3)
	assert.Equal(t, 0, g.LoopCount)
	assert.Equal(t, []int{10, 5, 7}, g.Delay)
	assert.Equal(t, 10, g.Config.Width)
	assert.Equal(t, 10, g.Config.Height)

	assertOpaque := func(img image.Image, x, y int, want [3]uint32) {
		t.Helper()
		r, gr, b, a := img.At(x, y).RGBA()
		assert.Equal(t, uint32(0xffff), a, "(%d,%d)", x, y)
		assert.Equal(t, want, [3]uint32{r, gr, b}, "(%d,%d)", x, y)
	}
	red := [3]uint32{0xffff, 0, 0}
	blue := [3]uint32{0, 0, 0xffff}
	green := [3]uint32{0, 0xffff, 0}

	assertOpaque(g.Image[0], 5, 5, red)

	// second frame is drawn over the first at its offset
	assertOpaque(g.Image[1], 3, 5, blue)
	assertOpaque(g.Image[1], 0, 0, red)

	// the second frame's area is cleared before the third is drawn
	_, _, _, a := g.Image[2].At(3, 5).RGBA()
	assert.Zero(t, a)
	assertOpaque(g.Image[2], 1, 1, green)
	assertOpaque(g.Image[2], 9, 9, red)
}

func TestTranscodeDecodedSizeLimit(t *testing.T) {
	t.Parallel()
	encoder := &countingGIFEncoder{}
	fetcher := newMapFetcher(map[string][]byte{testAnimatedWebPURL: testAnimation()})
	cfg := testImageConfig()
	cfg.MaxDecodedBytes = 10 * 10 * 4 * 2
	tc := NewTranscoder(fetcher, cfg, nil, WithGIFEncoder(encoder))

	_, err := tc.Transcode(context.Background(), testAnimatedWebPURL, true)
	require.ErrorIs(t, err, ErrDecodedSizeTooLarge)
	assert.Zero(t, encoder.calls.Load())
}

func TestTranscodeEncoderErrors(t *testing.T) {
	t.Parallel()

	failing := GIFEncoderFunc(
		func(io.Writer, *gif.GIF) error {
			return errors.New("out of palette")
		},
	)
	tc := newTestTranscoder(t, WithGIFEncoder(failing))
	_, err := tc.Transcode(context.Background(), testAnimatedWebPURL, true)
	require.ErrorIs(t, err, ErrGifEncodeFailed)

	// an encoder which drops the application extension
	noLoop := GIFEncoderFunc(
		func(w io.Writer, g *gif.GIF) error {
			g.LoopCount = -1
			return gif.EncodeAll(w, g)
		},
	)
	tc = newTestTranscoder(t, WithGIFEncoder(noLoop))
	_, err = tc.Transcode(context.Background(), testAnimatedWebPURL, true)
	require.ErrorIs(t, err, ErrRepeatFlagSetFailed)

	failingStill := StillEncoderFunc(
		func(io.Writer, image.Image) error {
			return errors.New("disk full")
		},
	)
	tc = newTestTranscoder(t, WithStillEncoder(failingStill))
	_, err = tc.Transcode(context.Background(), testStaticWebPURL, false)
	require.ErrorIs(t, err, ErrStillEncodeFailed)
}

func TestTranscodeInputErrors(t *testing.T) {
	t.Parallel()
	const corruptURL = "https://media.test/attachments/corrupt.webp"
	fetcher := newMapFetcher(map[string][]byte{corruptURL: []byte("RIFF....WEBPVP8L")})
	tc := NewTranscoder(fetcher, testImageConfig(), nil)

	_, err := tc.Transcode(context.Background(), corruptURL, true)
	require.ErrorIs(t, err, ErrWebPDecodeFailed)

	_, err = tc.Transcode(context.Background(), "https://media.test/missing.webp", true)
	require.ErrorIs(t, err, ErrFetchFailed)
}

func TestTranscodeTimeout(t *testing.T) {
	t.Parallel()
	tc := newTestTranscoder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tc.Transcode(ctx, testAnimatedWebPURL, true)
	require.ErrorIs(t, err, ErrProcessingTimeout)
}

func TestBuildPalette(t *testing.T) {
	t.Parallel()
	frame := func(colors ...color.NRGBA) *image.NRGBA {
		img := image.NewNRGBA(image.Rect(0, 0, len(colors)+1, 2))
		for x, c := range colors {
			img.SetNRGBA(x, 0, c)
			img.SetNRGBA(x, 1, c)
		}
		return img
	}
	rgba := func(c color.Color) [4]uint32 {
		r, g, b, a := c.RGBA()
		return [4]uint32{r, g, b, a}
	}

	pal := buildPalette([]*image.NRGBA{frame(testRed, testBlue), frame(testGreen)})
	require.NotEmpty(t, pal)
	assert.Equal(t, [4]uint32{}, rgba(pal[0]))
	colors := make([][4]uint32, 0, len(pal))
	for _, c := range pal[1:] {
		colors = append(colors, rgba(c))
	}
	for _, want := range []color.NRGBA{testRed, testBlue, testGreen} {
		assert.Contains(t, colors, rgba(want))
	}
	for _, c := range colors {
		assert.Equal(t, uint32(0xffff), c[3], "only the first entry is transparent")
	}

	empty := buildPalette([]*image.NRGBA{image.NewNRGBA(image.Rect(0, 0, 4, 4))})
	assert.Len(t, empty, 1)

	gradient := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			gradient.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 0x80, A: 0xff})
		}
	}
	pal = buildPalette([]*image.NRGBA{gradient, gradient})
	assert.LessOrEqual(t, len(pal), maxPaletteColors+1)
	assert.Greater(t, len(pal), 64)
}

func TestGIFDelay(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 10, gifDelay(100*time.Millisecond))
	assert.Equal(t, 0, gifDelay(5*time.Millisecond))
	assert.Equal(t, 150, gifDelay(1500*time.Millisecond))
}
