package scene

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEmojiURL = "https://cdn.test/emojis/123.png"

func TestResizeMedium(t *testing.T) {
	t.Parallel()
	fetcher := newMapFetcher(
		map[string][]byte{testEmojiURL: solidPNG(t, 512, 256, color.NRGBA{R: 0xff, A: 0xff})},
	)
	r, err := NewResizer(fetcher, testImageConfig(), nil)
	require.NoError(t, err)

	asset, err := r.Resize(context.Background(), testEmojiURL, SizeTierMedium)
	require.NoError(t, err)
	assert.Equal(t, "resized.png", asset.Filename())
	assert.Equal(t, ImageFormatPNG, asset.Format())

	img, err := png.Decode(bytes.NewReader(asset.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
	assert.Equal(t, 128, img.Bounds().Dy())

	r8, g8, b8, a8 := img.At(64, 64).RGBA()
	assert.InDelta(t, 0xffff, r8, 0x200)
	assert.InDelta(t, 0, g8, 0x200)
	assert.InDelta(t, 0, b8, 0x200)
	assert.InDelta(t, 0xffff, a8, 0x200)
}

func TestResizeEveryTier(t *testing.T) {
	t.Parallel()
	fetcher := newMapFetcher(map[string][]byte{testEmojiURL: solidPNG(t, 40, 30, color.White)})

	for _, filter := range []string{
		ResampleBilinear,
		ResampleCatmullRom,
		ResampleLanczos3,
		ResampleNearest,
	} {
		cfg := testImageConfig()
		cfg.ResampleFilter = filter
		r, err := NewResizer(fetcher, cfg, nil)
		require.NoError(t, err, filter)

		for _, tier := range SizeTiers() {
			width, height, ok := tier.Dimensions()
			if !ok {
				continue
			}
			asset, err := r.Resize(context.Background(), testEmojiURL, tier)
			require.NoError(t, err, "%s %s", filter, tier)
			cfg, err := png.DecodeConfig(bytes.NewReader(asset.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, width, cfg.Width, "%s %s", filter, tier)
			assert.Equal(t, height, cfg.Height, "%s %s", filter, tier)
		}
	}
}

func TestResizeAutoPassthrough(t *testing.T) {
	t.Parallel()
	const url = "https://cdn.test/emojis/456.gif"
	original := []byte("GIF89a not really decoded")
	fetcher := newMapFetcher(map[string][]byte{url: original})
	r, err := NewResizer(fetcher, testImageConfig(), nil)
	require.NoError(t, err)

	asset, err := r.Resize(context.Background(), url, SizeTierAuto)
	require.NoError(t, err)
	assert.Equal(t, original, asset.Bytes())
	assert.Equal(t, "456.gif", asset.Filename())
	assert.Equal(t, ImageFormatGIF, asset.Format())
}

func TestResizeErrors(t *testing.T) {
	t.Parallel()
	fetcher := newMapFetcher(map[string][]byte{testEmojiURL: []byte("not an image")})
	r, err := NewResizer(fetcher, testImageConfig(), nil)
	require.NoError(t, err)

	_, err = r.Resize(context.Background(), testEmojiURL, SizeTierSmall)
	assert.ErrorIs(t, err, ErrUnsupportedOrCorruptImage)

	_, err = r.Resize(context.Background(), "https://cdn.test/emojis/missing.png", SizeTierSmall)
	assert.ErrorIs(t, err, ErrFetchFailed)

	_, err = r.Resize(context.Background(), testEmojiURL, SizeTier(99))
	assert.ErrorIs(t, err, ErrUnknownSizeTier)
}

func TestNewResizerUnknownFilter(t *testing.T) {
	t.Parallel()
	cfg := testImageConfig()
	cfg.ResampleFilter = "box"
	_, err := NewResizer(newMapFetcher(nil), cfg, nil)
	require.Error(t, err)
}

// pngHeader returns a PNG holding only an IHDR chunk for an 8-bit RGBA
// image of the given size. It's enough for image.DecodeConfig.
func pngHeader(width int, height int) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(width))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(height))
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // truecolor with alpha

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestResizeSourceTooLarge(t *testing.T) {
	t.Parallel()
	const (
		hugeURL  = "https://cdn.test/emojis/8000.png"
		webpURL  = "https://cdn.test/emojis/9000.webp"
		smallURL = "https://cdn.test/emojis/40.png"
	)
	disguised := riffWrap(
		vp8xChunk(0, 1, 1),
		riffChunk{fourCC: fourCCVP8L, data: vp8lSolid(8000, 8000, testRed)},
	)
	fetcher := newMapFetcher(
		map[string][]byte{
			hugeURL:  pngHeader(8000, 8000),
			webpURL:  disguised,
			smallURL: solidPNG(t, 40, 30, color.White),
		},
	)
	cfg := testImageConfig()
	assert.Equal(t, int64(DefaultImageMaxSourcePixels), cfg.MaxSourcePixels)
	r, err := NewResizer(fetcher, cfg, nil)
	require.NoError(t, err)

	_, err = r.Resize(context.Background(), hugeURL, SizeTierMedium)
	assert.ErrorIs(t, err, ErrSourceTooLarge)

	// the VP8X canvas claims 1x1
	_, err = r.Resize(context.Background(), webpURL, SizeTierMedium)
	assert.ErrorIs(t, err, ErrUnsupportedOrCorruptImage)
	assert.ErrorIs(t, err, ErrWebPDecodeFailed)

	_, err = r.Resize(context.Background(), smallURL, SizeTierMedium)
	require.NoError(t, err)

	cfg = testImageConfig()
	cfg.MaxSourcePixels = 40*30 - 1
	r, err = NewResizer(fetcher, cfg, nil)
	require.NoError(t, err)
	_, err = r.Resize(context.Background(), smallURL, SizeTierMedium)
	assert.ErrorIs(t, err, ErrSourceTooLarge)
}

func TestResizeTranslucentEdges(t *testing.T) {
	t.Parallel()
	src := image.NewNRGBA(image.Rect(0, 0, 30, 30))
	for y := 10; y < 20; y++ {
		for x := 10; x < 20; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 0xff, A: 0x80})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	fetcher := newMapFetcher(map[string][]byte{testEmojiURL: buf.Bytes()})

	for _, filter := range []string{ResampleBilinear, ResampleCatmullRom, ResampleLanczos3} {
		cfg := testImageConfig()
		cfg.ResampleFilter = filter
		r, err := NewResizer(fetcher, cfg, nil)
		require.NoError(t, err)

		asset, err := r.Resize(context.Background(), testEmojiURL, SizeTierSmall)
		require.NoError(t, err, filter)
		decoded, err := png.Decode(bytes.NewReader(asset.Bytes()))
		require.NoError(t, err)
		out := toNRGBA(decoded)

		var edges int
		for y := 0; y < 64; y++ {
			for x := 0; x < 64; x++ {
				px := out.NRGBAAt(x, y)
				if px.A == 0 {
					continue
				}
				if px.A < 0x7c {
					edges++
				}
				// un-premultiplied color stays red, edges included
				require.GreaterOrEqual(t, px.R, uint8(0xf0), "%s (%d,%d) %v", filter, x, y, px)
				require.LessOrEqual(t, px.G, uint8(0x08), "%s (%d,%d) %v", filter, x, y, px)
				require.LessOrEqual(t, px.B, uint8(0x08), "%s (%d,%d) %v", filter, x, y, px)
			}
		}
		assert.Positive(t, edges, filter)
		assert.InDelta(t, 0x80, int(out.NRGBAAt(32, 32).A), 2, filter)
	}
}
