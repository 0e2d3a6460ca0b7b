package scene

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"time"

	"golang.org/x/image/webp"
)

const (
	fourCCRIFF = "RIFF"
	fourCCWEBP = "WEBP"
	fourCCVP8  = "VP8 "
	fourCCVP8L = "VP8L"
	fourCCVP8X = "VP8X"
	fourCCALPH = "ALPH"
	fourCCANIM = "ANIM"
	fourCCANMF = "ANMF"

	vp8xFlagAnimation = 0x02
	vp8xFlagAlpha     = 0x10

	anmfFlagDispose = 0x01
	anmfFlagNoBlend = 0x02

	vp8xPayloadLen = 10
	animPayloadLen = 6
	anmfHeaderLen  = 16
	chunkHeaderLen = 8
)

// webpImage is a parsed WebP container. A still image holds a single
// frame covering the canvas.
type webpImage struct {
	width     int
	height    int
	animated  bool
	loopCount int
	frames    []webpFrame
}

// webpFrame is one bitstream in a WebP container, and where it's
// placed on the canvas
type webpFrame struct {
	rect     image.Rectangle
	duration time.Duration
	// blend is true if the frame is alpha-blended onto the canvas,
	// otherwise it overwrites its rectangle
	blend bool
	// disposeToBackground clears the frame's rectangle to transparent
	// before the next frame is drawn
	disposeToBackground bool
	alpha               []byte
	bitstreamFourCC     string
	bitstream           []byte
}

// decodedSize is the number of bytes needed to hold every frame of the
// image as a canvas-sized RGBA raster
func (w *webpImage) decodedSize() int64 {
	return int64(w.width) * int64(w.height) * 4 * int64(len(w.frames))
}

type riffChunk struct {
	fourCC string
	data   []byte
}

// parseWebP parses the RIFF container of a WebP image, without decoding
// any bitstream. The dimensions each bitstream header declares must match
// the frame they're placed in. Errors wrap ErrWebPDecodeFailed.
func parseWebP(data []byte) (*webpImage, error) {
	if len(data) < 12 || string(data[0:4]) != fourCCRIFF || string(data[8:12]) != fourCCWEBP {
		return nil, fmt.Errorf("%w: missing RIFF/WEBP header", ErrWebPDecodeFailed)
	}
	riffLen := int64(binary.LittleEndian.Uint32(data[4:8]))
	if riffLen < 4 || riffLen+8 > int64(len(data)) {
		return nil, fmt.Errorf("%w: truncated RIFF container", ErrWebPDecodeFailed)
	}
	chunks, err := readChunks(data[12 : 8+riffLen])
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: empty container", ErrWebPDecodeFailed)
	}

	first := chunks[0]
	switch first.fourCC {
	case fourCCVP8, fourCCVP8L:
		return parseSimpleWebP(first)
	case fourCCVP8X:
		return parseExtendedWebP(first.data, chunks[1:])
	default:
		return nil, fmt.Errorf(
			"%w: unexpected first chunk %q",
			ErrWebPDecodeFailed,
			first.fourCC,
		)
	}
}

func parseSimpleWebP(chunk riffChunk) (*webpImage, error) {
	frame := webpFrame{
		bitstreamFourCC: chunk.fourCC,
		bitstream:       chunk.data,
	}
	size, err := frame.bitstreamSize()
	if err != nil {
		return nil, err
	}
	frame.rect = image.Rectangle{Max: size}
	return &webpImage{
		width:  size.X,
		height: size.Y,
		frames: []webpFrame{frame},
	}, nil
}

func parseExtendedWebP(header []byte, chunks []riffChunk) (*webpImage, error) {
	if len(header) < vp8xPayloadLen {
		return nil, fmt.Errorf("%w: short VP8X chunk", ErrWebPDecodeFailed)
	}
	img := &webpImage{
		width:    1 + int(uint24(header[4:7])),
		height:   1 + int(uint24(header[7:10])),
		animated: header[0]&vp8xFlagAnimation != 0,
	}
	canvas := image.Rect(0, 0, img.width, img.height)

	if !img.animated {
		frame, err := parseFrameChunks(chunks)
		if err != nil {
			return nil, err
		}
		frame.rect = canvas
		if err = frame.checkBitstreamSize(); err != nil {
			return nil, err
		}
		img.frames = []webpFrame{frame}
		return img, nil
	}

	for _, chunk := range chunks {
		switch chunk.fourCC {
		case fourCCANIM:
			if len(chunk.data) < animPayloadLen {
				return nil, fmt.Errorf("%w: short ANIM chunk", ErrWebPDecodeFailed)
			}
			img.loopCount = int(binary.LittleEndian.Uint16(chunk.data[4:6]))
		case fourCCANMF:
			frame, err := parseANMF(chunk.data)
			if err != nil {
				return nil, err
			}
			if !frame.rect.In(canvas) {
				return nil, fmt.Errorf(
					"%w: frame %v outside canvas %v",
					ErrWebPDecodeFailed,
					frame.rect,
					canvas,
				)
			}
			img.frames = append(img.frames, frame)
		}
	}
	if len(img.frames) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrWebPDecodeFailed, ErrWebPNoFrames)
	}
	return img, nil
}

func parseANMF(data []byte) (webpFrame, error) {
	if len(data) < anmfHeaderLen {
		return webpFrame{}, fmt.Errorf("%w: short ANMF chunk", ErrWebPDecodeFailed)
	}
	x := 2 * int(uint24(data[0:3]))
	y := 2 * int(uint24(data[3:6]))
	width := 1 + int(uint24(data[6:9]))
	height := 1 + int(uint24(data[9:12]))
	durationMillis := uint24(data[12:15])
	flags := data[15]

	subChunks, err := readChunks(data[anmfHeaderLen:])
	if err != nil {
		return webpFrame{}, err
	}
	frame, err := parseFrameChunks(subChunks)
	if err != nil {
		return webpFrame{}, err
	}
	frame.rect = image.Rect(x, y, x+width, y+height)
	if err = frame.checkBitstreamSize(); err != nil {
		return webpFrame{}, err
	}
	frame.duration = time.Duration(durationMillis) * time.Millisecond
	frame.blend = flags&anmfFlagNoBlend == 0
	frame.disposeToBackground = flags&anmfFlagDispose != 0
	return frame, nil
}

// parseFrameChunks finds the bitstream (and optional alpha) chunk of a
// frame. Unknown chunks (ICCP, EXIF, XMP) are skipped.
func parseFrameChunks(chunks []riffChunk) (webpFrame, error) {
	var frame webpFrame
	for _, chunk := range chunks {
		switch chunk.fourCC {
		case fourCCALPH:
			frame.alpha = chunk.data
		case fourCCVP8, fourCCVP8L:
			frame.bitstreamFourCC = chunk.fourCC
			frame.bitstream = chunk.data
			if chunk.fourCC == fourCCVP8L {
				// alpha is carried in the lossless bitstream
				frame.alpha = nil
			}
			return frame, nil
		}
	}
	return webpFrame{}, fmt.Errorf("%w: frame has no bitstream", ErrWebPDecodeFailed)
}

// readChunks splits data into RIFF chunks. Chunk payloads with an odd
// length are followed by a padding byte.
func readChunks(data []byte) ([]riffChunk, error) {
	var chunks []riffChunk
	for len(data) > 0 {
		if len(data) < chunkHeaderLen {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrWebPDecodeFailed)
		}
		fourCC := string(data[0:4])
		size := int64(binary.LittleEndian.Uint32(data[4:8]))
		data = data[chunkHeaderLen:]
		if size > int64(len(data)) {
			return nil, fmt.Errorf(
				"%w: truncated %q chunk",
				ErrWebPDecodeFailed,
				fourCC,
			)
		}
		chunks = append(chunks, riffChunk{fourCC: fourCC, data: data[:size]})
		data = data[size:]
		if size%2 == 1 && len(data) > 0 {
			data = data[1:]
		}
	}
	return chunks, nil
}

// container returns the frame as a standalone still WebP file
func (f webpFrame) container() []byte {
	if f.bitstreamFourCC == fourCCVP8 && f.alpha != nil {
		header := make([]byte, vp8xPayloadLen)
		header[0] = vp8xFlagAlpha
		putUint24(header[4:7], uint32(f.rect.Dx()-1))
		putUint24(header[7:10], uint32(f.rect.Dy()-1))
		return riffWrap(
			riffChunk{fourCC: fourCCVP8X, data: header},
			riffChunk{fourCC: fourCCALPH, data: f.alpha},
			riffChunk{fourCC: fourCCVP8, data: f.bitstream},
		)
	}
	return riffWrap(riffChunk{fourCC: f.bitstreamFourCC, data: f.bitstream})
}

// bitstreamSize reads the dimensions from the frame's VP8 or VP8L
// header, without decoding the image
func (f webpFrame) bitstreamSize() (image.Point, error) {
	bare := riffWrap(riffChunk{fourCC: f.bitstreamFourCC, data: f.bitstream})
	cfg, err := webp.DecodeConfig(bytes.NewReader(bare))
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: %w", ErrWebPDecodeFailed, err)
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}

// checkBitstreamSize returns an error if the bitstream's dimensions
// differ from the frame's rectangle
func (f webpFrame) checkBitstreamSize() error {
	size, err := f.bitstreamSize()
	if err != nil {
		return err
	}
	if size != f.rect.Size() {
		return fmt.Errorf(
			"%w: bitstream is %v, frame is %v",
			ErrWebPDecodeFailed,
			size,
			f.rect.Size(),
		)
	}
	return nil
}

// decode decodes the frame's bitstream. The returned image's bounds
// start at the origin.
func (f webpFrame) decode() (image.Image, error) {
	img, err := webp.Decode(bytes.NewReader(f.container()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWebPDecodeFailed, err)
	}
	if !f.rect.Empty() && (img.Bounds().Dx() != f.rect.Dx() || img.Bounds().Dy() != f.rect.Dy()) {
		return nil, fmt.Errorf(
			"%w: frame is %v, expected %dx%d",
			ErrWebPDecodeFailed,
			img.Bounds().Size(),
			f.rect.Dx(),
			f.rect.Dy(),
		)
	}
	return img, nil
}

// riffWrap builds a RIFF/WEBP file from chunks
func riffWrap(chunks ...riffChunk) []byte {
	var body bytes.Buffer
	body.WriteString(fourCCWEBP)
	for _, c := range chunks {
		body.Write(encodeChunk(c))
	}
	out := make([]byte, 8, 8+body.Len())
	copy(out[0:4], fourCCRIFF)
	binary.LittleEndian.PutUint32(out[4:8], uint32(body.Len()))
	return append(out, body.Bytes()...)
}

func encodeChunk(c riffChunk) []byte {
	out := make([]byte, chunkHeaderLen, chunkHeaderLen+len(c.data)+1)
	copy(out[0:4], c.fourCC)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(c.data)))
	out = append(out, c.data...)
	if len(c.data)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
