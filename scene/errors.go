package scene

import (
	"context"
	"errors"
)

// Reference errors
var (
	ErrNotAnEmojiReference       = errors.New("not an emoji reference")
	ErrMixedAnimationClassInPair = errors.New("emoji pair mixes animated and static emoji")
)

// Network errors
var (
	ErrFetchFailed   = errors.New("fetch failed")
	ErrInputTooLarge = errors.New("input too large")
)

// Decode errors
var (
	ErrUnsupportedOrCorruptImage = errors.New("unsupported or corrupt image")
	ErrWebPDecodeFailed          = errors.New("webp decode failed")
	ErrWebPNoFrames              = errors.New("animated webp has no frames")
	ErrNotWebP                   = errors.New("attachment is not a webp image")
)

// Encode errors
var (
	ErrGifEncodeFailed     = errors.New("gif encode failed")
	ErrRepeatFlagSetFailed = errors.New("failed to set gif loop flag")
	ErrStillEncodeFailed   = errors.New("still image encode failed")
)

// Policy and size errors
var (
	ErrDecodedSizeTooLarge = errors.New("decoded image too large")
	ErrSourceTooLarge      = errors.New("source image dimensions too large")
	ErrOutputTooLarge      = errors.New("output too large")
	ErrTranscodeNotNeeded  = errors.New("static webp does not need transcoding")
	ErrProcessingTimeout   = errors.New("image processing timed out")
)

// Configuration errors
var (
	ErrGuildPolicyNotFound    = errors.New("no configuration found for guild")
	ErrUnknownSizeTier        = errors.New("unknown size tier")
	ErrPolicyDocumentNotFound = errors.New("policy document not found")
)

const defaultStatusMessage = "Something went wrong while processing the image."

// statusMessages holds the user-facing message for each error kind.
// Order matters: more specific errors are listed before the errors
// they wrap.
var statusMessages = []struct {
	err     error
	message string
}{
	{ErrNotAnEmojiReference, "That doesn't look like a custom emoji."},
	{ErrMixedAnimationClassInPair, "Both emoji must be either animated or static."},
	{ErrInputTooLarge, "The file is too large. Only files up to 10MB are supported."},
	{ErrFetchFailed, "Failed to fetch the image from Discord."},
	{ErrUnsupportedOrCorruptImage, "The image format is unsupported or the file is corrupt."},
	{ErrWebPNoFrames, "The animated WebP image has no frames."},
	{ErrWebPDecodeFailed, "Failed to decode the WebP image."},
	{ErrNotWebP, "Only WebP images can be converted."},
	{ErrGifEncodeFailed, "Failed to encode the WebP image as a GIF."},
	{ErrRepeatFlagSetFailed, "Failed to make the GIF loop."},
	{ErrStillEncodeFailed, "Failed to encode the image."},
	{ErrSourceTooLarge, "The emoji image is too large to resize."},
	{ErrDecodedSizeTooLarge, "The WebP image is too large to convert. Only images up to 2MB decoded are supported."},
	{ErrOutputTooLarge, "The converted image is larger than this server's upload limit."},
	{ErrTranscodeNotNeeded, "Static WebP images are already supported, no conversion needed."},
	{ErrProcessingTimeout, "Processing the image took too long."},
	{ErrGuildPolicyNotFound, "No configuration was found for this server."},
	{ErrUnknownSizeTier, "Unknown size."},
}

// StatusMessage returns a short user-facing message describing err.
func StatusMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Processing the image took too long."
	}
	for _, sm := range statusMessages {
		if errors.Is(err, sm.err) {
			return sm.message
		}
	}
	return defaultStatusMessage
}
