package scene

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	// DefaultCDNBaseURL is the base URL custom emoji images are served from
	DefaultCDNBaseURL = "https://cdn.discordapp.com"

	emojiExtStatic   = "png"
	emojiExtAnimated = "gif"
)

var (
	emojiTokenPattern = `<(a?):([A-Za-z0-9_]+):([0-9]+)>`

	singleEmojiRegex = regexp.MustCompile(`^` + emojiTokenPattern + `$`)
	doubleEmojiRegex = regexp.MustCompile(
		`^` + emojiTokenPattern + ` ?` + emojiTokenPattern + `$`,
	)
)

// EmojiReference identifies a custom emoji parsed from message text.
type EmojiReference struct {
	Name     string `json:"name"`
	ID       uint64 `json:"id"`
	Animated bool   `json:"animated"`
}

// IsStatic reports whether the emoji is a still (PNG) image.
func (e EmojiReference) IsStatic() bool {
	return !e.Animated
}

// Extension returns the CDN file extension for the emoji.
func (e EmojiReference) Extension() string {
	if e.Animated {
		return emojiExtAnimated
	}
	return emojiExtStatic
}

// URL returns the CDN URL for the emoji image, against the given base URL.
// If base is empty, DefaultCDNBaseURL is used.
func (e EmojiReference) URL(base string) string {
	if base == "" {
		base = DefaultCDNBaseURL
	}
	return fmt.Sprintf(
		"%s/emojis/%d.%s",
		strings.TrimSuffix(base, "/"),
		e.ID,
		e.Extension(),
	)
}

// URLWithSize returns URL with the CDN `size` query hint, which has
// the CDN pre-scale the image.
func (e EmojiReference) URLWithSize(base string, size int) string {
	return fmt.Sprintf("%s?size=%d", e.URL(base), size)
}

func (e EmojiReference) String() string {
	prefix := ""
	if e.Animated {
		prefix = "a"
	}
	return fmt.Sprintf("<%s:%s:%d>", prefix, e.Name, e.ID)
}

// MessageContext describes the parts of a message, other than its text,
// which disqualify it from being treated as an emoji reference.
type MessageContext struct {
	HasAttachments bool
	HasMentions    bool
	HasReply       bool
	FromBot        bool
}

func (mc MessageContext) disqualified() bool {
	return mc.HasAttachments || mc.HasMentions || mc.HasReply || mc.FromBot
}

// MessageContextFromDiscord builds a MessageContext from a discord message.
func MessageContextFromDiscord(m *discordgo.Message) MessageContext {
	if m == nil {
		return MessageContext{}
	}
	mc := MessageContext{
		HasAttachments: len(m.Attachments) > 0,
		HasMentions: len(m.Mentions) > 0 ||
			len(m.MentionRoles) > 0 ||
			m.MentionEveryone,
		HasReply: m.ReferencedMessage != nil || m.MessageReference != nil,
	}
	if m.Author != nil {
		mc.FromBot = m.Author.Bot
	}
	return mc
}

// ParseEmojiReference returns the emoji referenced by text, if text is
// exactly one custom emoji token and mc doesn't disqualify the message.
// Otherwise, ErrNotAnEmojiReference is returned.
func ParseEmojiReference(text string, mc MessageContext) (EmojiReference, error) {
	if mc.disqualified() {
		return EmojiReference{}, ErrNotAnEmojiReference
	}
	match := singleEmojiRegex.FindStringSubmatch(text)
	if match == nil {
		return EmojiReference{}, ErrNotAnEmojiReference
	}
	return emojiFromMatch(match[1:4])
}

// ParseDoubleEmojiReference returns both emoji referenced by text, if text
// is exactly two consecutive custom emoji tokens (optionally separated by
// one space) of the same animation class. A pair mixing animated and
// static emoji returns ErrMixedAnimationClassInPair.
func ParseDoubleEmojiReference(text string, mc MessageContext) (
	first EmojiReference,
	second EmojiReference,
	err error,
) {
	if mc.disqualified() {
		return first, second, ErrNotAnEmojiReference
	}
	match := doubleEmojiRegex.FindStringSubmatch(text)
	if match == nil {
		return first, second, ErrNotAnEmojiReference
	}
	first, err = emojiFromMatch(match[1:4])
	if err != nil {
		return EmojiReference{}, EmojiReference{}, err
	}
	second, err = emojiFromMatch(match[4:7])
	if err != nil {
		return EmojiReference{}, EmojiReference{}, err
	}
	if first.Animated != second.Animated {
		return EmojiReference{}, EmojiReference{}, ErrMixedAnimationClassInPair
	}
	return first, second, nil
}

// emojiFromMatch builds an EmojiReference from the (animated, name, id)
// capture groups of emojiTokenPattern
func emojiFromMatch(groups []string) (EmojiReference, error) {
	id, err := strconv.ParseUint(groups[2], 10, 64)
	if err != nil || id == 0 {
		return EmojiReference{}, ErrNotAnEmojiReference
	}
	return EmojiReference{
		Name:     groups[1],
		ID:       id,
		Animated: groups[0] == "a",
	}, nil
}
