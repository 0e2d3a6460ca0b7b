package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	commandSend = "send"
	commandWebP = "webp"

	commandOptionEmoji = "emoji"
	commandOptionSize  = "size"
	commandOptionImage = "webp_image"

	webpExtension = ".webp"
)

// attachment is the part of a discord attachment needed to convert it
type attachment struct {
	URL      string
	Filename string
	Size     int64
}

func attachmentFromDiscord(a *discordgo.MessageAttachment) attachment {
	return attachment{URL: a.URL, Filename: a.Filename, Size: int64(a.Size)}
}

func (a attachment) isWebP() bool {
	if strings.HasSuffix(strings.ToLower(a.Filename), webpExtension) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(path.Base(urlPath(a.URL))), webpExtension)
}

// convertWebPAttachment transcodes a WebP attachment, checking it against
// the input limit beforehand, and the guild's upload limit afterward.
func (s *Scene) convertWebPAttachment(
	ctx context.Context,
	a attachment,
	guildID string,
	forAutosend bool,
) (ImageAsset, error) {
	if !a.isWebP() {
		return ImageAsset{}, ErrNotWebP
	}
	if a.Size > s.config.Images.MaxInputBytes {
		return ImageAsset{}, fmt.Errorf(
			"%w: attachment is %d bytes (limit: %d)",
			ErrInputTooLarge,
			a.Size,
			s.config.Images.MaxInputBytes,
		)
	}

	asset, err := s.transcoder.Transcode(ctx, a.URL, forAutosend)
	if err != nil {
		return ImageAsset{}, err
	}

	tier := discordgo.PremiumTierNone
	if guildID != "" {
		tier = s.discord.premiumTier(guildID)
	}
	if limit := s.config.Images.OutputLimit(tier); int64(asset.Len()) > limit {
		return ImageAsset{}, fmt.Errorf(
			"%w: %d bytes (limit: %d)",
			ErrOutputTooLarge,
			asset.Len(),
			limit,
		)
	}
	return asset, nil
}

func assetFile(asset ImageAsset) *discordgo.File {
	return &discordgo.File{
		Name:        asset.Filename(),
		ContentType: asset.Format().ContentType(),
		Reader:      asset.Reader(),
	}
}

// repost sends asset to the message's channel in place of the message,
// then deletes the original
func (s *Scene) repost(
	ctx context.Context,
	m *discordgo.Message,
	asset ImageAsset,
) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = s.logger
	}
	_, err := s.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content: repostContent(m),
			Files:   []*discordgo.File{assetFile(asset)},
		},
	)
	if err != nil {
		return fmt.Errorf("error sending image: %w", err)
	}
	if err = s.discord.session.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
		logger.WarnContext(ctx, "error deleting original message", tint.Err(err))
	}
	return nil
}

func (s *Scene) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID == "" {
		return
	}
	logger := s.logger.With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	guildID, err := parseSnowflake(m.GuildID)
	if err != nil {
		logger.WarnContext(ctx, "invalid guild id", tint.Err(err))
		return
	}
	handle, ok := s.guilds.Get(guildID)
	if !ok {
		logger.DebugContext(ctx, "guild not loaded, ignoring message")
		return
	}
	policy := handle.Snapshot()

	switch {
	case len(m.Attachments) == 1 && m.Content == "":
		if policy.AutoWebPTransferEnabled {
			s.autoTransferWebP(ctx, m.Message)
		}
	case policy.AutoResizeEnabled:
		s.autoResize(ctx, m.Message, policy)
	}
}

// autoResize replaces a message consisting of one emoji with the
// resized emoji, or a message of two static emoji with both side by side
func (s *Scene) autoResize(ctx context.Context, m *discordgo.Message, policy GuildPolicy) {
	logger, _ := ContextLogger(ctx)
	mc := MessageContextFromDiscord(m)
	base := s.config.Images.CDNBaseURL

	if emoji, err := ParseEmojiReference(m.Content, mc); err == nil {
		tier := policy.DefaultSizeTier
		if !emoji.IsStatic() {
			tier = SizeTierAuto
		}
		asset, resizeErr := s.resizer.Resize(ctx, emoji.URL(base), tier)
		if resizeErr != nil {
			logger.WarnContext(ctx, "error resizing emoji", tint.Err(resizeErr), "emoji", emoji)
			return
		}
		if err = s.repost(ctx, m, asset); err != nil {
			logger.ErrorContext(ctx, "error reposting emoji", tint.Err(err))
		}
		return
	}

	first, second, err := ParseDoubleEmojiReference(m.Content, mc)
	if err != nil || !first.IsStatic() {
		return
	}
	asset, err := s.compositor.Compose(
		ctx,
		first.URLWithSize(base, compositeInputSize),
		second.URLWithSize(base, compositeInputSize),
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"error compositing emoji",
			tint.Err(err),
			"first", first,
			"second", second,
		)
		return
	}
	if err = s.repost(ctx, m, asset); err != nil {
		logger.ErrorContext(ctx, "error reposting double emoji", tint.Err(err))
	}
}

// autoTransferWebP replaces a message with a single animated WebP
// attachment with a GIF
func (s *Scene) autoTransferWebP(ctx context.Context, m *discordgo.Message) {
	logger, _ := ContextLogger(ctx)
	asset, err := s.convertWebPAttachment(
		ctx,
		attachmentFromDiscord(m.Attachments[0]),
		m.GuildID,
		true,
	)
	switch {
	case errors.Is(err, ErrNotWebP), errors.Is(err, ErrTranscodeNotNeeded):
		return
	case err != nil:
		logger.WarnContext(ctx, "error converting webp attachment", tint.Err(err))
		_, _ = s.discord.session.ChannelMessageSendReply(
			m.ChannelID,
			StatusMessage(err),
			m.Reference(),
		)
		return
	}
	if err = s.repost(ctx, m, asset); err != nil {
		logger.ErrorContext(ctx, "error reposting converted webp", tint.Err(err))
	}
}

func (s *Scene) handleReady(ctx context.Context, r *discordgo.Ready) {
	guildIDs := make([]uint64, 0, len(r.Guilds))
	for _, g := range r.Guilds {
		id, err := parseSnowflake(g.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "invalid guild id in ready event", tint.Err(err))
			continue
		}
		guildIDs = append(guildIDs, id)
	}
	s.logger.InfoContext(ctx, "loading guild configurations", "guilds", len(guildIDs))
	s.guilds.BootLoad(ctx, guildIDs)
	s.updatePresence(ctx)
}

func (s *Scene) handleGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	if g == nil || g.Guild == nil {
		return
	}
	logger := s.logger.With("guild_id", g.ID)
	guildID, err := parseSnowflake(g.ID)
	if err != nil {
		logger.WarnContext(ctx, "invalid guild id", tint.Err(err))
		return
	}
	s.discord.setPremiumTier(g.ID, g.PremiumTier)
	if _, err = s.guilds.Load(ctx, guildID); err != nil {
		logger.ErrorContext(ctx, "error loading guild configuration", tint.Err(err))
		return
	}
	s.updatePresence(ctx)
}

func (s *Scene) handleGuildDelete(ctx context.Context, g *discordgo.GuildDelete) {
	if g == nil || g.Guild == nil {
		return
	}
	logger := s.logger.With("guild_id", g.ID, "unavailable", g.Unavailable)
	// the policy is dropped for outages too, and a default is created
	// if the guild comes back
	if g.Unavailable {
		logger.WarnContext(ctx, "guild unavailable, removing configuration")
	}
	guildID, err := parseSnowflake(g.ID)
	if err != nil {
		logger.WarnContext(ctx, "invalid guild id", tint.Err(err))
		return
	}
	s.discord.forgetGuild(g.ID)
	if err = s.guilds.Destroy(ctx, guildID); err != nil && !errors.Is(err, ErrGuildPolicyNotFound) {
		logger.ErrorContext(ctx, "error removing guild configuration", tint.Err(err))
	}
	s.updatePresence(ctx)
}

// updatePresence sets the bot's custom status to reflect the number of
// guilds it's in
func (s *Scene) updatePresence(ctx context.Context) {
	format := s.config.Discord.CustomStatusFormat
	if format == "" {
		return
	}
	status := fmt.Sprintf(format, s.guilds.Len())
	if err := s.discord.updateCustomStatus(status); err != nil {
		s.logger.WarnContext(ctx, "error updating custom status", tint.Err(err))
	}
}

func (s *Scene) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	logger := s.logger.With(slog.Group("interaction", interactionLogAttrs(i)...))
	ctx = WithLogger(ctx, logger)

	var handler func(context.Context, *discordgo.InteractionCreate) (ImageAsset, error)
	switch name := i.ApplicationCommandData().Name; name {
	case commandSend:
		handler = s.sendCommand
	case commandWebP:
		handler = s.webpCommand
	default:
		logger.WarnContext(ctx, "unknown command", "command", name)
		return
	}

	err := s.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error deferring interaction response", tint.Err(err))
		return
	}

	asset, err := handler(ctx, i)
	edit := &discordgo.WebhookEdit{}
	if err != nil {
		logger.WarnContext(ctx, "command failed", tint.Err(err))
		msg := StatusMessage(err)
		edit.Content = &msg
	} else {
		edit.Files = []*discordgo.File{assetFile(asset)}
	}
	if _, err = s.discord.session.InteractionResponseEdit(i.Interaction, edit); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

// sendCommand resizes the given emoji to the selected size, or the
// guild's default size if none was given
func (s *Scene) sendCommand(ctx context.Context, i *discordgo.InteractionCreate) (
	ImageAsset,
	error,
) {
	options := discordInteractionOptions(i)
	emojiOption, ok := options[commandOptionEmoji]
	if !ok {
		return ImageAsset{}, ErrNotAnEmojiReference
	}
	emoji, err := ParseEmojiReference(
		strings.TrimSpace(emojiOption.StringValue()),
		MessageContext{},
	)
	if err != nil {
		return ImageAsset{}, err
	}

	tier := SizeTierAuto
	if sizeOption, ok := options[commandOptionSize]; ok {
		tier = SizeTierFromIndex(sizeOption.IntValue())
	} else if guildID, e := parseSnowflake(i.GuildID); e == nil {
		if policy, e := s.guilds.Snapshot(guildID); e == nil {
			tier = policy.DefaultSizeTier
		}
	}
	if !emoji.IsStatic() {
		tier = SizeTierAuto
	}
	return s.resizer.Resize(ctx, emoji.URL(s.config.Images.CDNBaseURL), tier)
}

// webpCommand converts the attached WebP image to a GIF, or a PNG if
// it isn't animated
func (s *Scene) webpCommand(ctx context.Context, i *discordgo.InteractionCreate) (
	ImageAsset,
	error,
) {
	data := i.ApplicationCommandData()
	fileOption, ok := discordInteractionOptions(i)[commandOptionImage]
	if !ok || data.Resolved == nil {
		return ImageAsset{}, ErrNotWebP
	}
	attachmentID, _ := fileOption.Value.(string)
	a, ok := data.Resolved.Attachments[attachmentID]
	if !ok || a == nil {
		return ImageAsset{}, ErrNotWebP
	}
	return s.convertWebPAttachment(ctx, attachmentFromDiscord(a), i.GuildID, false)
}
