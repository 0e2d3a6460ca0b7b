package scene

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockNotFound = errors.New("404 Not Found")

type sentFile struct {
	Name        string
	ContentType string
	Data        []byte
}

type sentMessage struct {
	ChannelID string
	Content   string
	Files     []sentFile
	Reference *discordgo.MessageReference
}

type deletedMessage struct {
	ChannelID string
	MessageID string
}

// mockDiscordSession implements DiscordSessionHandler, recording
// everything sent to it
type mockDiscordSession struct {
	logger *slog.Logger

	mu        sync.Mutex
	handlers  []any
	identify  discordgo.Identify
	opened    bool
	closed    bool
	sent      []sentMessage
	replies   []sentMessage
	deleted   []deletedMessage
	responses []*discordgo.InteractionResponse
	edits     []sentMessage
	statuses  []string
	guilds    map[string]*discordgo.Guild

	// sendErr is returned by ChannelMessageSendComplex, if set
	sendErr error
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	t.Helper()
	return &mockDiscordSession{
		logger: slog.New(
			tint.NewHandler(
				testLogWriter{t}, &tint.Options{
					Level:     slog.LevelDebug,
					AddSource: true,
					NoColor:   true,
				},
			),
		).With(loggerNameKey, "discord_session_handler"),
		guilds: map[string]*discordgo.Guild{},
	}
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) AddHandler(handler any) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := len(d.handlers)
	d.handlers = append(d.handlers, handler)
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.handlers[idx] = nil
	}
}

// dispatch calls every registered handler for the event's type, the
// way discordgo does when an event is received
func (d *mockDiscordSession) dispatch(event any) {
	d.mu.Lock()
	handlers := append([]any(nil), d.handlers...)
	d.mu.Unlock()

	for _, h := range handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.Connect):
			if e, ok := event.(*discordgo.Connect); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Disconnect):
			if e, ok := event.(*discordgo.Disconnect); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Ready):
			if e, ok := event.(*discordgo.Ready); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.GuildCreate):
			if e, ok := event.(*discordgo.GuildCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.GuildDelete):
			if e, ok := event.(*discordgo.GuildDelete); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if e, ok := event.(*discordgo.MessageCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.InteractionCreate):
			if e, ok := event.(*discordgo.InteractionCreate); ok {
				fn(nil, e)
			}
		}
	}
}

func (d *mockDiscordSession) handlerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, h := range d.handlers {
		if h != nil {
			n++
		}
	}
	return n
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	msg := sentMessage{ChannelID: channelID, Content: data.Content, Reference: data.Reference}
	for _, f := range data.Files {
		b, err := io.ReadAll(f.Reader)
		if err != nil {
			return nil, err
		}
		msg.Files = append(msg.Files, sentFile{Name: f.Name, ContentType: f.ContentType, Data: b})
	}
	d.sent = append(d.sent, msg)
	d.logger.Info("sent message", "channel_id", channelID, "files", len(msg.Files))
	return &discordgo.Message{ID: "999", ChannelID: channelID, Content: data.Content}, nil
}

func (d *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(
		d.replies,
		sentMessage{ChannelID: channelID, Content: content, Reference: reference},
	)
	return &discordgo.Message{ID: "998", ChannelID: channelID, Content: content}, nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, deletedMessage{ChannelID: channelID, MessageID: messageID})
	return nil
}

func (d *mockDiscordSession) Guild(guildID string, _ ...discordgo.RequestOption) (
	*discordgo.Guild,
	error,
) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.guilds[guildID]
	if !ok {
		return nil, errMockNotFound
	}
	return g, nil
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg := sentMessage{ChannelID: interaction.ChannelID}
	if newresp.Content != nil {
		msg.Content = *newresp.Content
	}
	for _, f := range newresp.Files {
		b, err := io.ReadAll(f.Reader)
		if err != nil {
			return nil, err
		}
		msg.Files = append(msg.Files, sentFile{Name: f.Name, ContentType: f.ContentType, Data: b})
	}
	d.edits = append(d.edits, msg)
	return &discordgo.Message{ID: "997", ChannelID: interaction.ChannelID}, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, status)
	return nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identify = i
}

func (d *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (d *mockDiscordSession) sentMessages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

func (d *mockDiscordSession) sentReplies() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.replies...)
}

func (d *mockDiscordSession) deletedMessages() []deletedMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]deletedMessage(nil), d.deleted...)
}

func (d *mockDiscordSession) interactionEdits() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.edits...)
}

func (d *mockDiscordSession) customStatuses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.statuses...)
}

func TestDiscordPremiumTier(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession(t)
	session.guilds["2"] = &discordgo.Guild{ID: "2", PremiumTier: discordgo.PremiumTier3}

	d := newDiscord(&DiscordConfig{}, nil)
	d.session = session

	d.setPremiumTier("1", discordgo.PremiumTier2)
	assert.Equal(t, discordgo.PremiumTier2, d.premiumTier("1"))

	// looked up, then cached
	assert.Equal(t, discordgo.PremiumTier3, d.premiumTier("2"))
	delete(session.guilds, "2")
	assert.Equal(t, discordgo.PremiumTier3, d.premiumTier("2"))

	d.forgetGuild("2")
	assert.Equal(t, discordgo.PremiumTierNone, d.premiumTier("2"))
	assert.Equal(t, discordgo.PremiumTierNone, d.premiumTier("3"))
}

func TestDiscordConnectionState(t *testing.T) {
	t.Parallel()
	d := newDiscord(&DiscordConfig{}, nil)

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	d.handlerConnect()(nil, &discordgo.Connect{})

	assert.Equal(t, int64(2), d.metricConnects.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestDiscordNewSession(t *testing.T) {
	t.Parallel()
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelDebug)
	d := newDiscord(&DiscordConfig{Token: "abc123", DiscordGoLogLevel: lvl}, nil)

	client := &http.Client{}
	handler, err := d.newSession(client)
	require.NoError(t, err)

	session, ok := handler.(DiscordSession)
	require.True(t, ok)
	assert.Equal(t, "Bot abc123", session.session.Token)
	assert.Same(t, client, session.session.Client)
	assert.Equal(t, discordgo.LogDebug, session.session.LogLevel)
	assert.False(t, session.session.StateEnabled)

	session.SetIdentify(discordgo.Identify{Intents: DefaultDiscordGatewayIntent})
	assert.Equal(t, DefaultDiscordGatewayIntent, session.session.Identify.Intents)
}

func TestDiscordgoLogLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, discordgo.LogDebug, discordgoLogLevel(slog.LevelDebug))
	assert.Equal(t, discordgo.LogInformational, discordgoLogLevel(slog.LevelInfo))
	assert.Equal(t, discordgo.LogWarning, discordgoLogLevel(slog.LevelWarn))
	assert.Equal(t, discordgo.LogError, discordgoLogLevel(slog.LevelError))
}
