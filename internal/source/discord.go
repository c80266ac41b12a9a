package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"signalrelay/internal/message"
)

const maxDiscordPage = 100

// discordAPI is the subset of *discordgo.Session used by the source.
type discordAPI interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
}

// DiscordOptions parameterise the Discord REST source.
type DiscordOptions struct {
	Token           string
	ChannelID       string
	Limit           int
	TimestampLayout string
	Location        *time.Location
	RequestTimeout  time.Duration
	ServerLabel     string
	ChannelLabel    string
}

// Discord polls a channel through the Discord REST API.
type Discord struct {
	opts   DiscordOptions
	api    discordAPI
	now    func() time.Time
	logger zerolog.Logger
}

// NewDiscord opens a bot session for the configured channel.
func NewDiscord(opts DiscordOptions, logger zerolog.Logger) (*Discord, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("%w: discord token not configured", ErrUnavailable)
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("%w: discord channel id not configured", ErrUnavailable)
	}

	session, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	if opts.RequestTimeout > 0 {
		session.Client = &http.Client{Timeout: opts.RequestTimeout}
	}

	return newDiscordWithAPI(opts, session, logger), nil
}

func newDiscordWithAPI(opts DiscordOptions, api discordAPI, logger zerolog.Logger) *Discord {
	if opts.Limit <= 0 || opts.Limit > maxDiscordPage {
		opts.Limit = maxDiscordPage
	}
	if opts.TimestampLayout == "" {
		opts.TimestampLayout = time.RFC3339
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Discord{
		opts:   opts,
		api:    api,
		now:    time.Now,
		logger: logger.With().Str("component", "source_discord").Str("channel_id", opts.ChannelID).Logger(),
	}
}

// Poll fetches the newest page of channel messages, oldest first.
func (d *Discord) Poll(ctx context.Context) ([]message.RawMessage, error) {
	msgs, err := d.api.ChannelMessages(d.opts.ChannelID, d.opts.Limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyDiscordError("fetch channel messages", err)
	}

	observed := d.now().UTC()
	out := make([]message.RawMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] == nil {
			continue
		}
		out = append(out, d.toRaw(msgs[i], observed))
	}
	d.logger.Debug().Int("messages", len(out)).Msg("polled channel")
	return out, nil
}

// CurrentLocation resolves the guild and channel names, preferring configured labels.
func (d *Discord) CurrentLocation(ctx context.Context) (Location, error) {
	loc := Location{Server: d.opts.ServerLabel, Channel: d.opts.ChannelLabel}
	if loc.Server != "" && loc.Channel != "" {
		return loc, nil
	}

	ch, err := d.api.Channel(d.opts.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return loc, classifyDiscordError("resolve channel", err)
	}
	if loc.Channel == "" {
		loc.Channel = ch.Name
	}
	if loc.Server == "" && ch.GuildID != "" {
		guild, err := d.api.Guild(ch.GuildID, discordgo.WithContext(ctx))
		if err != nil {
			d.logger.Warn().Err(err).Msg("could not resolve guild name")
			loc.Server = ch.GuildID
		} else {
			loc.Server = guild.Name
		}
	}
	return loc, nil
}

func (d *Discord) toRaw(m *discordgo.Message, observed time.Time) message.RawMessage {
	raw := message.RawMessage{
		ID:         m.ID,
		Content:    m.Content,
		ObservedAt: observed,
	}
	if !m.Timestamp.IsZero() {
		raw.Timestamp = m.Timestamp.In(d.opts.Location).Format(d.opts.TimestampLayout)
	}
	if m.Author != nil {
		raw.Author = m.Author.GlobalName
		if raw.Author == "" {
			raw.Author = m.Author.Username
		}
	}
	for _, a := range m.Attachments {
		if a != nil {
			raw.Attachments = append(raw.Attachments, message.Attachment{URL: a.URL, Name: a.Filename})
		}
	}
	for _, e := range m.Embeds {
		if e != nil {
			raw.Embeds = append(raw.Embeds, message.Embed{Title: e.Title, Description: e.Description, URL: e.URL})
		}
	}
	return raw
}

func classifyDiscordError(op string, err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Source = (*Discord)(nil)
