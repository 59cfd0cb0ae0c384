package huntbot

import (
	"context"
	"fmt"

	"otwatch/internal/components/assert"
	"otwatch/internal/components/chrono"
	"otwatch/internal/components/telemetry"

	"github.com/bwmarrin/discordgo"
)

const (
	report_bot_reply    = "bot.reply"
	report_bot_announce = "bot.announce"
	report_bot_perms    = "bot.permissions"
)

// ClaimsChannel is the name of the channel claims are announced in.
const ClaimsChannel = "hunt-claims"

const claimColor = 0x00ff00

type Bot struct {
	commands Commands
	tel      telemetry.API
	clock    chrono.API
}

func NewBot(claims *Claims, clock chrono.API, tel telemetry.API) Bot {
	assert.NotNil(claims)
	assert.NotNil(clock)
	assert.NotNil(tel)

	return Bot{
		commands: NewCommands(claims, clock.Now),
		tel:      telemetry.NewScopedAPI("huntbot", tel),
		clock:    clock,
	}
}

// Embed renders an announcement as a discord embed.
func (b Bot) Embed(a Announcement) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "🏹 Hunt Claimed!",
		Color: claimColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Spot", Value: a.Spot.Name, Inline: true},
			{Name: "Claimed by", Value: a.Claimer, Inline: true},
			{Name: "Time", Value: b.commands.FormatTime(a.At.In(b.clock.Location())), Inline: true},
		},
	}
}

// Run connects to discord and serves commands until ctx is done or the
// connection cannot be opened.
func (b Bot) Run(ctx context.Context, token string) error {
	assert.NotEmptyStr(token)

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.tel.ReportDebug("connected", telemetry.KV{Key: "user", Value: r.User.Username})
	})
	session.AddHandler(b.messageCreate)

	err = session.Open()
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer session.Close()

	<-ctx.Done()
	return nil
}

func displayName(user *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

func (b Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	msg := Message{
		AuthorID:   m.Author.ID,
		AuthorName: displayName(m.Author, m.Member),
		Content:    m.Content,
	}
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		b.tel.ReportWarning(report_bot_perms, err)
	} else {
		msg.CanManage = perms&discordgo.PermissionManageMessages != 0
	}

	res := b.commands.Handle(msg)
	if res.Empty() {
		return
	}

	reply := res.Reply
	if res.Announcement != nil {
		channelID, ok := b.claimsChannel(s, m.GuildID)
		if !ok {
			reply = "Could not find #" + ClaimsChannel + " channel!"
		} else {
			_, err := s.ChannelMessageSendEmbed(channelID, b.Embed(*res.Announcement))
			if err != nil {
				b.tel.ReportBroken(report_bot_announce, err)
			}
		}
	}

	_, err = s.ChannelMessageSendReply(m.ChannelID, reply, m.Reference())
	if err != nil {
		b.tel.ReportBroken(report_bot_reply, err)
	}
}

func (b Bot) claimsChannel(s *discordgo.Session, guildID string) (string, bool) {
	if guildID == "" {
		return "", false
	}
	channels, err := s.GuildChannels(guildID)
	if err != nil {
		b.tel.ReportWarning(report_bot_announce, err)
		return "", false
	}
	for _, channel := range channels {
		if channel.Name == ClaimsChannel {
			return channel.ID, true
		}
	}
	return "", false
}
