package huntbot

import (
	"testing"
	"time"

	"otwatch/internal/components/chrono"
	"otwatch/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

var claimedAt = time.Date(2025, 3, 14, 21, 0, 0, 0, time.UTC)

func newCommands() Commands {
	return NewCommands(NewClaims(DefaultSpots), func() time.Time { return claimedAt })
}

func TestClaimAndUnclaim(t *testing.T) {
	c := newCommands()

	res := c.Handle(Message{AuthorID: "u1", AuthorName: "Eldin", Content: "!resp 1X"})
	require.Equal(t, "You claimed Jaded Roots!", res.Reply)
	require.NotNil(t, res.Announcement)
	require.Equal(t, "Eldin", res.Announcement.Claimer)
	require.Equal(t, claimedAt, res.Announcement.At)

	res = c.Handle(Message{AuthorID: "u2", AuthorName: "Mia", Content: "!resp 1x"})
	require.Equal(t, "Jaded Roots is already claimed by Eldin", res.Reply)
	require.Nil(t, res.Announcement)

	res = c.Handle(Message{AuthorID: "u2", AuthorName: "Mia", Content: "!unclaim 1x"})
	require.Equal(t, "You can only unclaim spots you claimed yourself!", res.Reply)

	res = c.Handle(Message{AuthorID: "u1", Content: "!unclaim 1x"})
	require.Equal(t, "Jaded Roots has been unclaimed.", res.Reply)

	res = c.Handle(Message{AuthorID: "u1", Content: "!unclaim 1x"})
	require.Equal(t, "Jaded Roots is not currently claimed.", res.Reply)
}

func TestModeratorUnclaims(t *testing.T) {
	c := newCommands()

	c.Handle(Message{AuthorID: "u1", AuthorName: "Eldin", Content: "!resp 2x"})
	res := c.Handle(Message{AuthorID: "mod", CanManage: true, Content: "!unclaim 2x"})
	require.Equal(t, "Ancient Sewers has been unclaimed.", res.Reply)
}

func TestClaimBySpotName(t *testing.T) {
	c := newCommands()

	res := c.Handle(Message{AuthorID: "u1", AuthorName: "Eldin", Content: "!resp jaded root"})
	require.Equal(t, "You claimed Jaded Roots!", res.Reply)

	res = c.Handle(Message{AuthorID: "u2", AuthorName: "Mia", Content: "!resp 2x now please"})
	require.Equal(t, "You claimed Ancient Sewers!", res.Reply)

	res = c.Handle(Message{AuthorID: "u2", Content: "!unclaim Ancient Sewers"})
	require.Equal(t, "Ancient Sewers has been unclaimed.", res.Reply)
}

func TestInvalidCodes(t *testing.T) {
	c := newCommands()

	res := c.Handle(Message{AuthorID: "u1", Content: "!resp 9x"})
	require.Equal(t, "Invalid hunt code! Available codes: 1x, 2x, 3x", res.Reply)

	res = c.Handle(Message{AuthorID: "u1", Content: "!unclaim nope"})
	require.Equal(t, "Invalid hunt code!", res.Reply)
}

func TestSpots(t *testing.T) {
	c := newCommands()
	c.Handle(Message{AuthorID: "u1", AuthorName: "Eldin", Content: "!resp 3x"})

	res := c.Handle(Message{Content: "!spots"})

	require.Equal(t, "Available hunt spots:\n"+
		"**1x** - Jaded Roots: ✅ Available\n"+
		"**2x** - Ancient Sewers: ✅ Available\n"+
		"**3x** - Deeper Banuta: ❌ Claimed by Eldin\n", res.Reply)
}

func TestIgnoresOtherMessages(t *testing.T) {
	c := newCommands()
	for _, content := range []string{"hello", "!respawn", "!spots please", ""} {
		require.True(t, c.Handle(Message{Content: content}).Empty(), content)
	}
}

func TestEmbed(t *testing.T) {
	bot := NewBot(NewClaims(DefaultSpots), chrono.Fixed{At: claimedAt}, telemetry.NewRecorder())

	embed := bot.Embed(Announcement{
		Spot:    Spot{Code: "1x", Name: "Jaded Roots"},
		Claimer: "Eldin",
		At:      claimedAt,
	})

	require.Equal(t, "🏹 Hunt Claimed!", embed.Title)
	require.Equal(t, claimColor, embed.Color)
	require.Len(t, embed.Fields, 3)
	require.Equal(t, "Jaded Roots", embed.Fields[0].Value)
	require.Equal(t, "Eldin", embed.Fields[1].Value)
	require.Equal(t, "14/03/2025 21:00:00", embed.Fields[2].Value)
}
