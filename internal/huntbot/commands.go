package huntbot

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is the part of a chat message the commands look at.
type Message struct {
	AuthorID   string
	AuthorName string
	// CanManage is set when the author may manage messages in the channel.
	CanManage bool
	Content   string
}

// Announcement is posted to the claims channel when a spot gets claimed.
type Announcement struct {
	Spot    Spot
	Claimer string
	At      time.Time
}

// Response is what the bot does in reaction to a message, a zero Response
// means the message was not a command.
type Response struct {
	Reply        string
	Announcement *Announcement
}

func (r Response) Empty() bool {
	return r.Reply == "" && r.Announcement == nil
}

// Commands interprets !resp, !unclaim and !spots against a claim table.
type Commands struct {
	claims *Claims
	now    func() time.Time
	format func(time.Time) string
}

func NewCommands(claims *Claims, now func() time.Time) Commands {
	return Commands{
		claims: claims,
		now:    now,
		format: func(t time.Time) string {
			return t.Format("02/01/2006 15:04:05")
		},
	}
}

func argument(content, command string) (string, bool) {
	if !strings.HasPrefix(content, command+" ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(content, command)), true
}

func (c Commands) Handle(msg Message) Response {
	content := strings.TrimSpace(msg.Content)

	if code, ok := argument(content, "!resp"); ok {
		return c.claim(msg, code)
	}
	if code, ok := argument(content, "!unclaim"); ok {
		return c.unclaim(msg, code)
	}
	if content == "!spots" {
		return c.spots()
	}
	return Response{}
}

func (c Commands) claim(msg Message, code string) Response {
	spot, claim, err := c.claims.Claim(code, Claim{
		Claimer: msg.AuthorName,
		UserID:  msg.AuthorID,
		At:      c.now(),
	})
	switch {
	case errors.Is(err, ErrUnknownSpot):
		return Response{Reply: "Invalid hunt code! Available codes: " + strings.Join(c.claims.Codes(), ", ")}
	case errors.Is(err, ErrAlreadyClaimed):
		return Response{Reply: fmt.Sprintf("%s is already claimed by %s", spot.Name, claim.Claimer)}
	case err != nil:
		return Response{Reply: err.Error()}
	}

	return Response{
		Reply: fmt.Sprintf("You claimed %s!", spot.Name),
		Announcement: &Announcement{
			Spot:    spot,
			Claimer: claim.Claimer,
			At:      claim.At,
		},
	}
}

func (c Commands) unclaim(msg Message, code string) Response {
	spot, err := c.claims.Unclaim(code, msg.AuthorID, msg.CanManage)
	switch {
	case errors.Is(err, ErrUnknownSpot):
		return Response{Reply: "Invalid hunt code!"}
	case errors.Is(err, ErrNotClaimed):
		return Response{Reply: fmt.Sprintf("%s is not currently claimed.", spot.Name)}
	case errors.Is(err, ErrNotOwner):
		return Response{Reply: "You can only unclaim spots you claimed yourself!"}
	case err != nil:
		return Response{Reply: err.Error()}
	}
	return Response{Reply: fmt.Sprintf("%s has been unclaimed.", spot.Name)}
}

func (c Commands) spots() Response {
	var out strings.Builder
	out.WriteString("Available hunt spots:\n")
	for _, status := range c.claims.List() {
		state := "✅ Available"
		if status.Claim != nil {
			state = "❌ Claimed by " + status.Claim.Claimer
		}
		fmt.Fprintf(&out, "**%s** - %s: %s\n", status.Code, status.Name, state)
	}
	return Response{Reply: out.String()}
}

// FormatTime renders a claim time the way announcements show it.
func (c Commands) FormatTime(t time.Time) string {
	return c.format(t)
}
