// Package huntbot is a discord bot that lets a guild claim hunting spots so
// two parties do not end up in the same one.
package huntbot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

var (
	ErrUnknownSpot    = errors.New("unknown hunt code")
	ErrAlreadyClaimed = errors.New("spot already claimed")
	ErrNotClaimed     = errors.New("spot not claimed")
	ErrNotOwner       = errors.New("spot claimed by someone else")
)

// DefaultSpots are the spots known when none are configured.
var DefaultSpots = map[string]string{
	"1x": "Jaded Roots",
	"2x": "Ancient Sewers",
	"3x": "Deeper Banuta",
}

type Spot struct {
	Code string
	Name string
}

type Claim struct {
	Claimer string
	UserID  string
	At      time.Time
}

// SpotStatus is a spot and its claim, if any.
type SpotStatus struct {
	Spot
	Claim *Claim
}

// Claims is the in-memory claim table, it is lost when the bot restarts.
type Claims struct {
	mutex  sync.Mutex
	spots  []Spot
	byCode map[string]Spot
	active map[string]Claim
}

func NewClaims(spots map[string]string) *Claims {
	c := &Claims{
		byCode: map[string]Spot{},
		active: map[string]Claim{},
	}
	for code, name := range spots {
		spot := Spot{Code: strings.ToLower(code), Name: name}
		c.spots = append(c.spots, spot)
		c.byCode[spot.Code] = spot
	}
	sort.Slice(c.spots, func(i, j int) bool {
		return c.spots[i].Code < c.spots[j].Code
	})
	return c
}

// Codes returns every known code in display order.
func (c *Claims) Codes() []string {
	codes := make([]string, len(c.spots))
	for i, spot := range c.spots {
		codes[i] = spot.Code
	}
	return codes
}

// nameSimilarity is the Jaro-Winkler score a spot name needs to be accepted
// in place of a code.
const nameSimilarity = 0.88

// lookup accepts a code, a text starting with a code or something close
// enough to a spot name.
func (c *Claims) lookup(input string) (Spot, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if spot, ok := c.byCode[key]; ok {
		return spot, nil
	}
	fields := strings.Fields(key)
	if len(fields) > 0 {
		if spot, ok := c.byCode[fields[0]]; ok {
			return spot, nil
		}
	}

	var best Spot
	var bestScore float64
	for _, spot := range c.spots {
		score := matchr.JaroWinkler(key, strings.ToLower(spot.Name), false)
		if score > bestScore {
			best, bestScore = spot, score
		}
	}
	if key != "" && bestScore >= nameSimilarity {
		return best, nil
	}
	return Spot{}, fmt.Errorf("%w: %q", ErrUnknownSpot, input)
}

// Claim gives the spot to claimer. Claiming a spot that is taken fails with
// ErrAlreadyClaimed and returns the existing claim.
func (c *Claims) Claim(code string, claim Claim) (Spot, Claim, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	spot, err := c.lookup(code)
	if err != nil {
		return Spot{}, Claim{}, err
	}
	existing, taken := c.active[spot.Code]
	if taken {
		return spot, existing, ErrAlreadyClaimed
	}
	c.active[spot.Code] = claim
	return spot, claim, nil
}

// Unclaim frees a spot. Only the user that claimed it can free it unless
// canManage is set.
func (c *Claims) Unclaim(code, userID string, canManage bool) (Spot, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	spot, err := c.lookup(code)
	if err != nil {
		return Spot{}, err
	}
	existing, taken := c.active[spot.Code]
	if !taken {
		return spot, ErrNotClaimed
	}
	if existing.UserID != userID && !canManage {
		return spot, ErrNotOwner
	}
	delete(c.active, spot.Code)
	return spot, nil
}

func (c *Claims) List() []SpotStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make([]SpotStatus, len(c.spots))
	for i, spot := range c.spots {
		out[i] = SpotStatus{Spot: spot}
		claim, ok := c.active[spot.Code]
		if ok {
			out[i].Claim = &claim
		}
	}
	return out
}
