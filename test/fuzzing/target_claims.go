package fuzzing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"otwatch/internal/components/telemetry"
	"otwatch/internal/huntbot"
	testutil "otwatch/test/util"
)

// steps:
// - Claim(code, user): code is known (90%) or made up (10%)
// - Unclaim(code, user, moderator): user is the claimer (50%) or someone
//   else, moderators are 20% of the users
// - List

// properties of the system:
// - a spot is held by at most one claim, the first one
// - only the claimer or a moderator can free a spot
// - the !spots listing always shows every spot with its current holder

type claimsTarget struct {
	tel      telemetry.API
	rndm     *rand.Rand
	timeshim *timeShim
	commands huntbot.Commands
	claims   *huntbot.Claims
	codes    []string

	// holders maps a code to the user holding it.
	holders map[string]string

	codeAction func(*rand.Rand) int
	userAction func(*rand.Rand) int
}

type ClaimsProvider struct{}

func (ClaimsProvider) CreateTarget(tel telemetry.API, rndm *rand.Rand) (Target, error) {
	claims := huntbot.NewClaims(huntbot.DefaultSpots)
	timeshim := newTimeShim(rndm)
	return &claimsTarget{
		tel:      tel,
		rndm:     rndm,
		timeshim: timeshim,
		commands: huntbot.NewCommands(claims, timeshim.Now),
		claims:   claims,
		codes:    claims.Codes(),
		holders:  map[string]string{},
		// 0: known code
		// 1: unknown code
		codeAction: testutil.RandomSwitch(9, 1),
		// 0: a random user
		// 1: the holder of the spot
		userAction: testutil.RandomSwitch(1, 1),
	}, nil
}

func (t *claimsTarget) randomCode() (string, bool) {
	if t.codeAction(t.rndm) == 0 {
		return t.codes[t.rndm.Intn(len(t.codes))], true
	}
	return testutil.RandomString(t.rndm, 2), false
}

func (t *claimsTarget) randomUser() string {
	return fmt.Sprintf("user-%d", t.rndm.Intn(6))
}

func (t *claimsTarget) StepClaim(ctx context.Context, res *Results) error {
	code, known := t.randomCode()
	user := t.randomUser()

	t.tel.ReportDebug("+ claim", code, user)
	_, claim, err := t.claims.Claim(code, huntbot.Claim{Claimer: user, UserID: user, At: t.timeshim.Now()})

	holder, held := t.holders[code]
	switch {
	case !known:
		if !errors.Is(err, huntbot.ErrUnknownSpot) {
			res.Fail(fmt.Errorf("claim.unknown: claiming %q returned %v", code, err))
		}
	case held:
		if !errors.Is(err, huntbot.ErrAlreadyClaimed) || claim.UserID != holder {
			res.Fail(fmt.Errorf("claim.exclusive: %s claimed %q held by %s, got %v", user, code, holder, err))
		}
	default:
		if err != nil {
			res.Fail(fmt.Errorf("claim.free: claiming free %q failed: %w", code, err))
			return nil
		}
		t.holders[code] = user
	}
	return nil
}

func (t *claimsTarget) StepUnclaim(ctx context.Context, res *Results) error {
	code, known := t.randomCode()
	user := t.randomUser()
	holder, held := t.holders[code]
	if held && t.userAction(t.rndm) == 1 {
		user = holder
	}
	moderator := t.rndm.Intn(5) == 0

	t.tel.ReportDebug("- claim", code, user, moderator)
	_, err := t.claims.Unclaim(code, user, moderator)

	switch {
	case !known:
		if !errors.Is(err, huntbot.ErrUnknownSpot) {
			res.Fail(fmt.Errorf("unclaim.unknown: unclaiming %q returned %v", code, err))
		}
	case !held:
		if !errors.Is(err, huntbot.ErrNotClaimed) {
			res.Fail(fmt.Errorf("unclaim.free: unclaiming free %q returned %v", code, err))
		}
	case holder != user && !moderator:
		if !errors.Is(err, huntbot.ErrNotOwner) {
			res.Fail(fmt.Errorf("unclaim.owner: %s freed %q held by %s, got %v", user, code, holder, err))
		}
	default:
		if err != nil {
			res.Fail(fmt.Errorf("unclaim.allowed: %s could not free %q: %w", user, code, err))
			return nil
		}
		delete(t.holders, code)
	}
	return nil
}

func (t *claimsTarget) StepList(ctx context.Context, res *Results) error {
	statuses := t.claims.List()
	if len(statuses) != len(t.codes) {
		res.Fail(fmt.Errorf("list.complete: listed %d spots, expected %d", len(statuses), len(t.codes)))
	}
	for _, status := range statuses {
		holder, held := t.holders[status.Code]
		switch {
		case held && (status.Claim == nil || status.Claim.UserID != holder):
			res.Fail(fmt.Errorf("list.holder: %q should be held by %s", status.Code, holder))
		case !held && status.Claim != nil:
			res.Fail(fmt.Errorf("list.holder: %q should be free, held by %s", status.Code, status.Claim.UserID))
		}
	}

	reply := t.commands.Handle(huntbot.Message{Content: "!spots"})
	if reply.Reply == "" {
		res.Fail(errors.New("list.command: !spots did not reply"))
	}
	return nil
}

func (t *claimsTarget) StepAddTime(ctx context.Context, res *Results) error {
	t.timeshim.advance()
	return nil
}
