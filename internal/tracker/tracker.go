package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"otwatch/internal/components/assert"
	"otwatch/internal/components/chrono"
	"otwatch/internal/components/telemetry"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoPages is returned by Run when neither page could be fetched.
	ErrNoPages = errors.New("no pages could be fetched")
	// ErrNothingSaved is returned by Run when neither the level map nor any
	// snapshot document could be written.
	ErrNothingSaved = errors.New("no results could be saved")
)

const (
	report_tracker_deaths = "tracker.deaths"
	report_tracker_roster = "tracker.roster"
	report_tracker_form   = "tracker.deaths-form"
	report_tracker_rotate = "tracker.rotate"
	report_tracker_save   = "tracker.save"
	report_count_deaths   = "deaths"
	report_count_players  = "players"
	report_count_levelups = "levelups"
)

// Fetcher retrieves the raw markup of a page.
//
// note: fault injection point
type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// Rotator is called between the two page fetches, it is used to change the
// exit address of the proxy.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// Snapshot is everything a run persists besides the level map.
type Snapshot struct {
	RunID      string
	CapturedAt time.Time
	Deaths     []DeathRecord
	Players    []PlayerRecord
	LevelUps   []LevelUpEvent
}

// Store persists state between runs.
type Store interface {
	// LoadLevelMap never fails, an unreadable map loads as an empty one.
	LoadLevelMap(ctx context.Context) LevelMap
	SaveLevelMap(ctx context.Context, levels LevelMap) error
	// SaveResults wraps ErrNothingSaved when not a single document could be
	// written.
	SaveResults(ctx context.Context, snapshot Snapshot) error
}

// RandomAPI is the source of the jittered pauses.
//
// note: fault injection point
type RandomAPI interface {
	Int63n(n int64) int64
}

type globalRand struct{}

func (globalRand) Int63n(n int64) int64 {
	return rand.Int63n(n)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options describes the world being watched.
type Options struct {
	BaseURL string
	World   string
	// DeathsPath and RosterPath are resolved against BaseURL, "{world}" is
	// replaced by the url-escaped world name.
	DeathsPath string
	RosterPath string
	Layout     DeathLayout
	// SubmitWorldForm enables selecting the world through the form found on
	// the deaths page.
	SubmitWorldForm bool
	DelayMin        time.Duration
	DelayMax        time.Duration
}

// Tracker runs the fetch, parse, diff and persist cycle.
type Tracker struct {
	options Options
	fetcher Fetcher
	store   Store
	tel     telemetry.API
	clock   chrono.API
	tracer  trace.Tracer

	Rotator Rotator
	Random  RandomAPI
	Sleep   Sleeper
}

func NewTracker(options Options, fetcher Fetcher, store Store, tel telemetry.API, clock chrono.API) *Tracker {
	assert.NotNil(fetcher)
	assert.NotNil(store)
	assert.NotNil(tel)
	assert.NotNil(clock)
	assert.NotEmptyStr(options.BaseURL)
	assert.NonNegative(options.DelayMin)
	assert.NonNegative(options.DelayMax)

	if options.Layout == "" {
		options.Layout = LayoutAuto
	}

	return &Tracker{
		options: options,
		fetcher: fetcher,
		store:   store,
		tel:     tel,
		clock:   clock,
		tracer:  otel.Tracer("otwatch/internal/tracker"),
		Random:  globalRand{},
		Sleep:   sleepContext,
	}
}

// Result is the outcome of one run.
type Result struct {
	RunID         string
	Deaths        []DeathRecord
	Players       []PlayerRecord
	LevelUps      []LevelUpEvent
	Levels        LevelMap
	DeathsFetched bool
	RosterFetched bool
	// PersistErr holds every save failure, a run with a PersistErr still
	// succeeded as far as fetching is concerned.
	PersistErr error
}

// Jitter returns a duration drawn uniformly from [min, max].
func Jitter(random RandomAPI, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(random.Int63n(int64(max-min)+1))
}

func (t *Tracker) pause(ctx context.Context) error {
	if t.options.DelayMax <= 0 && t.options.DelayMin <= 0 {
		return nil
	}
	return t.Sleep(ctx, Jitter(t.Random, t.options.DelayMin, t.options.DelayMax))
}

func (t *Tracker) pageURL(path string) (string, error) {
	base, err := url.Parse(t.options.BaseURL)
	if err != nil {
		return "", err
	}
	path = strings.ReplaceAll(path, "{world}", url.QueryEscape(t.options.World))
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (t *Tracker) fetchDocument(ctx context.Context, req Request) (*goquery.Document, error) {
	body, err := t.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", req, err)
	}
	return doc, nil
}

// Deaths fetches the deaths page, selecting the world through its form when
// one is present, and parses it.
func (t *Tracker) Deaths(ctx context.Context) ([]DeathRecord, error) {
	ctx, span := t.tracer.Start(ctx, "deaths")
	defer span.End()

	pageURL, err := t.pageURL(t.options.DeathsPath)
	if err != nil {
		return nil, fmt.Errorf("deaths url: %w", err)
	}

	doc, err := t.fetchDocument(ctx, Request{URL: pageURL, Method: http.MethodGet})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if t.options.SubmitWorldForm {
		req, ok := WorldForm(doc, pageURL, t.options.World)
		if ok {
			t.tel.ReportDebug("submitting world form", req.String())
			err = t.pause(ctx)
			if err != nil {
				return nil, err
			}
			submitted, err := t.fetchDocument(ctx, req)
			if err != nil {
				// the unfiltered page still lists deaths of every world
				t.tel.ReportWarning(report_tracker_form, err)
			} else {
				doc = submitted
			}
		}
	}

	deaths := ParseDeaths(doc, t.clock.Now(), t.options.Layout)
	span.SetAttributes(attribute.Int("deaths", len(deaths)))
	if len(deaths) == 0 {
		t.tel.ReportWarning(report_tracker_deaths, "no death rows found")
	}
	return deaths, nil
}

// Roster fetches the online list of the world and parses it.
func (t *Tracker) Roster(ctx context.Context) ([]PlayerRecord, error) {
	ctx, span := t.tracer.Start(ctx, "roster")
	defer span.End()

	pageURL, err := t.pageURL(t.options.RosterPath)
	if err != nil {
		return nil, fmt.Errorf("roster url: %w", err)
	}

	doc, err := t.fetchDocument(ctx, Request{URL: pageURL, Method: http.MethodGet})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	table, ok := Locate(doc, TableRoster)
	if !ok {
		t.tel.ReportWarning(report_tracker_roster, "no roster table found")
		return nil, nil
	}
	players := ParseRoster(table, t.clock.Now())
	span.SetAttributes(attribute.Int("players", len(players)))
	return players, nil
}

// Run performs one full cycle. A page that cannot be fetched contributes no
// records. When both pages fail the level map is saved as loaded, the
// snapshot documents are left untouched and the error wraps ErrNoPages.
// Save failures only land in Result.PersistErr unless nothing at all was
// written, then the error wraps ErrNothingSaved.
func (t *Tracker) Run(ctx context.Context) (Result, error) {
	result := Result{RunID: uuid.NewString()}

	ctx, span := t.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("world", t.options.World),
		attribute.String("run_id", result.RunID),
	))
	defer span.End()

	levels := t.store.LoadLevelMap(ctx)
	t.tel.ReportDebug("loaded level map", telemetry.KV{Key: "players", Value: len(levels)})

	var fetchErrs []error

	err := t.pause(ctx)
	if err == nil {
		result.Deaths, err = t.Deaths(ctx)
	}
	if err != nil {
		t.tel.ReportBroken(report_tracker_deaths, err)
		fetchErrs = append(fetchErrs, fmt.Errorf("deaths: %w", err))
	} else {
		result.DeathsFetched = true
	}

	if t.Rotator != nil {
		err = t.Rotator.Rotate(ctx)
		if err != nil {
			t.tel.ReportWarning(report_tracker_rotate, err)
		}
	}

	err = t.pause(ctx)
	if err == nil {
		result.Players, err = t.Roster(ctx)
	}
	if err != nil {
		t.tel.ReportBroken(report_tracker_roster, err)
		fetchErrs = append(fetchErrs, fmt.Errorf("roster: %w", err))
	} else {
		result.RosterFetched = true
	}

	result.Levels, result.LevelUps = DiffRoster(levels, result.Players)

	t.tel.ReportCount(report_count_deaths, int64(len(result.Deaths)))
	t.tel.ReportCount(report_count_players, int64(len(result.Players)))
	t.tel.ReportCount(report_count_levelups, int64(len(result.LevelUps)))

	err = t.store.SaveLevelMap(ctx, result.Levels)
	if err != nil {
		t.tel.ReportBroken(report_tracker_save, err)
		result.PersistErr = fmt.Errorf("level map: %w", err)
	}

	if !result.DeathsFetched && !result.RosterFetched {
		err = fmt.Errorf("%w: %w", ErrNoPages, errors.Join(fetchErrs...))
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	err = t.store.SaveResults(ctx, Snapshot{
		RunID:      result.RunID,
		CapturedAt: t.clock.Now(),
		Deaths:     result.Deaths,
		Players:    result.Players,
		LevelUps:   result.LevelUps,
	})
	if err != nil {
		t.tel.ReportBroken(report_tracker_save, err)
		levelMapErr := result.PersistErr
		result.PersistErr = errors.Join(result.PersistErr, err)
		if levelMapErr != nil && errors.Is(err, ErrNothingSaved) {
			span.SetStatus(codes.Error, result.PersistErr.Error())
			return result, result.PersistErr
		}
	}

	return result, nil
}
