// Package snapshot persists the level map between runs and writes the
// deaths, players and level-ups documents of every run.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"otwatch/internal/components/assert"
	"otwatch/internal/components/telemetry"
	"otwatch/internal/tracker"
)

const (
	report_store_load = "store.load-level-map"
	report_store_save = "store.save"
)

// Document is the shape of every output file.
type Document[T any] struct {
	LastUpdated string `json:"lastUpdated"`
	World       string `json:"world"`
	Scraper     string `json:"scraper"`
	RunID       string `json:"runId"`
	Data        []T    `json:"data"`
}

type Options struct {
	// Dir is where the three documents are written.
	Dir string
	// Prefix is prepended to the document names, "<prefix>_deaths.json".
	Prefix  string
	World   string
	Scraper string
}

// Store implements tracker.Store on top of a LevelBackend and json files.
type Store struct {
	options Options
	levels  LevelBackend
	tel     telemetry.API
}

func NewStore(options Options, levels LevelBackend, tel telemetry.API) Store {
	assert.NotNil(levels)
	assert.NotNil(tel)
	assert.NotEmptyStr(options.World)

	if options.Dir == "" {
		options.Dir = "."
	}

	return Store{
		options: options,
		levels:  levels,
		tel:     telemetry.NewScopedAPI("snapshot", tel),
	}
}

func (s Store) LoadLevelMap(ctx context.Context) tracker.LevelMap {
	levels, err := s.levels.Load(ctx)
	if errors.Is(err, os.ErrNotExist) {
		s.tel.ReportWarning(report_store_load, "no level map stored yet, starting empty")
		return tracker.LevelMap{}
	}
	if err != nil {
		s.tel.ReportWarning(report_store_load, err)
		return tracker.LevelMap{}
	}
	return levels
}

func (s Store) SaveLevelMap(ctx context.Context, levels tracker.LevelMap) error {
	err := s.levels.Save(ctx, levels)
	if err != nil {
		return fmt.Errorf("save level map: %w", err)
	}
	return nil
}

// DocumentPath returns where the document of the given kind ("deaths",
// "players", "levelups") is written.
func (s Store) DocumentPath(kind string) string {
	name := kind + ".json"
	if s.options.Prefix != "" {
		name = s.options.Prefix + "_" + name
	}
	return filepath.Join(s.options.Dir, name)
}

func newDocument[T any](s Store, snapshot tracker.Snapshot, data []T) Document[T] {
	if data == nil {
		data = []T{}
	}
	return Document[T]{
		LastUpdated: snapshot.CapturedAt.Format(time.RFC3339),
		World:       s.options.World,
		Scraper:     s.options.Scraper,
		RunID:       snapshot.RunID,
		Data:        data,
	}
}

// SaveResults writes the three documents. Each is written even if a
// previous one failed, the returned error joins every failure and wraps
// tracker.ErrNothingSaved when all of them failed.
func (s Store) SaveResults(_ context.Context, snapshot tracker.Snapshot) error {
	documents := []struct {
		kind  string
		value any
	}{
		{kind: "deaths", value: newDocument(s, snapshot, snapshot.Deaths)},
		{kind: "players", value: newDocument(s, snapshot, snapshot.Players)},
		{kind: "levelups", value: newDocument(s, snapshot, snapshot.LevelUps)},
	}

	var errs []error
	for _, doc := range documents {
		path := s.DocumentPath(doc.kind)
		err := writeJSON(path, doc.value)
		if err != nil {
			s.tel.ReportBroken(report_store_save, err, telemetry.KV{Key: "document", Value: doc.kind})
			errs = append(errs, fmt.Errorf("%s: %w", doc.kind, err))
			continue
		}
		s.tel.ReportDebug("wrote document", path)
	}
	if len(errs) == len(documents) {
		return fmt.Errorf("%w: %w", tracker.ErrNothingSaved, errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// writeJSON replaces path with the indented json encoding of value. The file
// is written next to path first and renamed over it, readers never see a
// partial document.
func writeJSON(path string, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(append(encoded, '\n'))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	err = os.Chmod(tmp.Name(), 0644)
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadDocument decodes a document previously written by SaveResults.
func ReadDocument[T any](path string) (Document[T], error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document[T]{}, err
	}
	var doc Document[T]
	err = json.Unmarshal(raw, &doc)
	if err != nil {
		return Document[T]{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}
