package snapshot

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"otwatch/internal/tracker"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrCorrupt is returned when a stored level map exists but cannot be used.
var ErrCorrupt = errors.New("corrupt level map")

// LevelBackend stores the level map.
type LevelBackend interface {
	// Load returns os.ErrNotExist (wrapped) when nothing was stored yet.
	Load(ctx context.Context) (tracker.LevelMap, error)
	Save(ctx context.Context, levels tracker.LevelMap) error
}

//go:embed levels.schema.json
var levelsSchemaSource string

var levelsSchema = jsonschema.MustCompileString("levels.schema.json", levelsSchemaSource)

// JSONLevels keeps the level map as a flat json object in a single file.
type JSONLevels struct {
	Path string
}

// DecodeLevels validates raw against the level map schema and decodes it.
func DecodeLevels(raw []byte) (tracker.LevelMap, error) {
	var document any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	err := decoder.Decode(&document)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	err = levelsSchema.Validate(document)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	levels := tracker.LevelMap{}
	err = json.Unmarshal(raw, &levels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return levels, nil
}

func (j JSONLevels) Load(context.Context) (tracker.LevelMap, error) {
	raw, err := os.ReadFile(j.Path)
	if err != nil {
		return nil, err
	}
	levels, err := DecodeLevels(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", j.Path, err)
	}
	return levels, nil
}

func (j JSONLevels) Save(_ context.Context, levels tracker.LevelMap) error {
	if levels == nil {
		levels = tracker.LevelMap{}
	}
	return writeJSON(j.Path, levels)
}
