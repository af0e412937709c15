package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// Importer writes parsed challenge definitions to the database.
type Importer struct {
	challenges *store.ChallengeRepo
	log        *logging.Logger
}

// NewImporter creates an Importer.
func NewImporter(challenges *store.ChallengeRepo, log *logging.Logger) *Importer {
	return &Importer{challenges: challenges, log: log}
}

// ImportYAML parses and upserts a catalog document, returning the number of
// challenges applied. Nothing is written when the document fails validation.
func (im *Importer) ImportYAML(ctx context.Context, data []byte) (int, error) {
	specs, err := Parse(data)
	if err != nil {
		return 0, err
	}
	for i, sp := range specs {
		if err := im.challenges.Upsert(ctx, sp.Model()); err != nil {
			return i, fmt.Errorf("challenge id %d: %w", sp.ID, err)
		}
	}
	im.log.Info("challenge catalog imported", "challenges", len(specs))
	return len(specs), nil
}

// ImportFile imports a catalog file from disk. Used at bootstrap and by the
// watcher.
func (im *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog: %w", err)
	}
	n, err := im.ImportYAML(ctx, data)
	if err != nil {
		return n, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}
