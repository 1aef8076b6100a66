package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"registrar/internal/attendance"
	"registrar/internal/config"
	"registrar/internal/logger"
	"registrar/internal/store"
)

// Migrate imports the per-organization JSON files of the file-based store
// into the database. Each file is named <org id>.json.
func main() {
	dir := flag.String("dir", "data", "directory holding <org>.json files")
	dryRun := flag.Bool("dry-run", false, "parse files without writing")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	ctx := context.Background()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("db migrate failed")
	}

	imp := importer{
		store:  attendance.NewRepository(db.Client, db.Dialect),
		offset: cfg.DefaultUTCOffset,
		dryRun: *dryRun,
		log:    log,
	}
	n, err := imp.importDir(ctx, *dir)
	if err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Int("organizations", n).Bool("dry_run", *dryRun).Msg("Migration complete")
}

type legacyStore interface {
	PutConfig(ctx context.Context, cfg attendance.OrgConfig) error
	ReplaceRecords(ctx context.Context, orgID string, recs map[string]attendance.Record) error
}

type importer struct {
	store  legacyStore
	offset int
	dryRun bool
	log    zerolog.Logger
}

// importDir imports every *.json file in dir and returns how many succeeded.
// A missing directory imports nothing. Unreadable files are logged and skipped.
func (i importer) importDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		i.log.Warn().Str("dir", dir).Msg("No data directory found, nothing to migrate")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	i.log.Info().Int("files", len(files)).Msg("Found organization data files")

	imported := 0
	for _, name := range files {
		orgID := strings.TrimSuffix(name, ".json")
		if orgID == "" {
			continue
		}
		if err := i.importFile(ctx, orgID, filepath.Join(dir, name)); err != nil {
			if ctx.Err() != nil {
				return imported, ctx.Err()
			}
			i.log.Error().Err(err).Str("org", orgID).Msg("skipping file")
			continue
		}
		imported++
	}
	return imported, nil
}

func (i importer) importFile(ctx context.Context, orgID, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc attendance.LegacyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	cfg := doc.Config(orgID, i.offset)
	recs := doc.NormalizedRecords(cfg.Location())
	i.log.Info().Str("org", orgID).Int("records", len(recs)).Str("mode", string(cfg.Mode)).Msg("Migrating organization")
	if i.dryRun {
		return nil
	}
	if err := i.store.PutConfig(ctx, cfg); err != nil {
		return err
	}
	return i.store.ReplaceRecords(ctx, orgID, recs)
}
