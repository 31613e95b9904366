package main

import (
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/statestore/postgres"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

//go:embed migrations/bigquery/*.sql
var bigqueryMigrations embed.FS

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// migrationPattern matches migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

func main() {
	var (
		target      = flag.String("target", envOr("STATE_STORE", "bigquery"), "State store to migrate: bigquery or postgres")
		projectID   = flag.String("project", os.Getenv("GCP_PROJECT"), "GCP project ID")
		datasetID   = flag.String("dataset", envOr("BQ_DATASET", "finance"), "BigQuery dataset ID")
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		appliedBy   = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
		dryRun      = flag.Bool("dry-run", false, "List pending migrations without applying them")
	)
	flag.Parse()

	log := logger.NewWithOptions(logger.Options{Level: envOr("LOG_LEVEL", "info"), Format: envOr("LOG_FORMAT", "console")})
	ctx := logger.WithContext(context.Background(), log)

	var err error
	switch *target {
	case "bigquery":
		err = migrateBigQuery(ctx, log, *projectID, *datasetID, *appliedBy, *dryRun)
	case "postgres":
		err = migratePostgres(ctx, log, *databaseURL)
	default:
		err = fmt.Errorf("unknown target %q", *target)
	}
	if err != nil {
		log.Fatal().Err(err).Str("target", *target).Msg("Migration failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// migratePostgres creates the run tables through the store's own schema setup.
func migratePostgres(ctx context.Context, log zerolog.Logger, dsn string) error {
	if dsn == "" {
		return errors.New("-database-url is required for the postgres target")
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	log.Info().Msg("PostgreSQL state tables are up to date")
	return nil
}

func migrateBigQuery(ctx context.Context, log zerolog.Logger, projectID, datasetID, appliedBy string, dryRun bool) error {
	if projectID == "" {
		return errors.New("-project is required for the bigquery target")
	}

	migrations, err := readMigrations(bigqueryMigrations, "migrations/bigquery", projectID, datasetID)
	if err != nil {
		return err
	}
	log.Info().Int("count", len(migrations)).Msg("Found migration files")

	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return fmt.Errorf("creating BigQuery client: %w", err)
	}
	defer client.Close()

	log.Info().Str("project", projectID).Str("dataset", datasetID).Msg("Connected to BigQuery")

	// The first migration creates schema_migrations itself.
	applied, err := getAppliedMigrations(ctx, client, projectID, datasetID)
	if err != nil {
		return err
	}

	todo := pendingMigrations(migrations, applied)
	for _, d := range checksumDrift(migrations, applied) {
		log.Warn().Int("version", d.Version).Str("name", d.Name).Msg("Applied migration was modified after it ran")
	}

	if dryRun {
		for _, m := range todo {
			log.Info().Str("migration", m.Filename).Msg("Pending")
		}
		return nil
	}

	for _, m := range todo {
		log.Info().Str("migration", m.Filename).Msg("Applying migration")

		if err := execute(ctx, client, m.SQL, nil); err != nil {
			return fmt.Errorf("executing %s: %w", m.Filename, err)
		}
		if err := recordMigration(ctx, client, projectID, datasetID, appliedBy, m); err != nil {
			return fmt.Errorf("recording %s: %w", m.Filename, err)
		}
	}

	if len(todo) == 0 {
		log.Info().Msg("No new migrations to apply. Dataset is up to date.")
	} else {
		log.Info().Int("applied", len(todo)).Msg("Migrations applied")
	}
	return nil
}

// readMigrations reads every migration in dir, substituting project and dataset placeholders.
// Checksums are taken over the file content before substitution.
func readMigrations(fsys fs.FS, dir, projectID, datasetID string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m, ok := parseFilename(entry.Name())
		if !ok {
			return nil, fmt.Errorf("invalid migration filename %q", entry.Name())
		}
		if prev, dup := seen[m.Version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), m.Version)
		}
		seen[m.Version] = entry.Name()

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", entry.Name(), err)
		}

		sql := strings.ReplaceAll(string(content), "{{PROJECT_ID}}", projectID)
		m.SQL = strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)
		m.Checksum = fmt.Sprintf("%x", sha256.Sum256(content))
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func parseFilename(name string) (Migration, bool) {
	matches := migrationPattern.FindStringSubmatch(name)
	if matches == nil {
		return Migration{}, false
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return Migration{}, false
	}
	return Migration{Version: version, Name: matches[2], Filename: name}, true
}

// pendingMigrations returns migrations whose version has not been applied, in order.
func pendingMigrations(migrations []Migration, applied []AppliedMigration) []Migration {
	done := make(map[int]bool, len(applied))
	for _, am := range applied {
		done[am.Version] = true
	}

	var todo []Migration
	for _, m := range migrations {
		if !done[m.Version] {
			todo = append(todo, m)
		}
	}
	return todo
}

// checksumDrift returns applied migrations whose file content has since changed.
func checksumDrift(migrations []Migration, applied []AppliedMigration) []AppliedMigration {
	sums := make(map[int]string, len(migrations))
	for _, m := range migrations {
		sums[m.Version] = m.Checksum
	}

	var drift []AppliedMigration
	for _, am := range applied {
		if sum, ok := sums[am.Version]; ok && am.Checksum != "" && am.Checksum != sum {
			drift = append(drift, am)
		}
	}
	return drift
}

// getAppliedMigrations retrieves the list of already applied migrations
func getAppliedMigrations(ctx context.Context, client *bigquery.Client, projectID, datasetID string) ([]AppliedMigration, error) {
	sql := fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM `+"`%s.%s.schema_migrations`"+`
		ORDER BY version ASC
	`, projectID, datasetID)

	it, err := client.Query(sql).Read(ctx)
	if err != nil {
		// If table doesn't exist yet, return empty list
		if strings.Contains(err.Error(), "Not found") {
			return []AppliedMigration{}, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64
			Name      string
			AppliedAt time.Time
			Checksum  bigquery.NullString
			AppliedBy bigquery.NullString
		}

		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}

		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}

	return applied, nil
}

// recordMigration records a successfully applied migration in schema_migrations
func recordMigration(ctx context.Context, client *bigquery.Client, projectID, datasetID, appliedBy string, m Migration) error {
	sql := fmt.Sprintf(`
		INSERT INTO `+"`%s.%s.schema_migrations`"+`
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, projectID, datasetID)

	return execute(ctx, client, sql, []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	})
}

func execute(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) error {
	query := client.Query(sql)
	query.Parameters = params

	job, err := query.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}

	return nil
}
