package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strings"

	chatflow "github.com/goliatone/go-chatflow"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	// SourceLabel names the chatflow schema to the migration runner.
	SourceLabel = "go-chatflow"

	postgresDir = "data/sql/migrations"
	sqliteDir   = "data/sql/migrations/sqlite"
)

var migrationName = regexp.MustCompile(`^[0-9]{5}_chatflow_[a-z0-9_]+$`)

// Set is the migration directory of one dialect. Versions lists the
// migration names without their .up.sql/.down.sql suffix, in order.
type Set struct {
	Dialect  string
	Dir      string
	FS       fs.FS
	Versions []string
}

type Registration struct {
	ValidationTargets []string
	Sets              []Set
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		next := make([]string, 0, len(targets))
		for _, target := range targets {
			target = strings.ToLower(strings.TrimSpace(target))
			if target != "" && !slices.Contains(next, target) {
				next = append(next, target)
			}
		}
		if len(next) > 0 {
			r.ValidationTargets = next
		}
	}
}

// Sets reads the postgres and sqlite migration sets from root. Every
// migration needs an up and a down file, and both dialects must carry the
// same versions so a schema change never lands on one backend only.
func Sets(root fs.FS) ([]Set, error) {
	if root == nil {
		root = chatflow.GetMigrationsFS()
	}
	sets := make([]Set, 0, 2)
	for _, entry := range []struct{ dialect, dir string }{
		{DialectPostgres, postgresDir},
		{DialectSQLite, sqliteDir},
	} {
		sub, err := fs.Sub(root, entry.dir)
		if err != nil {
			return nil, fmt.Errorf("migrations: resolve %s: %w", entry.dir, err)
		}
		versions, err := readVersions(sub)
		if err != nil {
			return nil, fmt.Errorf("migrations: %s: %w", entry.dialect, err)
		}
		sets = append(sets, Set{Dialect: entry.dialect, Dir: entry.dir, FS: sub, Versions: versions})
	}
	if !slices.Equal(sets[0].Versions, sets[1].Versions) {
		return nil, fmt.Errorf("migrations: dialects disagree: postgres has %v, sqlite has %v", sets[0].Versions, sets[1].Versions)
	}
	return sets, nil
}

func readVersions(fsys fs.FS) ([]string, error) {
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("no *.up.sql files")
	}
	downs, err := fs.Glob(fsys, "*.down.sql")
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(ups))
	for _, up := range ups {
		name := strings.TrimSuffix(up, ".up.sql")
		if !migrationName.MatchString(name) {
			return nil, fmt.Errorf("migration %q does not match NNNNN_chatflow_<name>", name)
		}
		if !slices.Contains(downs, name+".down.sql") {
			return nil, fmt.Errorf("migration %s has no down file", name)
		}
		versions = append(versions, name)
	}
	for _, down := range downs {
		if !slices.Contains(versions, strings.TrimSuffix(down, ".down.sql")) {
			return nil, fmt.Errorf("%s has no up file", down)
		}
	}
	slices.Sort(versions)
	return versions, nil
}

// Register validates the embedded schema and hands each targeted dialect's
// set to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{ValidationTargets: []string{DialectPostgres, DialectSQLite}}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}
	for _, target := range reg.ValidationTargets {
		if target != DialectPostgres && target != DialectSQLite {
			return reg, fmt.Errorf("migrations: unknown dialect %q", target)
		}
	}

	sets, err := Sets(chatflow.GetMigrationsFS())
	if err != nil {
		return reg, err
	}
	reg.Sets = sets
	for _, set := range sets {
		if !slices.Contains(reg.ValidationTargets, set.Dialect) {
			continue
		}
		if err := registerFn(ctx, set.Dialect, SourceLabel, set.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", set.Dialect, set.Dir, err)
		}
	}
	return reg, nil
}
